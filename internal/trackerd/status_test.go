package trackerd

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/WendelHime/p2pshare/internal/registry"
	"github.com/WendelHime/p2pshare/internal/shared/models"
	"github.com/stretchr/testify/assert"
)

func TestStatusHandler(t *testing.T) {
	reg := registry.New()
	reg.Register(addrA, []models.SharedFile{{Name: "x.txt", Size: 2048}})
	reg.Register(addrB, []models.SharedFile{{Name: "x.txt", Size: 2048}, {Name: "y.txt", Size: 3}})
	assert.Nil(t, reg.MarkBusy(addrB))
	handler := NewStatusHandler(reg, discardLogger())

	var tests = []struct {
		name   string
		method string
		path   string
		assert func(t *testing.T, rec *httptest.ResponseRecorder)
	}{
		{
			name:   "list peers",
			method: http.MethodGet,
			path:   "/peers",
			assert: func(t *testing.T, rec *httptest.ResponseRecorder) {
				assert.Equal(t, http.StatusOK, rec.Code)
				var peers []models.PeerRecord
				assert.Nil(t, json.Unmarshal(rec.Body.Bytes(), &peers))
				if assert.Len(t, peers, 2) {
					assert.Equal(t, addrA, peers[0].Addr)
					assert.Equal(t, models.PeerStatusBusy, peers[1].Status)
				}
			},
		},
		{
			name:   "get peer",
			method: http.MethodGet,
			path:   "/peers/127.0.0.1/1110",
			assert: func(t *testing.T, rec *httptest.ResponseRecorder) {
				assert.Equal(t, http.StatusOK, rec.Code)
				var peer models.PeerRecord
				assert.Nil(t, json.Unmarshal(rec.Body.Bytes(), &peer))
				assert.Len(t, peer.Files, 2)
			},
		},
		{
			name:   "unknown peer",
			method: http.MethodGet,
			path:   "/peers/127.0.0.1/9",
			assert: func(t *testing.T, rec *httptest.ResponseRecorder) {
				assert.Equal(t, http.StatusNotFound, rec.Code)
			},
		},
		{
			name:   "list files",
			method: http.MethodGet,
			path:   "/files",
			assert: func(t *testing.T, rec *httptest.ResponseRecorder) {
				var files map[string][]string
				assert.Nil(t, json.Unmarshal(rec.Body.Bytes(), &files))
				assert.Equal(t, map[string][]string{
					"x.txt": {"127.0.0.1:1109", "127.0.0.1:1110"},
					"y.txt": {"127.0.0.1:1110"},
				}, files)
			},
		},
		{
			name:   "file holders",
			method: http.MethodGet,
			path:   "/files/y.txt",
			assert: func(t *testing.T, rec *httptest.ResponseRecorder) {
				assert.Equal(t, http.StatusOK, rec.Code)
				assert.JSONEq(t, `["127.0.0.1:1110"]`, rec.Body.String())
			},
		},
		{
			name:   "unknown file",
			method: http.MethodGet,
			path:   "/files/missing.txt",
			assert: func(t *testing.T, rec *httptest.ResponseRecorder) {
				assert.Equal(t, http.StatusNotFound, rec.Code)
			},
		},
		{
			name:   "read only",
			method: http.MethodPost,
			path:   "/peers",
			assert: func(t *testing.T, rec *httptest.ResponseRecorder) {
				assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
			},
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, httptest.NewRequest(tt.method, tt.path, nil))
			tt.assert(t, rec)
		})
	}
}
