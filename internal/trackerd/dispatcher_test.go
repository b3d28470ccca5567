package trackerd

import (
	"io"
	"log/slog"
	"testing"

	"github.com/WendelHime/p2pshare/internal/registry"
	"github.com/WendelHime/p2pshare/internal/shared/models"
	"github.com/stretchr/testify/assert"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var (
	addrA = models.Addr{IP: "127.0.0.1", Port: 1109}
	addrB = models.Addr{IP: "127.0.0.1", Port: 1110}
	addrC = models.Addr{IP: "127.0.0.1", Port: 1111}
)

func register(d *Dispatcher, s *Session, addr models.Addr, files ...models.SharedFile) {
	d.Dispatch(s, models.RegisterRequest{Addr: addr, Files: files})
}

func TestDispatch(t *testing.T) {
	x := models.SharedFile{Name: "x.txt", Size: 2048}

	var tests = []struct {
		name   string
		setup  func(d *Dispatcher) (*Session, models.Request)
		assert func(t *testing.T, reg *registry.Registry, actual *models.Response)
	}{
		{
			name: "register has no response",
			setup: func(d *Dispatcher) (*Session, models.Request) {
				return NewSession("a", "127.0.0.1"), models.RegisterRequest{Addr: addrA, Files: []models.SharedFile{x}}
			},
			assert: func(t *testing.T, reg *registry.Registry, actual *models.Response) {
				assert.Nil(t, actual)
				record, ok := reg.Lookup(addrA)
				assert.True(t, ok)
				assert.Equal(t, models.PeerStatusIdle, record.Status)
			},
		},
		{
			name: "register without ip uses the connection address",
			setup: func(d *Dispatcher) (*Session, models.Request) {
				return NewSession("a", "10.0.0.7"), models.RegisterRequest{Addr: models.Addr{Port: 1200}}
			},
			assert: func(t *testing.T, reg *registry.Registry, actual *models.Response) {
				_, ok := reg.Lookup(models.Addr{IP: "10.0.0.7", Port: 1200})
				assert.True(t, ok)
			},
		},
		{
			name: "idle peers exclude the requester",
			setup: func(d *Dispatcher) (*Session, models.Request) {
				register(d, NewSession("a", ""), addrA, x)
				b := NewSession("b", "")
				register(d, b, addrB)
				return b, models.GetIdlePeersRequest{Requester: addrB, Count: 5}
			},
			assert: func(t *testing.T, reg *registry.Registry, actual *models.Response) {
				assert.Equal(t, models.MessageTypePeersAvailable, actual.Type)
				assert.Equal(t, []models.PeerInfo{{
					PeerIP:    addrA.IP,
					PeerPort:  addrA.Port,
					Files:     []string{"x.txt"},
					FileSizes: []int64{2048},
				}}, actual.Peers)
			},
		},
		{
			name: "file idle peers carry sizes",
			setup: func(d *Dispatcher) (*Session, models.Request) {
				register(d, NewSession("a", ""), addrA, x)
				return NewSession("b", ""), models.GetFileIdlePeersRequest{Requester: addrB, FileNames: []string{"x.txt", "nope"}}
			},
			assert: func(t *testing.T, reg *registry.Registry, actual *models.Response) {
				assert.Equal(t, models.MessageTypePeersAvailable, actual.Type)
				assert.Equal(t, []models.PeerInfo{{PeerIP: addrA.IP, PeerPort: addrA.Port, FileName: "x.txt", FileSize: 2048}}, actual.Peers)
				assert.Equal(t, []int64{2048}, actual.FileSizes)
			},
		},
		{
			name: "unknown file yields an empty peer set",
			setup: func(d *Dispatcher) (*Session, models.Request) {
				register(d, NewSession("a", ""), addrA, x)
				return NewSession("b", ""), models.GetFileIdlePeersRequest{Requester: addrB, FileNames: []string{"unknown.bin"}}
			},
			assert: func(t *testing.T, reg *registry.Registry, actual *models.Response) {
				assert.Equal(t, models.MessageTypePeersAvailable, actual.Type)
				assert.Empty(t, actual.Peers)
			},
		},
		{
			name: "request file allocates an idle holder",
			setup: func(d *Dispatcher) (*Session, models.Request) {
				register(d, NewSession("a", ""), addrA, x)
				return NewSession("b", ""), models.RequestFileRequest{Target: addrA, FileName: "x.txt"}
			},
			assert: func(t *testing.T, reg *registry.Registry, actual *models.Response) {
				assert.Equal(t, &models.Response{Type: models.MessageTypePeerContact, PeerIP: addrA.IP, PeerPort: addrA.Port}, actual)
				record, _ := reg.Lookup(addrA)
				assert.Equal(t, models.PeerStatusBusy, record.Status)
			},
		},
		{
			name: "request by ip only resolves the peer",
			setup: func(d *Dispatcher) (*Session, models.Request) {
				register(d, NewSession("a", ""), addrA, x)
				return NewSession("b", ""), models.RequestFileRequest{Target: models.Addr{IP: addrA.IP}, FileName: "x.txt"}
			},
			assert: func(t *testing.T, reg *registry.Registry, actual *models.Response) {
				assert.Equal(t, models.MessageTypePeerContact, actual.Type)
				assert.Equal(t, addrA.Port, actual.PeerPort)
			},
		},
		{
			name: "request to a busy peer is rejected",
			setup: func(d *Dispatcher) (*Session, models.Request) {
				register(d, NewSession("a", ""), addrA, x)
				d.Dispatch(NewSession("c", ""), models.RequestFileRequest{Target: addrA, FileName: "x.txt"})
				return NewSession("b", ""), models.RequestFileRequest{Target: addrA, FileName: "x.txt"}
			},
			assert: func(t *testing.T, reg *registry.Registry, actual *models.Response) {
				assert.Equal(t, &models.Response{Type: models.MessageTypePeerBusy}, actual)
			},
		},
		{
			name: "request for a file the peer lacks is rejected",
			setup: func(d *Dispatcher) (*Session, models.Request) {
				register(d, NewSession("a", ""), addrA, x)
				return NewSession("b", ""), models.RequestFileRequest{Target: addrA, FileName: "y.txt"}
			},
			assert: func(t *testing.T, reg *registry.Registry, actual *models.Response) {
				assert.Equal(t, models.MessageTypePeerBusy, actual.Type)
				record, _ := reg.Lookup(addrA)
				assert.Equal(t, models.PeerStatusIdle, record.Status)
			},
		},
		{
			name: "request to an unknown peer is rejected",
			setup: func(d *Dispatcher) (*Session, models.Request) {
				return NewSession("b", ""), models.RequestFileRequest{Target: addrC, FileName: "x.txt"}
			},
			assert: func(t *testing.T, reg *registry.Registry, actual *models.Response) {
				assert.Equal(t, models.MessageTypePeerBusy, actual.Type)
			},
		},
		{
			name: "complete releases the peer",
			setup: func(d *Dispatcher) (*Session, models.Request) {
				register(d, NewSession("a", ""), addrA, x)
				b := NewSession("b", "")
				d.Dispatch(b, models.RequestFileRequest{Target: addrA, FileName: "x.txt"})
				return b, models.CompleteRequest{Target: addrA}
			},
			assert: func(t *testing.T, reg *registry.Registry, actual *models.Response) {
				assert.Nil(t, actual)
				record, _ := reg.Lookup(addrA)
				assert.Equal(t, models.PeerStatusIdle, record.Status)
			},
		},
		{
			name: "complete for an unknown peer is ignored",
			setup: func(d *Dispatcher) (*Session, models.Request) {
				return NewSession("b", ""), models.CompleteRequest{Target: addrC}
			},
			assert: func(t *testing.T, reg *registry.Registry, actual *models.Response) {
				assert.Nil(t, actual)
				assert.Empty(t, reg.Peers())
			},
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			reg := registry.New()
			d := NewDispatcher(reg, discardLogger())
			s, req := tt.setup(d)
			actual := d.Dispatch(s, req)
			tt.assert(t, reg, actual)
		})
	}
}

func TestScenarioThroughDispatcher(t *testing.T) {
	reg := registry.New()
	d := NewDispatcher(reg, discardLogger())
	a, b, c := NewSession("a", ""), NewSession("b", ""), NewSession("c", "")

	register(d, a, addrA, models.SharedFile{Name: "x.txt", Size: 2048})
	register(d, b, addrB)
	register(d, c, addrC)

	resp := d.Dispatch(b, models.RequestFileRequest{Target: addrA, FileName: "x.txt"})
	assert.Equal(t, models.MessageTypePeerContact, resp.Type)

	resp = d.Dispatch(c, models.RequestFileRequest{Target: addrA, FileName: "x.txt"})
	assert.Equal(t, models.MessageTypePeerBusy, resp.Type)

	d.Dispatch(b, models.CompleteRequest{Target: addrA})

	resp = d.Dispatch(c, models.RequestFileRequest{Target: addrA, FileName: "x.txt"})
	assert.Equal(t, models.MessageTypePeerContact, resp.Type)
}

func TestCloseReleasesSession(t *testing.T) {
	reg := registry.New()
	d := NewDispatcher(reg, discardLogger())
	a, b := NewSession("a", ""), NewSession("b", "")

	register(d, a, addrA, models.SharedFile{Name: "x.txt", Size: 1})
	register(d, b, addrB)
	d.Dispatch(b, models.RequestFileRequest{Target: addrA, FileName: "x.txt"})

	d.Close(b)

	record, ok := reg.Lookup(addrA)
	assert.True(t, ok)
	assert.Equal(t, models.PeerStatusIdle, record.Status)
	_, ok = reg.Lookup(addrB)
	assert.False(t, ok)

	d.Close(a)
	assert.Empty(t, reg.Peers())
	assert.Empty(t, reg.Files())
}

func TestReRegisterUnderNewAddress(t *testing.T) {
	reg := registry.New()
	d := NewDispatcher(reg, discardLogger())
	a := NewSession("a", "")

	register(d, a, addrA)
	register(d, a, addrB)

	_, ok := reg.Lookup(addrA)
	assert.False(t, ok)
	id, ok := a.Identity()
	assert.True(t, ok)
	assert.Equal(t, addrB, id)
}

func TestSharedIPResolvesByContext(t *testing.T) {
	reg := registry.New()
	d := NewDispatcher(reg, discardLogger())
	a, b, c := NewSession("a", ""), NewSession("b", ""), NewSession("c", "")

	register(d, a, addrA, models.SharedFile{Name: "x.txt", Size: 1})
	register(d, b, addrB, models.SharedFile{Name: "y.txt", Size: 1})

	resp := d.Dispatch(c, models.RequestFileRequest{Target: models.Addr{IP: "127.0.0.1"}, FileName: "y.txt"})
	assert.Equal(t, &models.Response{Type: models.MessageTypePeerContact, PeerIP: addrB.IP, PeerPort: addrB.Port}, resp)

	d.Dispatch(c, models.CompleteRequest{Target: models.Addr{IP: "127.0.0.1"}})

	for _, id := range []models.Addr{addrA, addrB} {
		record, ok := reg.Lookup(id)
		assert.True(t, ok)
		assert.Equal(t, models.PeerStatusIdle, record.Status, id.String())
	}
}

func TestCloseKeepsAllocationsOfOtherSessions(t *testing.T) {
	reg := registry.New()
	d := NewDispatcher(reg, discardLogger())
	a, b, c, e := NewSession("a", ""), NewSession("b", ""), NewSession("c", ""), NewSession("e", "")
	req := models.RequestFileRequest{Target: addrA, FileName: "x.txt"}

	register(d, a, addrA, models.SharedFile{Name: "x.txt", Size: 1})
	assert.Equal(t, models.MessageTypePeerContact, d.Dispatch(b, req).Type)

	d.Dispatch(c, models.CompleteRequest{Target: addrA})
	assert.Equal(t, models.MessageTypePeerContact, d.Dispatch(c, req).Type)

	d.Close(b)

	record, _ := reg.Lookup(addrA)
	assert.Equal(t, models.PeerStatusBusy, record.Status)
	assert.Equal(t, models.MessageTypePeerBusy, d.Dispatch(e, req).Type)

	d.Close(c)
	record, _ = reg.Lookup(addrA)
	assert.Equal(t, models.PeerStatusIdle, record.Status)
}

func TestStaleSessionCloseKeepsLivePeer(t *testing.T) {
	reg := registry.New()
	d := NewDispatcher(reg, discardLogger())
	old, live := NewSession("old", ""), NewSession("live", "")

	register(d, old, addrA, models.SharedFile{Name: "x.txt", Size: 1})
	register(d, live, addrA, models.SharedFile{Name: "x.txt", Size: 1})

	d.Close(old)

	_, ok := reg.Lookup(addrA)
	assert.True(t, ok)
	assert.Equal(t, []models.Addr{addrA}, reg.Holders("x.txt"))

	d.Close(live)
	_, ok = reg.Lookup(addrA)
	assert.False(t, ok)
}
