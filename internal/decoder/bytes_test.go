package decoder

import (
	"bytes"
	"io"
	"testing"
	"testing/iotest"

	"github.com/stretchr/testify/assert"
)

func TestReadBytes(t *testing.T) {
	var tests = []struct {
		name   string
		assert func(t *testing.T, actual []byte, err error)
		setup  func() (io.Reader, int)
	}{
		{
			name: "read 1 byte",
			assert: func(t *testing.T, actual []byte, err error) {
				assert.Nil(t, err)
				assert.Equal(t, []byte{0x01}, actual)
			},
			setup: func() (io.Reader, int) {
				return bytes.NewBuffer([]byte{0x01}), 1
			},
		},
		{
			name: "reads across short reads",
			assert: func(t *testing.T, actual []byte, err error) {
				assert.Nil(t, err)
				assert.Equal(t, []byte("piece"), actual)
			},
			setup: func() (io.Reader, int) {
				return iotest.OneByteReader(bytes.NewBufferString("pieces")), 5
			},
		},
		{
			name: "empty reader returns EOF",
			assert: func(t *testing.T, actual []byte, err error) {
				if assert.Error(t, err) {
					assert.Equal(t, io.EOF, err)
				}
				assert.Empty(t, actual)
			},
			setup: func() (io.Reader, int) {
				return bytes.NewBuffer(nil), 2
			},
		},
		{
			name: "reading more bytes than available should return unexpected EOF",
			assert: func(t *testing.T, actual []byte, err error) {
				if assert.Error(t, err) {
					assert.Equal(t, io.ErrUnexpectedEOF, err)
				}
				assert.Equal(t, []byte{0x01}, actual)
			},
			setup: func() (io.Reader, int) {
				return bytes.NewBuffer([]byte{0x01}), 2
			},
		},
		{
			name: "data returned together with EOF",
			assert: func(t *testing.T, actual []byte, err error) {
				assert.Nil(t, err)
				assert.Equal(t, []byte("ab"), actual)
			},
			setup: func() (io.Reader, int) {
				return iotest.DataErrReader(bytes.NewBufferString("ab")), 2
			},
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			r, n := tt.setup()
			actual, err := ReadBytes(r, n)
			tt.assert(t, actual, err)
		})
	}
}
