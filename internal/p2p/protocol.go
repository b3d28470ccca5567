package p2p

import (
	"encoding/binary"
	"errors"
	"math"
	"strings"
)

// A transfer is one request and one response on a fresh connection:
//
//	request:  "REQUEST_FILE:<name>" in a single write, no terminator
//	response: status byte, then for statusOK an 8-byte big-endian length
//	          followed by the file in pieces of at most the piece size
const requestPrefix = "REQUEST_FILE:"

const (
	statusOK       byte = 0x00
	statusNotFound byte = 0x01
)

const lengthSize = 8

var (
	ErrFileNotFound   = errors.New("file not found on peer")
	ErrShortTransfer  = errors.New("transfer ended before the declared length")
	ErrInvalidHeader  = errors.New("invalid response header")
	ErrInvalidRequest = errors.New("invalid request")
)

func encodeRequest(fileName string) []byte {
	return []byte(requestPrefix + fileName)
}

func decodeRequest(buf []byte) (string, error) {
	req := string(buf)
	if !strings.HasPrefix(req, requestPrefix) {
		return "", ErrInvalidRequest
	}
	name := strings.TrimPrefix(req, requestPrefix)
	if name == "" {
		return "", ErrInvalidRequest
	}
	return name, nil
}

func encodeHeader(size int64) []byte {
	buf := make([]byte, 1+lengthSize)
	buf[0] = statusOK
	binary.BigEndian.PutUint64(buf[1:], uint64(size))
	return buf
}

func decodeLength(buf []byte) (int64, error) {
	if len(buf) != lengthSize {
		return 0, ErrInvalidHeader
	}
	size := binary.BigEndian.Uint64(buf)
	if size > math.MaxInt64 {
		return 0, ErrInvalidHeader
	}
	return int64(size), nil
}
