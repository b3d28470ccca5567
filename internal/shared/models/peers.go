package models

import (
	"errors"
	"strings"
)

type PeerStatus string

const (
	PeerStatusIdle PeerStatus = "IDLE"
	PeerStatusBusy PeerStatus = "BUSY"
)

type SharedFile struct {
	Name string `json:"name"`
	Size int64  `json:"size"`
}

var ErrInvalidFileName = errors.New("invalid file name")

// CheckFileName accepts only plain names: shared files live directly in the
// storage directory and are opened by joining the name onto it.
func CheckFileName(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return ErrInvalidFileName
	}
	return nil
}

type PeerRecord struct {
	Addr   Addr         `json:"addr"`
	Files  []SharedFile `json:"files"`
	Status PeerStatus   `json:"status"`
}

func (p PeerRecord) Holds(name string) (SharedFile, bool) {
	for _, f := range p.Files {
		if f.Name == name {
			return f, true
		}
	}
	return SharedFile{}, false
}

// PeerInfo is a peer as it appears in a PEERS_AVAILABLE response. FileName and
// FileSize are set when the peer was selected for a specific file.
type PeerInfo struct {
	PeerIP    string   `json:"peer_ip"`
	PeerPort  int      `json:"peer_port"`
	Files     []string `json:"files,omitempty"`
	FileSizes []int64  `json:"file_sizes,omitempty"`
	FileName  string   `json:"file_name,omitempty"`
	FileSize  int64    `json:"file_size,omitempty"`
}

func (p PeerInfo) Addr() Addr {
	return Addr{IP: p.PeerIP, Port: p.PeerPort}
}

// FileMatch is an IDLE holder selected for one requested file.
type FileMatch struct {
	File SharedFile
	Peer PeerRecord
}
