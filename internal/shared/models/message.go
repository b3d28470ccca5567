package models

import (
	"encoding/json"
	"errors"
	"fmt"
)

type MessageType string

const (
	MessageTypeRegister         MessageType = "REGISTER"
	MessageTypeGetIdlePeers     MessageType = "GET_N_IDLE_PEERS"
	MessageTypeGetFileIdlePeers MessageType = "GET_N_FILE_IDLE_PEERS"
	MessageTypeRequestFile      MessageType = "REQUEST_FILE"
	MessageTypeComplete         MessageType = "COMPLETE"
	MessageTypePeersAvailable   MessageType = "PEERS_AVAILABLE"
	MessageTypePeerContact      MessageType = "PEER_CONTACT"
	MessageTypePeerBusy         MessageType = "PEER_BUSY"
)

var ErrUnknownMessageType = errors.New("unknown message type")
var ErrMalformedMessage = errors.New("malformed message")

// ControlMessage is the envelope of one line on the tracker control connection.
// Only the fields relevant to Type are populated.
type ControlMessage struct {
	Type      MessageType `json:"type"`
	Port      int         `json:"port,omitempty"`
	Files     []string    `json:"files,omitempty"`
	FileSizes []int64     `json:"file_sizes,omitempty"`
	PeerIP    string      `json:"peer_ip,omitempty"`
	PeerPort  int         `json:"peer_port,omitempty"`
	Count     int         `json:"count,omitempty"`
	FileNames []string    `json:"file_names,omitempty"`
	FileName  string      `json:"file_name,omitempty"`
}

// Response is sent by the tracker for GET_N_IDLE_PEERS, GET_N_FILE_IDLE_PEERS
// and REQUEST_FILE.
type Response struct {
	Type      MessageType `json:"type"`
	Peers     []PeerInfo  `json:"peers,omitempty"`
	FileSizes []int64     `json:"file_sizes,omitempty"`
	PeerIP    string      `json:"peer_ip,omitempty"`
	PeerPort  int         `json:"peer_port,omitempty"`
}

type peersAvailable struct {
	Type      MessageType `json:"type"`
	Peers     []PeerInfo  `json:"peers"`
	FileSizes []int64     `json:"file_sizes"`
}

// MarshalJSON writes PEERS_AVAILABLE with its peers and file_sizes arrays even
// when they are empty; readers index both without checking for them.
func (r Response) MarshalJSON() ([]byte, error) {
	type response Response
	if r.Type != MessageTypePeersAvailable {
		return json.Marshal(response(r))
	}

	out := peersAvailable{Type: r.Type, Peers: r.Peers, FileSizes: r.FileSizes}
	if out.Peers == nil {
		out.Peers = []PeerInfo{}
	}
	if out.FileSizes == nil {
		out.FileSizes = []int64{}
	}
	return json.Marshal(out)
}

// Request is one of the five operations a peer can ask of the tracker.
type Request interface {
	Kind() MessageType
	Message() ControlMessage
	isRequest()
}

type RegisterRequest struct {
	Addr  Addr
	Files []SharedFile
}

type GetIdlePeersRequest struct {
	Requester Addr
	Count     int
}

type GetFileIdlePeersRequest struct {
	Requester Addr
	FileNames []string
}

type RequestFileRequest struct {
	Target   Addr
	FileName string
}

type CompleteRequest struct {
	Target Addr
}

func (RegisterRequest) Kind() MessageType         { return MessageTypeRegister }
func (GetIdlePeersRequest) Kind() MessageType     { return MessageTypeGetIdlePeers }
func (GetFileIdlePeersRequest) Kind() MessageType { return MessageTypeGetFileIdlePeers }
func (RequestFileRequest) Kind() MessageType      { return MessageTypeRequestFile }
func (CompleteRequest) Kind() MessageType         { return MessageTypeComplete }

func (RegisterRequest) isRequest()         {}
func (GetIdlePeersRequest) isRequest()     {}
func (GetFileIdlePeersRequest) isRequest() {}
func (RequestFileRequest) isRequest()      {}
func (CompleteRequest) isRequest()         {}

func (r RegisterRequest) Message() ControlMessage {
	names := make([]string, len(r.Files))
	sizes := make([]int64, len(r.Files))
	for i, f := range r.Files {
		names[i] = f.Name
		sizes[i] = f.Size
	}
	return ControlMessage{Type: r.Kind(), Port: r.Addr.Port, PeerIP: r.Addr.IP, Files: names, FileSizes: sizes}
}

func (r GetIdlePeersRequest) Message() ControlMessage {
	return ControlMessage{Type: r.Kind(), Count: r.Count, PeerIP: r.Requester.IP, PeerPort: r.Requester.Port}
}

func (r GetFileIdlePeersRequest) Message() ControlMessage {
	return ControlMessage{Type: r.Kind(), FileNames: r.FileNames, PeerIP: r.Requester.IP, PeerPort: r.Requester.Port}
}

func (r RequestFileRequest) Message() ControlMessage {
	return ControlMessage{Type: r.Kind(), PeerIP: r.Target.IP, PeerPort: r.Target.Port, FileName: r.FileName}
}

func (r CompleteRequest) Message() ControlMessage {
	return ControlMessage{Type: r.Kind(), PeerIP: r.Target.IP, PeerPort: r.Target.Port}
}

// Request converts the envelope into its typed request.
// Sizes missing from REGISTER default to zero; extra sizes are ignored.
func (m ControlMessage) Request() (Request, error) {
	switch m.Type {
	case MessageTypeRegister:
		files := make([]SharedFile, len(m.Files))
		for i, name := range m.Files {
			files[i] = SharedFile{Name: name}
			if i < len(m.FileSizes) {
				files[i].Size = m.FileSizes[i]
			}
		}
		return RegisterRequest{Addr: Addr{IP: m.PeerIP, Port: m.Port}, Files: files}, nil
	case MessageTypeGetIdlePeers:
		if m.Count < 0 {
			return nil, fmt.Errorf("%w: negative count %d", ErrMalformedMessage, m.Count)
		}
		return GetIdlePeersRequest{Requester: Addr{IP: m.PeerIP, Port: m.PeerPort}, Count: m.Count}, nil
	case MessageTypeGetFileIdlePeers:
		return GetFileIdlePeersRequest{Requester: Addr{IP: m.PeerIP, Port: m.PeerPort}, FileNames: m.FileNames}, nil
	case MessageTypeRequestFile:
		if m.PeerIP == "" || m.FileName == "" {
			return nil, fmt.Errorf("%w: %s needs peer_ip and file_name", ErrMalformedMessage, m.Type)
		}
		return RequestFileRequest{Target: Addr{IP: m.PeerIP, Port: m.PeerPort}, FileName: m.FileName}, nil
	case MessageTypeComplete:
		if m.PeerIP == "" {
			return nil, fmt.Errorf("%w: %s needs peer_ip", ErrMalformedMessage, m.Type)
		}
		return CompleteRequest{Target: Addr{IP: m.PeerIP, Port: m.PeerPort}}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMessageType, m.Type)
	}
}
