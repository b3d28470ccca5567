package models

import (
	"errors"
	"net"
	"strconv"
)

// Addr identifies a peer by the address its file server listens on.
type Addr struct {
	IP   string `json:"ip"`
	Port int    `json:"port"`
}

func (a Addr) String() string {
	return net.JoinHostPort(a.IP, strconv.Itoa(a.Port))
}

var ErrInvalidAddr = errors.New("invalid address")

func ParseAddr(s string) (Addr, error) {
	host, port, err := net.SplitHostPort(s)
	if err != nil {
		return Addr{}, errors.Join(ErrInvalidAddr, err)
	}

	p, err := strconv.Atoi(port)
	if err != nil || p < 0 || p > 65535 {
		return Addr{}, ErrInvalidAddr
	}

	return Addr{IP: host, Port: p}, nil
}
