package net

import (
	"net"
	"time"
)

// StreamLayer is used with the NetworkTransport to provide the low level stream
// abstraction. TCPStreamLayer is the only implementation; a TLS one would slot
// in here.
type StreamLayer interface {
	net.Listener

	// Dial is used to create a new outgoing connection
	Dial(address string, timeout time.Duration) (net.Conn, error)

	// AdvertiseAddr returns the address other nodes should dial to reach us
	AdvertiseAddr() string
}
