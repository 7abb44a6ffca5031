package service

import (
	"net"

	"github.com/csnover/Retro68/service/debugger"
)

// Config provides the configuration to expose a Debugger with a service.
//
// The Debugger itself is created when the client asks to attach, from
// Debugger updated with the client's arguments.
type Config struct {
	// Listener is used to serve requests.
	Listener net.Listener

	// Debugger holds the defaults used when the client attaches.
	Debugger debugger.Config

	// DisconnectChan will be closed by the server when the client disconnects
	DisconnectChan chan<- struct{}
}
