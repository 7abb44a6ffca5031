package proc

import "errors"

// FrameRegisters gives read access to the registers of a frame that is
// being unwound.
type FrameRegisters interface {
	PC() uint64
	SP() uint64
	FP() uint64
}

// TargetMemory reads target memory. ReadMemory must either fill buf
// completely or return an error.
type TargetMemory interface {
	ReadMemory(buf []byte, addr uint64) error
}

// DebugInfoLookup reports whether conventional debug information covers
// an address.
type DebugInfoLookup interface {
	BlockForPC(pc uint64) bool
}

// RemoteTransport sends free form queries to a remote debugging stub.
type RemoteTransport interface {
	// IsRemote reports whether the transport talks to a remote stub, as
	// opposed to a local process or a core file.
	IsRemote() bool
	// Query sends one query packet and returns the reply. ErrNoResponse
	// is returned when the stub does not answer the query.
	Query(cmd string) ([]byte, error)
}

// Session returns the transport of the currently selected target, or nil
// when there is no connection.
type Session interface {
	Transport() RemoteTransport
}

// SessionFunc adapts a function to the Session interface.
type SessionFunc func() RemoteTransport

func (f SessionFunc) Transport() RemoteTransport { return f() }

// ErrNoResponse is returned by a RemoteTransport when a query received no
// reply (an empty packet in the remote serial protocol).
var ErrNoResponse = errors.New("no response to query")

type noDebugInfo struct{}

func (noDebugInfo) BlockForPC(uint64) bool { return false }

// NoDebugInfo is a DebugInfoLookup that never finds anything.
var NoDebugInfo DebugInfoLookup = noDebugInfo{}
