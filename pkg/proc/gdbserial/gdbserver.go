// This file and its companion gdbserver_conn.go implement a client for the
// GDB Remote Serial Protocol, as spoken by the debugger stub built into the
// Palm OS Emulator.
//
// The protocol is described at:
//
//	https://sourceware.org/gdb/onlinedocs/gdb/Remote-Protocol.html
//
// Besides the standard packets the emulator answers the query
// qposer.Frame:<pc>, which is how frames without debug information get a
// name. Only the packets needed to inspect a stopped target are used:
// register and memory reads, qXfer transfers and free form queries.

package gdbserial

import (
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/csnover/Retro68/pkg/logflags"
	"github.com/csnover/Retro68/pkg/proc"
)

const (
	gdbWireMaxLen = 120

	maxTransmitAttempts    = 3    // number of retransmission attempts on failed checksum
	initialInputBufferSize = 2048 // size of the input buffer for gdbConn

	dialRetryInterval = 100 * time.Millisecond
)

// Conn is a connection to a stub that understands Gdb Remote Serial
// Protocol. It is safe for concurrent use, packets are serialized.
type Conn struct {
	mu   sync.Mutex
	conn gdbConn
}

// Dial connects to the stub listening at addr, retrying until timeout
// expires, and performs the handshake.
func Dial(addr string, timeout time.Duration) (*Conn, error) {
	deadline := time.Now().Add(timeout)
	for {
		conn, err := net.DialTimeout("tcp", addr, timeout)
		if err == nil {
			return NewConn(conn)
		}
		if time.Now().Add(dialRetryInterval).After(deadline) {
			return nil, fmt.Errorf("could not connect to %s: %w", addr, err)
		}
		time.Sleep(dialRetryInterval)
	}
}

// NewConn performs a handshake over an established connection. The
// connection is closed if the handshake fails.
func NewConn(conn net.Conn) (*Conn, error) {
	c := &Conn{
		conn: gdbConn{
			conn:                conn,
			maxTransmitAttempts: maxTransmitAttempts,
			inbuf:               make([]byte, 0, initialInputBufferSize),
			log:                 logflags.GdbWireLogger(),
		},
	}
	if err := c.conn.handshake(); err != nil {
		conn.Close()
		return nil, err
	}
	return c, nil
}

// IsRemote always returns true.
func (c *Conn) IsRemote() bool { return true }

// Transport returns c. It makes a Conn usable as a proc.Session.
func (c *Conn) Transport() proc.RemoteTransport { return c }

// PacketSize returns the maximum packet size accepted by the stub.
func (c *Conn) PacketSize() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.packetSize
}

// Supports reports whether the stub announced feature in its qSupported
// reply.
func (c *Conn) Supports(feature string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.features[feature]
}

// Query sends cmd as a single packet and returns the reply. An empty reply
// is reported as proc.ErrNoResponse.
func (c *Conn) Query(cmd string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	resp, err := c.conn.exec(append([]byte{'$'}, cmd...), "query")
	if err != nil {
		if isProtocolErrorUnsupported(err) {
			return nil, proc.ErrNoResponse
		}
		return nil, err
	}
	// resp aliases the input buffer
	out := make([]byte, len(resp))
	copy(out, resp)
	return out, nil
}

// ReadMemory fills buf with target memory starting at addr.
func (c *Conn) ReadMemory(buf []byte, addr uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.readMemory(buf, addr)
}

// ReadRegisters reads the registers of the stopped target. It fails with
// ErrRegisterUnavailable if pc, sp or fp is missing from the reply.
func (c *Conn) ReadRegisters() (*Registers, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	data, unavailable, err := c.conn.readRegisters()
	if err != nil {
		return nil, err
	}
	regs := newRegisters(c.conn.regsInfo, data)
	regs.unavailable = unavailable
	for _, name := range []string{regnamePC, regnameSP, regnameFP} {
		if _, ok := regs.Get(name); !ok {
			return nil, fmt.Errorf("%w: %s", ErrRegisterUnavailable, name)
		}
	}
	return regs, nil
}

// MemoryRegion is an entry of the memory map of the target.
type MemoryRegion struct {
	Type   string
	Start  uint64
	Length uint64
}

// End returns the first address after the region.
func (r MemoryRegion) End() uint64 { return r.Start + r.Length }

type memoryMap struct {
	Regions []struct {
		Type   string `xml:"type,attr"`
		Start  string `xml:"start,attr"`
		Length string `xml:"length,attr"`
	} `xml:"memory"`
}

// MemoryMap reads the memory map of the target with
// qXfer:memory-map:read.
func (c *Conn) MemoryMap() ([]MemoryRegion, error) {
	c.mu.Lock()
	buf, err := c.conn.qXfer("memory-map", "")
	c.mu.Unlock()
	if err != nil {
		return nil, err
	}
	var mm memoryMap
	if err := xml.Unmarshal(buf, &mm); err != nil {
		return nil, fmt.Errorf("memory map: %w", err)
	}
	regions := make([]MemoryRegion, 0, len(mm.Regions))
	for _, r := range mm.Regions {
		start, err := strconv.ParseUint(r.Start, 0, 64)
		if err != nil {
			return nil, fmt.Errorf("memory map: bad start %q", r.Start)
		}
		length, err := strconv.ParseUint(r.Length, 0, 64)
		if err != nil {
			return nil, fmt.Errorf("memory map: bad length %q", r.Length)
		}
		regions = append(regions, MemoryRegion{Type: r.Type, Start: start, Length: length})
	}
	return regions, nil
}

// ExecFile returns the name of the executable the stub is running, read
// with qXfer:exec-file:read.
func (c *Conn) ExecFile() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	buf, err := c.conn.qXfer("exec-file", "")
	if err != nil {
		return "", err
	}
	return string(buf), nil
}

// Detach sends a detach packet and closes the connection.
func (c *Conn) Detach() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	err := c.conn.detach()
	if errors.Is(err, io.EOF) {
		// The stub may hang up as soon as it sees the detach packet.
		return nil
	}
	return err
}

// Close closes the connection without detaching.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn.conn == nil {
		return nil
	}
	err := c.conn.conn.Close()
	c.conn.conn = nil
	return err
}
