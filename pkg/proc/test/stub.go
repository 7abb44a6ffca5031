// Package test contains an in-process debugger stub that emulates the
// remote protocol of the Palm OS Emulator, for use in tests.
package test

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/csnover/Retro68/pkg/proc"
)

// TargetXML is the register description sent by the emulator.
const TargetXML = `<?xml version="1.0"?>` +
	`<!DOCTYPE target SYSTEM "gdb-target.dtd">` +
	`<target version="1.0">` +
	`<architecture>m68k:68000</architecture>` +
	`<osabi>none</osabi>` +
	`<feature name="org.gnu.gdb.m68k.core">` +
	`<reg name="d0" bitsize="32"/><reg name="d1" bitsize="32"/>` +
	`<reg name="d2" bitsize="32"/><reg name="d3" bitsize="32"/>` +
	`<reg name="d4" bitsize="32"/><reg name="d5" bitsize="32"/>` +
	`<reg name="d6" bitsize="32"/><reg name="d7" bitsize="32"/>` +
	`<reg name="a0" bitsize="32" type="data_ptr"/><reg name="a1" bitsize="32" type="data_ptr"/>` +
	`<reg name="a2" bitsize="32" type="data_ptr"/><reg name="a3" bitsize="32" type="data_ptr"/>` +
	`<reg name="a4" bitsize="32" type="data_ptr"/><reg name="a5" bitsize="32" type="data_ptr"/>` +
	`<reg name="fp" bitsize="32" type="data_ptr"/><reg name="sp" bitsize="32" type="data_ptr"/>` +
	`<reg name="ps" bitsize="32"/><reg name="pc" bitsize="32" type="code_ptr"/>` +
	`</feature>` +
	`</target>`

// RegisterNames is the order in which the emulator sends registers.
var RegisterNames = []string{
	"d0", "d1", "d2", "d3", "d4", "d5", "d6", "d7",
	"a0", "a1", "a2", "a3", "a4", "a5", "fp", "sp",
	"ps", "pc",
}

// Stub is a fake debugger stub. Its exported fields must be set before
// it starts serving.
type Stub struct {
	// NoAckMode makes the stub accept QStartNoAckMode.
	NoAckMode bool
	// TargetXML is served through qXfer:features:read, if not empty.
	TargetXML string
	// MemoryMap is served through qXfer:memory-map:read, if not empty.
	MemoryMap string
	// ExecFile is served through qXfer:exec-file:read, if not empty.
	ExecFile string
	// PacketSize is announced in the qSupported reply.
	PacketSize int
	// FrameQuery makes the stub answer qposer.Frame queries.
	FrameQuery bool
	// BadChecksums is the number of replies sent with a wrong checksum
	// while acks are enabled.
	BadChecksums int

	mu           sync.Mutex
	regs         map[string]uint32
	unavailable  map[string]bool
	mem          map[uint64]byte
	funcs        []proc.FrameFunction
	raw          map[uint64]string
	packets      []string
	noack        bool
	pendingNoAck bool
}

// NewStub returns a stub that behaves like the emulator.
func NewStub() *Stub {
	return &Stub{
		NoAckMode:   true,
		TargetXML:   TargetXML,
		PacketSize:  0x200,
		FrameQuery:  true,
		regs:        make(map[string]uint32),
		unavailable: make(map[string]bool),
		mem:         make(map[uint64]byte),
		raw:         make(map[uint64]string),
	}
}

// SetRegister sets the value of a register.
func (s *Stub) SetRegister(name string, v uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.regs[name] = v
}

// SetUnavailable makes the stub report register name as unavailable
// (all 'x') in its 'g' reply.
func (s *Stub) SetUnavailable(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unavailable[name] = true
}

// SetWords stores big-endian words in memory starting at addr.
func (s *Stub) SetWords(addr uint64, vs ...uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, v := range vs {
		var buf [4]byte
		binary.BigEndian.PutUint32(buf[:], v)
		for j := range buf {
			s.mem[addr+uint64(4*i+j)] = buf[j]
		}
	}
}

// AddFunction makes frame queries for pcs inside fn return fn.
func (s *Stub) AddFunction(fn proc.FrameFunction) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.funcs = append(s.funcs, fn)
}

// SetFrameReply makes the frame query for pc return reply verbatim.
func (s *Stub) SetFrameReply(pc uint64, reply string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.raw[pc] = reply
}

// Packets returns the packets received so far, without framing.
func (s *Stub) Packets() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.packets...)
}

// Pipe serves one connection over an in-memory pipe and returns the
// client side.
func (s *Stub) Pipe() net.Conn {
	client, server := net.Pipe()
	go s.Serve(server)
	return client
}

// Listen serves connections on a local TCP port until the test ends and
// returns the address.
func (s *Stub) Listen(t testing.TB) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("could not listen: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			go s.Serve(conn)
		}
	}()
	return l.Addr().String()
}

// Serve speaks the remote protocol over conn until the client hangs up
// or detaches.
func (s *Stub) Serve(conn net.Conn) error {
	defer conn.Close()
	s.mu.Lock()
	s.noack = false
	s.mu.Unlock()

	rdr := bufio.NewReader(conn)
	for {
		b, err := rdr.ReadByte()
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
		if b != '$' {
			// acks and interrupts
			continue
		}
		body, err := rdr.ReadBytes('#')
		if err != nil {
			return err
		}
		var csum [2]byte
		if _, err := io.ReadFull(rdr, csum[:]); err != nil {
			return err
		}
		pkt := string(body[:len(body)-1])

		s.mu.Lock()
		s.packets = append(s.packets, pkt)
		ack := !s.noack
		s.mu.Unlock()

		if ack {
			if _, err := conn.Write([]byte{'+'}); err != nil {
				return err
			}
		}

		reply, hangup := s.handle(pkt)
		if err := s.reply(conn, rdr, reply); err != nil {
			return err
		}
		if hangup {
			return nil
		}
	}
}

func (s *Stub) reply(conn net.Conn, rdr *bufio.Reader, reply string) error {
	var buf bytes.Buffer
	buf.WriteByte('$')
	for i := 0; i < len(reply); i++ {
		switch ch := reply[i]; ch {
		case '#', '$', '}', '*':
			buf.WriteByte('}')
			buf.WriteByte(ch ^ 0x20)
		default:
			buf.WriteByte(ch)
		}
	}
	var sum uint8
	for _, ch := range buf.Bytes()[1:] {
		sum += ch
	}
	packet := buf.Bytes()

	for {
		s.mu.Lock()
		ack := !s.noack
		bad := ack && s.BadChecksums > 0
		if bad {
			s.BadChecksums--
		}
		s.mu.Unlock()

		cs := sum
		if bad {
			cs++
		}
		if _, err := fmt.Fprintf(conn, "%s#%02x", packet, cs); err != nil {
			return err
		}
		if !ack {
			return nil
		}
		b, err := rdr.ReadByte()
		if err != nil {
			return err
		}
		if b == '+' {
			break
		}
	}

	s.mu.Lock()
	if s.pendingNoAck {
		s.noack = true
		s.pendingNoAck = false
	}
	s.mu.Unlock()
	return nil
}

func (s *Stub) handle(pkt string) (reply string, hangup bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case pkt == "QStartNoAckMode":
		if !s.NoAckMode {
			return "", false
		}
		s.pendingNoAck = true
		return "OK", false
	case strings.HasPrefix(pkt, "qSupported"):
		features := []string{fmt.Sprintf("PacketSize=%x", s.PacketSize), "multiprocess-"}
		if s.TargetXML != "" {
			features = append(features, "qXfer:features:read+")
		}
		if s.MemoryMap != "" {
			features = append(features, "qXfer:memory-map:read+")
		}
		if s.ExecFile != "" {
			features = append(features, "qXfer:exec-file:read+")
		}
		return strings.Join(features, ";"), false
	case strings.HasPrefix(pkt, "qXfer:features:read:target.xml:"):
		return xfer(s.TargetXML, strings.TrimPrefix(pkt, "qXfer:features:read:target.xml:")), false
	case strings.HasPrefix(pkt, "qXfer:memory-map:read::"):
		return xfer(s.MemoryMap, strings.TrimPrefix(pkt, "qXfer:memory-map:read::")), false
	case strings.HasPrefix(pkt, "qXfer:exec-file:read::"):
		return xfer(s.ExecFile, strings.TrimPrefix(pkt, "qXfer:exec-file:read::")), false
	case strings.HasPrefix(pkt, proc.FrameQueryPrefix):
		if !s.FrameQuery {
			return "", false
		}
		pc, err := strconv.ParseUint(strings.TrimPrefix(pkt, proc.FrameQueryPrefix), 16, 32)
		if err != nil {
			return "E.bad message", false
		}
		return s.frame(pc), false
	case pkt == "g":
		var sb strings.Builder
		for _, name := range RegisterNames {
			if s.unavailable[name] {
				sb.WriteString("xxxxxxxx")
				continue
			}
			fmt.Fprintf(&sb, "%08x", s.regs[name])
		}
		return sb.String(), false
	case strings.HasPrefix(pkt, "m"):
		return s.readMemory(pkt[1:]), false
	case pkt == "D":
		return "OK", true
	}
	return "", false
}

func (s *Stub) frame(pc uint64) string {
	if reply, ok := s.raw[pc]; ok {
		return reply
	}
	var fn proc.FrameFunction
	for _, f := range s.funcs {
		if f.Contains(pc &^ 1) {
			fn = f
			break
		}
	}
	reply, err := proc.EncodeFrameFunction(fn)
	if err != nil {
		return "E.bad function"
	}
	return string(reply)
}

func (s *Stub) readMemory(args string) string {
	comma := strings.Index(args, ",")
	if comma < 0 {
		return "E01"
	}
	addr, err1 := strconv.ParseUint(args[:comma], 16, 64)
	n, err2 := strconv.ParseUint(args[comma+1:], 16, 64)
	if err1 != nil || err2 != nil {
		return "E01"
	}
	var sb strings.Builder
	for i := uint64(0); i < n; i++ {
		b, ok := s.mem[addr+i]
		if !ok {
			return "E03"
		}
		fmt.Fprintf(&sb, "%02x", b)
	}
	return sb.String()
}

// xfer answers a qXfer read of data for the offset,length in args.
func xfer(data, args string) string {
	if data == "" {
		return ""
	}
	comma := strings.Index(args, ",")
	if comma < 0 {
		return "E00"
	}
	off, err1 := strconv.ParseUint(args[:comma], 16, 64)
	n, err2 := strconv.ParseUint(args[comma+1:], 16, 64)
	if err1 != nil || err2 != nil {
		return "E00"
	}
	if off >= uint64(len(data)) {
		return "l"
	}
	end := off + n
	if end >= uint64(len(data)) {
		return "l" + data[off:]
	}
	return "m" + data[off:end]
}

// Sample stack laid out by LoadSampleStack.
const (
	SampleTrapEntry = 0x10c00
	SamplePC        = 0x20010
	SampleSP        = 0x3000
	SampleFP        = 0x4000
)

// LoadSampleStack stops the target in a three frame stack. The two inner
// frames are in functions known to the stub, the outermost one is not.
func (s *Stub) LoadSampleStack() {
	s.SetWords(proc.SyscallAddr, SampleTrapEntry)
	s.SetWords(SampleFP, 0x4100, 0x20a4e, 0x4010)
	s.SetWords(0x4100, 0, 0x21000, 0x4110)
	s.SetRegister("pc", SamplePC)
	s.SetRegister("sp", SampleSP)
	s.SetRegister("fp", SampleFP)
	s.AddFunction(proc.FrameFunction{Start: 0x20000, End: 0x20100, Name: "PrvHandleEvent"})
	s.AddFunction(proc.FrameFunction{Start: 0x20a00, End: 0x20b00, Name: "AppEventLoop"})
}
