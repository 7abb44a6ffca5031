package proc_test

import (
	"encoding/binary"
	"fmt"

	"github.com/csnover/Retro68/pkg/proc"
)

// fakeMemory is a sparse big-endian target memory.
type fakeMemory struct {
	bytes map[uint64]byte
	reads int
}

func newFakeMemory() *fakeMemory {
	return &fakeMemory{bytes: make(map[uint64]byte)}
}

func (m *fakeMemory) setWord(addr uint64, v uint32) {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], v)
	for i := range buf {
		m.bytes[addr+uint64(i)] = buf[i]
	}
}

func (m *fakeMemory) setWords(addr uint64, vs ...uint32) {
	for i, v := range vs {
		m.setWord(addr+uint64(4*i), v)
	}
}

func (m *fakeMemory) ReadMemory(buf []byte, addr uint64) error {
	m.reads++
	for i := range buf {
		b, ok := m.bytes[addr+uint64(i)]
		if !ok {
			return fmt.Errorf("address %#x not mapped", addr+uint64(i))
		}
		buf[i] = b
	}
	return nil
}

// fakeTransport answers frame queries from a table.
type fakeTransport struct {
	remote  bool
	replies map[string][]byte
	errs    map[string]error
	queries []string
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{remote: true, replies: make(map[string][]byte), errs: make(map[string]error)}
}

func (t *fakeTransport) IsRemote() bool { return t.remote }

func (t *fakeTransport) Query(cmd string) ([]byte, error) {
	t.queries = append(t.queries, cmd)
	if err, ok := t.errs[cmd]; ok {
		return nil, err
	}
	reply, ok := t.replies[cmd]
	if !ok {
		return nil, proc.ErrNoResponse
	}
	return reply, nil
}

func (t *fakeTransport) Transport() proc.RemoteTransport { return t }

// setFunction makes the transport answer queries for pc with fn.
func (t *fakeTransport) setFunction(pc uint64, fn proc.FrameFunction) {
	reply, err := proc.EncodeFrameFunction(fn)
	if err != nil {
		panic(err)
	}
	t.replies[proc.FrameQuery(pc)] = reply
}

// debugInfoAt reports debug information for a fixed set of pcs.
type debugInfoAt map[uint64]bool

func (d debugInfoAt) BlockForPC(pc uint64) bool { return d[pc] }

// countingResolver records calls and answers with a fixed result.
type countingResolver struct {
	fn    proc.FrameFunction
	ok    bool
	err   error
	calls []uint64
}

func (r *countingResolver) Resolve(pc uint64) (proc.FrameFunction, bool, error) {
	r.calls = append(r.calls, pc)
	return r.fn, r.ok, r.err
}

// hostFrame is a HostFrame with an optional native name.
type hostFrame struct {
	pc   uint64
	name string
	ok   bool
}

func (f hostFrame) PC() uint64           { return f.pc }
func (f hostFrame) Name() (string, bool) { return f.name, f.ok }
