package debugger

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/csnover/Retro68/pkg/config"
	"github.com/csnover/Retro68/pkg/proc"
	"github.com/csnover/Retro68/pkg/proc/gdbserial"
	protest "github.com/csnover/Retro68/pkg/proc/test"
)

func newTestDebugger(t *testing.T, stub *protest.Stub, cfg *Config) *Debugger {
	t.Helper()
	if cfg == nil {
		cfg = &Config{MaxStackDepth: 50}
	}
	d, err := Attach(stub.Pipe(), cfg)
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	t.Cleanup(func() { d.Detach() })
	return d
}

func TestDebugger_Stacktrace(t *testing.T) {
	stub := protest.NewStub()
	stub.LoadSampleStack()
	d := newTestDebugger(t, stub, nil)

	frames, err := d.Stacktrace(0)
	if err != nil {
		t.Fatalf("Stacktrace: %v", err)
	}
	want := []string{"PrvHandleEvent", "AppEventLoop", "??"}
	if len(frames) != len(want) {
		t.Fatalf("got %d frames, want %d", len(frames), len(want))
	}
	for i := range frames {
		if frames[i].Function != want[i] {
			t.Errorf("frame %d: %q, want %q", i, frames[i].Function, want[i])
		}
	}

	frames, err = d.Stacktrace(1)
	if err != nil || len(frames) != 1 {
		t.Fatalf("Stacktrace(1) = %d frames, %v", len(frames), err)
	}
}

func TestDebugger_FrameCache(t *testing.T) {
	stub := protest.NewStub()
	stub.LoadSampleStack()
	d := newTestDebugger(t, stub, &Config{FrameCacheSize: 8, MaxStackDepth: 50})

	count := func() int {
		n := 0
		for _, p := range stub.Packets() {
			if len(p) > len(proc.FrameQueryPrefix) && p[:len(proc.FrameQueryPrefix)] == proc.FrameQueryPrefix {
				n++
			}
		}
		return n
	}

	d.Stacktrace(0)
	first := count()
	d.Stacktrace(0)
	// only the frame with no data is asked again
	if got := count() - first; got != 1 {
		t.Fatalf("second backtrace sent %d frame queries, want 1", got)
	}
	d.PurgeFunctionCache()
	d.Stacktrace(0)
	if got := count() - first - 1; got != first {
		t.Fatalf("backtrace after purge sent %d frame queries, want %d", got, first)
	}
}

func TestDebugger_ReadWords(t *testing.T) {
	stub := protest.NewStub()
	stub.LoadSampleStack()
	d := newTestDebugger(t, stub, nil)

	words, err := d.ReadWords(protest.SampleFP, 3)
	if err != nil {
		t.Fatalf("ReadWords: %v", err)
	}
	if words[0] != 0x4100 || words[1] != 0x20a4e || words[2] != 0x4010 {
		t.Fatalf("ReadWords = %#x", words)
	}
}

func TestDebugger_Detach(t *testing.T) {
	stub := protest.NewStub()
	stub.LoadSampleStack()
	d := newTestDebugger(t, stub, nil)

	if err := d.Detach(); err != nil {
		t.Fatalf("Detach: %v", err)
	}
	if _, err := d.Stacktrace(0); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("Stacktrace after detach: %v", err)
	}
	if _, err := d.Registers(); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("Registers after detach: %v", err)
	}
	if _, err := d.ReadWords(protest.SampleFP, 1); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("ReadWords after detach: %v", err)
	}
	// without a connection the resolver has nothing to say
	if _, ok, err := d.ResolveFunction(0x20010); ok || err != nil {
		t.Fatalf("ResolveFunction after detach = %v %v", ok, err)
	}
}

func TestDebugger_DetachForgetsCachedFunctions(t *testing.T) {
	stub := protest.NewStub()
	stub.LoadSampleStack()
	d := newTestDebugger(t, stub, &Config{FrameCacheSize: 8, MaxStackDepth: 50})

	if fn, ok, err := d.ResolveFunction(protest.SamplePC); !ok || err != nil || fn.Name != "PrvHandleEvent" {
		t.Fatalf("ResolveFunction = %v %v %v", fn, ok, err)
	}
	if err := d.Detach(); err != nil {
		t.Fatalf("Detach: %v", err)
	}
	if fn, ok, err := d.ResolveFunction(protest.SamplePC); ok || err != nil {
		t.Fatalf("ResolveFunction after detach = %v %v %v, want no data", fn, ok, err)
	}
}

func TestDebugger_StacktraceMissingFramePointer(t *testing.T) {
	stub := protest.NewStub()
	stub.LoadSampleStack()
	stub.SetUnavailable("fp")
	d := newTestDebugger(t, stub, nil)

	frames, err := d.Stacktrace(0)
	if !errors.Is(err, gdbserial.ErrRegisterUnavailable) || len(frames) != 0 {
		t.Fatalf("Stacktrace = %d frames, %v", len(frames), err)
	}
}

func TestDebugger_MissingSymbolFile(t *testing.T) {
	stub := protest.NewStub()
	_, err := Attach(stub.Pipe(), &Config{SymbolFile: filepath.Join(t.TempDir(), "app.elf")})
	if err == nil {
		t.Fatalf("expected an error for a missing symbol file")
	}
}

func TestDebugger_New(t *testing.T) {
	stub := protest.NewStub()
	stub.LoadSampleStack()
	addr := stub.Listen(t)

	d, err := New(&Config{Remote: addr, MaxStackDepth: 10})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer d.Detach()
	if d.Remote() != addr {
		t.Errorf("Remote = %q", d.Remote())
	}
	regs, err := d.Registers()
	if err != nil || regs.PC() != protest.SamplePC {
		t.Fatalf("Registers = %v %v", regs, err)
	}

	if _, err := New(&Config{}); err == nil {
		t.Fatalf("expected an error without an address")
	}
}

func TestConfigFromFile(t *testing.T) {
	depth := 7
	offset := uint64(2)
	c := ConfigFromFile(&config.Config{
		Remote:           "localhost:2000",
		MaxStackDepth:    &depth,
		TrapReturnOffset: &offset,
		FrameCacheSize:   32,
	})
	if c.Remote != "localhost:2000" || c.MaxStackDepth != 7 || c.TrapReturnOffset != 2 || c.FrameCacheSize != 32 {
		t.Fatalf("unexpected config %+v", c)
	}
	if c.DialTimeout != config.DefaultDialTimeout {
		t.Fatalf("DialTimeout = %v", c.DialTimeout)
	}
	if c := ConfigFromFile(nil); c.MaxStackDepth != config.DefaultMaxStackDepth {
		t.Fatalf("defaults not applied: %+v", c)
	}
}
