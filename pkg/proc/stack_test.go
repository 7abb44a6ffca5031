package proc_test

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/csnover/Retro68/pkg/proc"
)

// newChainMemory lays out three frames linked through their frame
// pointers. The outermost frame has a zero frame pointer.
func newChainMemory() *fakeMemory {
	mem := newTrapMemory()
	mem.setWords(0x4000, 0x4100, 0x20a4e, 0x4010)
	mem.setWords(0x4100, 0, 0x21000, 0x4110)
	return mem
}

func newTestRegistry(t *testing.T, mem proc.TargetMemory, debugInfo proc.DebugInfoLookup, resolver proc.FunctionResolver) *proc.Registry {
	t.Helper()
	reg := proc.NewRegistry()
	u := proc.NewUnwinder(mem, debugInfo, proc.UnwinderConfig{})
	if err := proc.Install(reg, u, proc.NewNameDecorator(resolver)); err != nil {
		t.Fatal(err)
	}
	return reg
}

func TestStacktrace(t *testing.T) {
	tr := newFakeTransport()
	tr.setFunction(0x20000, proc.FrameFunction{Start: 0x1ff00, End: 0x20100, Name: "PrvHandleEvent"})
	tr.setFunction(0x20a4e, proc.FrameFunction{Start: 0x20a00, End: 0x20b00, Name: "AppEventLoop"})
	r, _ := proc.NewResolver(tr, 0)

	reg := newTestRegistry(t, newChainMemory(), nil, r)
	frames, err := proc.Stacktrace(proc.Registers{PCValue: 0x20000, SPValue: 0x3000, FPValue: 0x4000}, reg, nil, 0)
	if err != nil {
		t.Fatalf("Stacktrace: %v", err)
	}
	want := []proc.Stackframe{
		{Index: 0, ID: proc.FrameID{SP: 0x3000, PC: 0x20000}, PC: 0x20000, SP: 0x3000, FP: 0x4000, Function: "PrvHandleEvent", Unwinder: proc.UnwinderName},
		{Index: 1, ID: proc.FrameID{SP: 0x4010, PC: 0x20a4e}, PC: 0x20a4e, SP: 0x4010, FP: 0x4100, Function: "AppEventLoop", Unwinder: proc.UnwinderName},
		{Index: 2, ID: proc.FrameID{SP: 0x4110, PC: 0x21000}, PC: 0x21000, SP: 0x4110, FP: 0, Function: "??"},
	}
	if diff := cmp.Diff(want, frames); diff != "" {
		t.Fatalf("frames mismatch (-want +got):\n%s", diff)
	}
}

func TestStacktraceDepth(t *testing.T) {
	reg := newTestRegistry(t, newChainMemory(), nil, nil)
	regs := proc.Registers{PCValue: 0x20000, SPValue: 0x3000, FPValue: 0x4000}
	for depth, want := range map[int]int{-1: 3, 0: 3, 1: 1, 2: 2, 10: 3} {
		frames, err := proc.Stacktrace(regs, reg, nil, depth)
		if err != nil {
			t.Fatalf("depth %d: %v", depth, err)
		}
		if len(frames) != want {
			t.Errorf("depth %d: got %d frames, want %d", depth, len(frames), want)
		}
	}
}

func TestStacktraceUnreadableMemory(t *testing.T) {
	mem := newTrapMemory()
	mem.setWords(0x4000, 0x9000, 0x20a4e, 0x4010)
	reg := newTestRegistry(t, mem, nil, nil)

	frames, err := proc.Stacktrace(proc.Registers{PCValue: 0x20000, SPValue: 0x3000, FPValue: 0x4000}, reg, nil, 0)
	var uerr *proc.UnwindError
	if !errors.As(err, &uerr) || uerr.Addr != 0x9000 {
		t.Fatalf("expected *UnwindError at 0x9000, got %v", err)
	}
	if len(frames) != 2 {
		t.Fatalf("expected the frames found before the error, got %d", len(frames))
	}
	if frames[1].PC != 0x20a4e || frames[1].Unwinder != "" {
		t.Fatalf("unexpected last frame %+v", frames[1])
	}
}

func TestStacktraceNotAdvancing(t *testing.T) {
	mem := newTrapMemory()
	// The caller's sp equals the callee's.
	mem.setWords(0x4000, 0x4000, 0x20a4e, 0x3000)
	reg := newTestRegistry(t, mem, nil, nil)

	frames, err := proc.Stacktrace(proc.Registers{PCValue: 0x20000, SPValue: 0x3000, FPValue: 0x4000}, reg, nil, 0)
	var serr *proc.StackNotAdvancingError
	if !errors.As(err, &serr) {
		t.Fatalf("expected *StackNotAdvancingError, got %v", err)
	}
	if serr.CallerSP != 0x3000 || serr.Frame != (proc.FrameID{SP: 0x3000, PC: 0x20000}) {
		t.Fatalf("unexpected error %+v", serr)
	}
	if len(frames) != 1 {
		t.Fatalf("expected one frame, got %d", len(frames))
	}
}

func TestStacktraceSyscallFrame(t *testing.T) {
	mem := newTrapMemory()
	mem.setWords(0x4000, 0, 0x1111, 0x4010)
	mem.setWord(0x3000+8, 0x22220)
	reg := newTestRegistry(t, mem, nil, nil)

	frames, err := proc.Stacktrace(proc.Registers{PCValue: trapEntry, SPValue: 0x3000, FPValue: 0x4000}, reg, nil, 0)
	if err != nil {
		t.Fatalf("Stacktrace: %v", err)
	}
	if len(frames) != 2 || frames[1].PC != 0x22222 {
		t.Fatalf("unexpected frames %+v", frames)
	}
}

func TestStacktraceHostDebugInfo(t *testing.T) {
	st := proc.NewSymbolTable([]proc.FrameFunction{
		{Start: 0x21000, End: 0x21100, Name: "PilotMain"},
	})
	tr := newFakeTransport()
	r, _ := proc.NewResolver(tr, 0)
	reg := newTestRegistry(t, newChainMemory(), st, r)

	frames, err := proc.Stacktrace(proc.Registers{PCValue: 0x20000, SPValue: 0x3000, FPValue: 0x4000}, reg, st, 0)
	if err != nil {
		t.Fatalf("Stacktrace: %v", err)
	}
	got := make([]string, len(frames))
	for i := range frames {
		got[i] = frames[i].Function
	}
	if diff := cmp.Diff([]string{"??", "??", "PilotMain"}, got); diff != "" {
		t.Fatalf("names mismatch (-want +got):\n%s", diff)
	}
	for _, q := range tr.queries {
		if q == proc.FrameQuery(0x21000) {
			t.Fatalf("queried the remote for a frame with host debug info")
		}
	}
}

func TestStacktraceDeclinedFrameEndsWalk(t *testing.T) {
	st := proc.NewSymbolTable([]proc.FrameFunction{
		{Start: 0x20a00, End: 0x20b00, Name: "AppEventLoop"},
	})
	reg := newTestRegistry(t, newChainMemory(), st, nil)
	frames, err := proc.Stacktrace(proc.Registers{PCValue: 0x20000, SPValue: 0x3000, FPValue: 0x4000}, reg, st, 0)
	if err != nil {
		t.Fatalf("Stacktrace: %v", err)
	}
	if len(frames) != 2 || frames[1].Function != "AppEventLoop" || frames[1].Unwinder != "" {
		t.Fatalf("unexpected frames %+v", frames)
	}
}
