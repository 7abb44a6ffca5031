package proc_test

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/csnover/Retro68/pkg/proc"
)

type unwinderFunc func(regs proc.FrameRegisters) (*proc.UnwindInfo, error)

func (f unwinderFunc) Unwind(regs proc.FrameRegisters) (*proc.UnwindInfo, error) { return f(regs) }

type filterFunc func(frames []proc.Stackframe) []proc.Stackframe

func (f filterFunc) Filter(frames []proc.Stackframe) []proc.Stackframe { return f(frames) }

func declining(calls *[]string, name string) proc.FrameUnwinder {
	return unwinderFunc(func(proc.FrameRegisters) (*proc.UnwindInfo, error) {
		*calls = append(*calls, name)
		return nil, nil
	})
}

func handling(calls *[]string, name string) proc.FrameUnwinder {
	return unwinderFunc(func(regs proc.FrameRegisters) (*proc.UnwindInfo, error) {
		*calls = append(*calls, name)
		return &proc.UnwindInfo{ID: proc.FrameID{SP: regs.SP(), PC: regs.PC()}, Saved: map[string]uint64{"pc": 1}}, nil
	})
}

func TestRegistryOrder(t *testing.T) {
	var calls []string
	reg := proc.NewRegistry()
	reg.RegisterUnwinder("low", declining(&calls, "low"), 0, false)
	reg.RegisterUnwinder("high", declining(&calls, "high"), 100, false)
	reg.RegisterUnwinder("low2", declining(&calls, "low2"), 0, false)

	want := []string{"high", "low2", "low"}
	if diff := cmp.Diff(want, reg.Unwinders()); diff != "" {
		t.Fatalf("unwinder order mismatch (-want +got):\n%s", diff)
	}
	ui, by, err := reg.Unwind(proc.Registers{})
	if ui != nil || by != "" || err != nil {
		t.Fatalf("expected nobody to handle the frame, got %v %q %v", ui, by, err)
	}
	if diff := cmp.Diff(want, calls); diff != "" {
		t.Fatalf("call order mismatch (-want +got):\n%s", diff)
	}
}

func TestRegistryFirstHandlerWins(t *testing.T) {
	var calls []string
	reg := proc.NewRegistry()
	reg.RegisterUnwinder("fallback", handling(&calls, "fallback"), 0, false)
	reg.RegisterUnwinder("first", handling(&calls, "first"), 10, false)
	ui, by, err := reg.Unwind(proc.Registers{PCValue: 4})
	if err != nil || ui == nil || by != "first" {
		t.Fatalf("Unwind = %v %q %v", ui, by, err)
	}
	if len(calls) != 1 {
		t.Fatalf("unwinders after the first handler ran: %v", calls)
	}
}

func TestRegistryErrorStops(t *testing.T) {
	var calls []string
	boom := errors.New("boom")
	reg := proc.NewRegistry()
	reg.RegisterUnwinder("fallback", handling(&calls, "fallback"), 0, false)
	reg.RegisterUnwinder("broken", unwinderFunc(func(proc.FrameRegisters) (*proc.UnwindInfo, error) {
		return nil, boom
	}), 10, false)
	_, by, err := reg.Unwind(proc.Registers{})
	if err != boom || by != "broken" {
		t.Fatalf("Unwind error = %v from %q", err, by)
	}
	if len(calls) != 0 {
		t.Fatalf("fallback ran after an error: %v", calls)
	}
}

func TestRegistryDuplicates(t *testing.T) {
	var calls []string
	reg := proc.NewRegistry()
	if err := reg.RegisterUnwinder("u", declining(&calls, "a"), 0, false); err != nil {
		t.Fatal(err)
	}
	if err := reg.RegisterUnwinder("u", declining(&calls, "b"), 0, false); !errors.Is(err, proc.ErrDuplicateName) {
		t.Fatalf("expected ErrDuplicateName, got %v", err)
	}
	if err := reg.RegisterUnwinder("u", declining(&calls, "c"), 0, true); err != nil {
		t.Fatalf("replace failed: %v", err)
	}
	reg.Unwind(proc.Registers{})
	if diff := cmp.Diff([]string{"c"}, calls); diff != "" {
		t.Fatalf("replaced unwinder still registered (-want +got):\n%s", diff)
	}
}

func TestRegistrySetEnabled(t *testing.T) {
	var calls []string
	reg := proc.NewRegistry()
	reg.RegisterUnwinder("a", declining(&calls, "a"), 0, false)
	reg.RegisterFilter("f", filterFunc(func(frames []proc.Stackframe) []proc.Stackframe {
		calls = append(calls, "f")
		return frames
	}), 0, false)

	if !reg.SetEnabled("a", false) || !reg.SetEnabled("f", false) {
		t.Fatalf("SetEnabled did not find registered names")
	}
	if reg.SetEnabled("missing", false) {
		t.Fatalf("SetEnabled found an unregistered name")
	}
	if enabled, ok := reg.Enabled("a"); enabled || !ok {
		t.Fatalf("Enabled(a) = %v %v", enabled, ok)
	}
	if _, ok := reg.Enabled("missing"); ok {
		t.Fatalf("Enabled found an unregistered name")
	}
	reg.Unwind(proc.Registers{})
	reg.Filter(nil)
	if len(calls) != 0 {
		t.Fatalf("disabled entries ran: %v", calls)
	}
}

func TestRegistryFilterOrder(t *testing.T) {
	reg := proc.NewRegistry()
	appendName := func(name string) proc.FrameFilter {
		return filterFunc(func(frames []proc.Stackframe) []proc.Stackframe {
			for i := range frames {
				frames[i].Function += name
			}
			return frames
		})
	}
	reg.RegisterFilter("b", appendName("b"), 1, false)
	reg.RegisterFilter("a", appendName("a"), 100, false)
	frames := reg.Filter([]proc.Stackframe{{}})
	if frames[0].Function != "ab" {
		t.Fatalf("filters applied in the wrong order: %q", frames[0].Function)
	}
}

func TestInstall(t *testing.T) {
	reg := proc.NewRegistry()
	var calls []string
	reg.RegisterUnwinder("other", declining(&calls, "other"), 0, false)
	u := proc.NewUnwinder(newTrapMemory(), nil, proc.UnwinderConfig{})
	d := proc.NewNameDecorator(nil)
	for i := 0; i < 2; i++ {
		if err := proc.Install(reg, u, d); err != nil {
			t.Fatalf("Install #%d: %v", i, err)
		}
	}
	if diff := cmp.Diff([]string{proc.UnwinderName, "other"}, reg.Unwinders()); diff != "" {
		t.Fatalf("unexpected unwinders (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{proc.FilterName}, reg.Filters()); diff != "" {
		t.Fatalf("unexpected filters (-want +got):\n%s", diff)
	}
}

func TestInstallNamesFrames(t *testing.T) {
	tr := newFakeTransport()
	tr.setFunction(0x20010, proc.FrameFunction{Start: 0x20000, End: 0x20100, Name: "PrvHandleEvent"})
	r, err := proc.NewResolver(tr, 0)
	if err != nil {
		t.Fatal(err)
	}
	reg := proc.NewRegistry()
	u := proc.NewUnwinder(newTrapMemory(), nil, proc.UnwinderConfig{})
	if err := proc.Install(reg, u, proc.NewNameDecorator(r)); err != nil {
		t.Fatal(err)
	}

	frames := reg.Filter([]proc.Stackframe{
		{PC: 0x20010},
		{PC: 0x30000, Native: "PilotMain"},
		{PC: 0x40000},
	})
	var got []string
	for _, f := range frames {
		got = append(got, f.Function)
	}
	if diff := cmp.Diff([]string{"PrvHandleEvent", "PilotMain", proc.UnknownFunction}, got); diff != "" {
		t.Fatalf("frame names mismatch (-want +got):\n%s", diff)
	}
}
