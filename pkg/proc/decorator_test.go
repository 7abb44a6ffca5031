package proc_test

import (
	"errors"
	"testing"

	"github.com/csnover/Retro68/pkg/proc"
)

func TestNameDecoratorKeepsHostName(t *testing.T) {
	r := &countingResolver{fn: proc.FrameFunction{Start: 1, End: 2, Name: "Remote"}, ok: true}
	d := proc.NewNameDecorator(r)
	if got := d.Function(hostFrame{pc: 0x100, name: "main", ok: true}); got != "main" {
		t.Fatalf("Function = %q, want main", got)
	}
	if len(r.calls) != 0 {
		t.Fatalf("resolver was queried for a named frame: %v", r.calls)
	}
}

func TestNameDecoratorFallsBack(t *testing.T) {
	tests := []struct {
		name     string
		resolver *countingResolver
		want     string
	}{
		{"resolved", &countingResolver{fn: proc.FrameFunction{Start: 0x100, End: 0x200, Name: "EvtGetEvent"}, ok: true}, "EvtGetEvent"},
		{"no data", &countingResolver{}, "??"},
		{"protocol error", &countingResolver{err: errors.New("bad reply")}, "??"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			d := proc.NewNameDecorator(tc.resolver)
			if got := d.Function(hostFrame{pc: 0x180}); got != tc.want {
				t.Fatalf("Function = %q, want %q", got, tc.want)
			}
			if len(tc.resolver.calls) != 1 || tc.resolver.calls[0] != 0x180 {
				t.Fatalf("unexpected resolver calls %v", tc.resolver.calls)
			}
		})
	}
}

func TestNameDecoratorWithoutResolver(t *testing.T) {
	d := proc.NewNameDecorator(nil)
	if got := d.Function(hostFrame{pc: 0x180}); got != proc.UnknownFunction {
		t.Fatalf("Function = %q", got)
	}
}

func TestNameDecoratorEndToEnd(t *testing.T) {
	tr := newFakeTransport()
	tr.setFunction(0x1234, proc.FrameFunction{Start: 0x1200, End: 0x1300, Name: "FrmDispatchEvent"})
	r, _ := proc.NewResolver(tr, 0)
	d := proc.NewNameDecorator(r)

	frames := d.Filter([]proc.Stackframe{
		{PC: 0x1234},
		{PC: 0x5678, Native: "AppMain"},
		{PC: 0x9999},
	})
	want := []string{"FrmDispatchEvent", "AppMain", "??"}
	for i := range frames {
		if frames[i].Function != want[i] {
			t.Errorf("frame %d: %q, want %q", i, frames[i].Function, want[i])
		}
	}
	if len(tr.queries) != 2 {
		t.Errorf("expected two queries, got %v", tr.queries)
	}
}
