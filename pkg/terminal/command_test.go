package terminal

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/csnover/Retro68/pkg/proc"
	protest "github.com/csnover/Retro68/pkg/proc/test"
	"github.com/csnover/Retro68/service/debugger"
)

type FakeTerminal struct {
	*Term
	t   testing.TB
	out bytes.Buffer
}

func (ft *FakeTerminal) Exec(cmdstr string) (string, error) {
	ft.out.Reset()
	err := ft.cmds.Call(cmdstr, ft.Term)
	return ft.out.String(), err
}

func (ft *FakeTerminal) MustExec(cmdstr string) string {
	ft.t.Helper()
	out, err := ft.Exec(cmdstr)
	if err != nil {
		ft.t.Fatalf("Error executing <%s>: %v", cmdstr, err)
	}
	return out
}

func withTestTerminal(t *testing.T, stub *protest.Stub, fn func(*FakeTerminal)) {
	t.Helper()
	d, err := debugger.Attach(stub.Pipe(), &debugger.Config{Remote: "pipe", MaxStackDepth: 50})
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	defer d.Detach()
	ft := &FakeTerminal{t: t}
	ft.Term = &Term{debugger: d, cmds: DebugCommands(d), dumb: true}
	ft.Term.stdout = &ft.out
	fn(ft)
}

func sampleStub() *protest.Stub {
	stub := protest.NewStub()
	stub.LoadSampleStack()
	return stub
}

func TestStackCommand(t *testing.T) {
	withTestTerminal(t, sampleStub(), func(term *FakeTerminal) {
		out := term.MustExec("bt")
		want := "0  0x00020010 in PrvHandleEvent\n" +
			"1  0x00020a4e in AppEventLoop\n" +
			"2  0x00021000 in ??\n"
		if diff := cmp.Diff(want, out); diff != "" {
			t.Fatalf("bt output mismatch (-want +got):\n%s", diff)
		}

		out = term.MustExec("stack 1 -offsets")
		want = "0  0x00020010 in PrvHandleEvent\n" +
			"   sp 0x3000 fp 0x4000 (caller from " + proc.UnwinderName + ")\n"
		if diff := cmp.Diff(want, out); diff != "" {
			t.Fatalf("stack -offsets output mismatch (-want +got):\n%s", diff)
		}

		if _, err := term.Exec("stack -3"); err == nil {
			t.Fatalf("negative depth accepted")
		}
	})
}

func TestStackCommandUnreadable(t *testing.T) {
	stub := sampleStub()
	stub.SetWords(0x4100, 0x9000, 0x21000, 0x4110)
	withTestTerminal(t, stub, func(term *FakeTerminal) {
		out, err := term.Exec("bt")
		var uerr *proc.UnwindError
		if !errors.As(err, &uerr) {
			t.Fatalf("expected an unwind error, got %v", err)
		}
		if strings.Count(out, "\n") != 3 {
			t.Fatalf("expected the frames found before the error, got %q", out)
		}
	})
}

func TestFrameCommand(t *testing.T) {
	withTestTerminal(t, sampleStub(), func(term *FakeTerminal) {
		if out := term.MustExec("frame 0x20a10"); out != "0x00020a00-0x00020b00 AppEventLoop\n" {
			t.Fatalf("frame output %q", out)
		}
		if out := term.MustExec("frame 0x50000"); out != "No function found at 0x50000\n" {
			t.Fatalf("frame output %q", out)
		}
		if _, err := term.Exec("frame nope"); err == nil {
			t.Fatalf("bad address accepted")
		}
	})
}

func TestRegsCommand(t *testing.T) {
	withTestTerminal(t, sampleStub(), func(term *FakeTerminal) {
		out := term.MustExec("regs")
		if !strings.Contains(out, "pc   0x00020010\n") || !strings.Contains(out, "fp   0x00004000\n") {
			t.Fatalf("regs output %q", out)
		}
	})
}

func TestExamineMemoryCommand(t *testing.T) {
	stub := sampleStub()
	stub.SetWords(0x400c, 1, 2)
	withTestTerminal(t, stub, func(term *FakeTerminal) {
		out := term.MustExec("x -count 5 0x4000")
		want := "0x00004000: 00004100 00020a4e 00004010 00000001\n" +
			"0x00004010: 00000002\n"
		if diff := cmp.Diff(want, out); diff != "" {
			t.Fatalf("examinemem output mismatch (-want +got):\n%s", diff)
		}
		for _, bad := range []string{"x", "x -count", "x -count 0 0x4000", "x -count 1000 0x4000", "x -foo 0x4000"} {
			if _, err := term.Exec(bad); err == nil {
				t.Errorf("%q accepted", bad)
			}
		}
	})
}

func TestUnwindersCommand(t *testing.T) {
	withTestTerminal(t, sampleStub(), func(term *FakeTerminal) {
		out := term.MustExec("unwinders")
		if !strings.Contains(out, proc.UnwinderName) || !strings.Contains(out, proc.FilterName) {
			t.Fatalf("unwinders output %q", out)
		}

		term.MustExec("unwinders disable " + proc.UnwinderName)
		if out := term.MustExec("unwinders"); !strings.Contains(out, "disabled") {
			t.Fatalf("unwinder not shown as disabled: %q", out)
		}
		if out := term.MustExec("bt"); out != "0  0x00020010 in PrvHandleEvent\n" {
			t.Fatalf("bt with the unwinder disabled: %q", out)
		}

		term.MustExec("unwinders disable " + proc.FilterName)
		if out := term.MustExec("bt"); out != "0  0x00020010 in ??\n" {
			t.Fatalf("bt with the filter disabled: %q", out)
		}

		term.MustExec("unwinders enable " + proc.UnwinderName)
		if _, err := term.Exec("unwinders disable Missing"); err == nil {
			t.Fatalf("disabled an unknown unwinder")
		}
		if _, err := term.Exec("unwinders toggle " + proc.UnwinderName); err == nil {
			t.Fatalf("unknown action accepted")
		}
	})
}

func TestTargetCommand(t *testing.T) {
	stub := sampleStub()
	stub.ExecFile = "Memo Pad"
	stub.MemoryMap = `<memory-map><memory type="ram" start="0" length="0x100000"/></memory-map>`
	withTestTerminal(t, stub, func(term *FakeTerminal) {
		out := term.MustExec("target")
		want := "Remote: pipe\nApplication: Memo Pad\nSymbols: 0 functions\n"
		if diff := cmp.Diff(want, out); diff != "" {
			t.Fatalf("target output mismatch (-want +got):\n%s", diff)
		}
		out = term.MustExec("memmap")
		if !strings.Contains(out, "0x00000000 0x00100000 ram") {
			t.Fatalf("memmap output %q", out)
		}
	})
}

func TestExitAndUnknownCommands(t *testing.T) {
	withTestTerminal(t, sampleStub(), func(term *FakeTerminal) {
		if _, err := term.Exec("quit"); err == nil {
			t.Fatalf("quit did not request an exit")
		} else if _, ok := err.(ExitRequestError); !ok {
			t.Fatalf("quit returned %v", err)
		}
		if _, err := term.Exec("frobnicate"); err != noCmdError {
			t.Fatalf("unknown command returned %v", err)
		}
		if out := term.MustExec("   "); out != "" {
			t.Fatalf("empty command printed %q", out)
		}
		if _, err := term.Exec("frame `ls`"); err == nil {
			t.Fatalf("backticks accepted")
		}
	})
}

func TestHelp(t *testing.T) {
	withTestTerminal(t, sampleStub(), func(term *FakeTerminal) {
		out := term.MustExec("help")
		for _, name := range []string{"stack (alias: bt)", "examinemem (alias: x)", "unwinders", "exit (alias: quit | q)"} {
			if !strings.Contains(out, name) {
				t.Errorf("help does not mention %q", name)
			}
		}
		if out := term.MustExec("help bt"); !strings.HasPrefix(out, "Print the call stack") {
			t.Errorf("help bt = %q", out)
		}
		if _, err := term.Exec("help nothing"); err == nil {
			t.Errorf("help for an unknown command succeeded")
		}
	})
}

func TestMergeAndComplete(t *testing.T) {
	cmds := DebugCommands(nil)
	cmds.Merge(map[string][]string{"stack": {"where"}})
	for _, cmd := range cmds.cmds {
		if cmd.match("where") && cmd.aliases[0] != "stack" {
			t.Fatalf("alias merged into %q", cmd.aliases[0])
		}
	}
	if diff := cmp.Diff([]string{"source", "stack"}, cmds.complete("s")); diff != "" {
		t.Fatalf("completion mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"where"}, cmds.complete("wh")); diff != "" {
		t.Fatalf("completion mismatch (-want +got):\n%s", diff)
	}
	// merging again starts over from the builtin aliases
	cmds.Merge(map[string][]string{})
	if got := cmds.complete("wh"); len(got) != 0 {
		t.Fatalf("stale alias still completed: %q", got)
	}
}

func TestSourceCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "init")
	script := "# comment\n\nframe 0x20010\nbogus\nframe 0x20a00\n"
	if err := os.WriteFile(path, []byte(script), 0600); err != nil {
		t.Fatal(err)
	}
	withTestTerminal(t, sampleStub(), func(term *FakeTerminal) {
		out := term.MustExec("source " + path)
		want := "0x00020000-0x00020100 PrvHandleEvent\n" +
			path + ":4: command not available\n" +
			"0x00020a00-0x00020b00 AppEventLoop\n"
		if diff := cmp.Diff(want, out); diff != "" {
			t.Fatalf("source output mismatch (-want +got):\n%s", diff)
		}
	})
}

func TestDigits(t *testing.T) {
	for n, want := range map[int]int{0: 1, 9: 1, 10: 2, 99: 2, 100: 3} {
		if got := digits(n); got != want {
			t.Errorf("digits(%d) = %d, want %d", n, got, want)
		}
	}
}
