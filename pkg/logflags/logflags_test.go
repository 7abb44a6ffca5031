package logflags

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

func resetFlags() {
	unwind, gdbWire, resolve, dap, debugger = false, false, false, false, false
	logOut = nil
}

func TestSetupLayers(t *testing.T) {
	defer resetFlags()
	if err := Setup(true, "gdbwire,resolve,debugger", ""); err != nil {
		t.Fatalf("Setup: %v", err)
	}
	if !GdbWire() || !Resolve() || !Debugger() {
		t.Fatalf("expected gdbwire, resolve and debugger to be enabled")
	}
	if Unwind() || DAP() {
		t.Fatalf("unexpected layers enabled: unwind=%v dap=%v", Unwind(), DAP())
	}
}

func TestSetupDefaultLayer(t *testing.T) {
	defer resetFlags()
	if err := Setup(true, "", ""); err != nil {
		t.Fatalf("Setup: %v", err)
	}
	if !Unwind() {
		t.Fatalf("expected unwind to be the default layer")
	}
}

func TestSetupErrors(t *testing.T) {
	defer resetFlags()
	if err := Setup(false, "gdbwire", ""); err != errLogstrWithoutLog {
		t.Fatalf("expected errLogstrWithoutLog, got %v", err)
	}
	if err := Setup(true, "nosuchlayer", ""); err == nil {
		t.Fatalf("expected error for unknown layer")
	}
}

func TestMakeLoggerLevel(t *testing.T) {
	defer resetFlags()
	if l := makeLogger(false, logrus.Fields{"layer": "x"}); l.Logger.Level != logrus.ErrorLevel {
		t.Fatalf("expected error level for disabled layer, got %v", l.Logger.Level)
	}
	if l := makeLogger(true, logrus.Fields{"layer": "x"}); l.Logger.Level != logrus.DebugLevel {
		t.Fatalf("expected debug level for enabled layer, got %v", l.Logger.Level)
	}
}

func TestTextFormatter(t *testing.T) {
	var buf bytes.Buffer
	logger := logrus.New()
	logger.Out = &buf
	logger.Formatter = &textFormatter{}
	entry := logger.WithFields(logrus.Fields{"layer": "unwind", "pc": "0x10"})
	entry.Time = time.Date(2020, 1, 2, 3, 4, 5, 0, time.UTC)
	entry.Warn("declined")

	out := buf.String()
	if !strings.Contains(out, "warning unwind declined pc=0x10") {
		t.Fatalf("unexpected log line %q", out)
	}
}
