package terminal

import (
	"io"
	"os"
	"strings"

	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
)

// isDumb returns true if escape sequences should not be written to out.
func isDumb(out *os.File) bool {
	if strings.ToLower(os.Getenv("TERM")) == "dumb" {
		return true
	}
	return !isatty.IsTerminal(out.Fd())
}

// getColorableWriter returns a writer for stdout that translates escape
// sequences on consoles that do not understand them.
func getColorableWriter() io.Writer {
	return colorable.NewColorableStdout()
}
