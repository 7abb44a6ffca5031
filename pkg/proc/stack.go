package proc

import "fmt"

// Stackframe represents a frame in a system stack.
type Stackframe struct {
	Index int
	// ID is the (sp, pc) pair of this frame.
	ID         FrameID
	PC, SP, FP uint64
	// Native is the function name found in the host's debug information.
	Native string
	// Function is the name to display, set by the frame filters.
	Function string
	// Unwinder is the name of the unwinder that computed the caller of
	// this frame, empty for the outermost frame.
	Unwinder string
}

// Name returns the function name from the host's debug information.
func (f *Stackframe) Name() (string, bool) {
	return f.Native, f.Native != ""
}

// NameLookup returns the name of the function containing pc from debug
// information.
type NameLookup interface {
	FunctionName(pc uint64) (string, bool)
}

// StackNotAdvancingError is returned when an unwinder produces a caller
// whose stack pointer is not above the callee's, which would otherwise
// make the walk loop forever.
type StackNotAdvancingError struct {
	Frame    FrameID
	CallerSP uint64
}

func (err *StackNotAdvancingError) Error() string {
	return fmt.Sprintf("caller of frame %v has sp %#x, stack is not advancing", err.Frame, err.CallerSP)
}

// stackIterator holds information
// required to iterate and walk the program
// stack.
type stackIterator struct {
	regs  FrameRegisters
	reg   *Registry
	names NameLookup

	frame Stackframe
	index int
	atend bool
	err   error
}

func newStackIterator(regs FrameRegisters, reg *Registry, names NameLookup) *stackIterator {
	return &stackIterator{regs: regs, reg: reg, names: names}
}

// Next points the iterator to the next stack frame.
func (it *stackIterator) Next() bool {
	if it.err != nil || it.atend {
		return false
	}

	pc, sp, fp := it.regs.PC(), it.regs.SP(), it.regs.FP()
	it.frame = Stackframe{Index: it.index, ID: FrameID{SP: sp, PC: pc}, PC: pc, SP: sp, FP: fp}
	if it.names != nil {
		if name, ok := it.names.FunctionName(pc); ok {
			it.frame.Native = name
			it.frame.Function = name
		}
	}
	it.index++

	// A zero frame pointer ends the chain of saved frames.
	if fp == 0 {
		it.atend = true
		return true
	}

	ui, by, err := it.reg.Unwind(it.regs)
	switch {
	case err != nil:
		it.err = err
		it.atend = true
	case ui == nil || ui.PC() == 0:
		it.atend = true
	case ui.SP() <= sp:
		it.err = &StackNotAdvancingError{Frame: it.frame.ID, CallerSP: ui.SP()}
		it.atend = true
	default:
		it.frame.Unwinder = by
		it.regs = ui
	}
	return true
}

// Frame returns the frame the iterator is pointing at.
func (it *stackIterator) Frame() Stackframe {
	return it.frame
}

// Err returns the error encountered during stack iteration.
func (it *stackIterator) Err() error {
	return it.err
}

// Stacktrace walks the stack starting at regs, using the unwinders in reg,
// and returns at most depth frames (no limit if depth is not positive)
// after running them through the filters in reg. If unwinding fails the
// frames found so far are returned along with the error.
func Stacktrace(regs FrameRegisters, reg *Registry, names NameLookup, depth int) ([]Stackframe, error) {
	it := newStackIterator(regs, reg, names)
	frames := make([]Stackframe, 0, 8)
	for (depth <= 0 || len(frames) < depth) && it.Next() {
		frames = append(frames, it.Frame())
	}
	return reg.Filter(frames), it.Err()
}
