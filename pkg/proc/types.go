package proc

import "fmt"

// FrameID identifies a stack frame by the stack pointer and program
// counter at entry to that frame.
type FrameID struct {
	SP, PC uint64
}

func (id FrameID) String() string {
	return fmt.Sprintf("{sp=%#x pc=%#x}", id.SP, id.PC)
}

// FrameFunction describes the function containing an address, as reported
// by the stub.
type FrameFunction struct {
	Start uint64
	End   uint64
	Name  string
}

// Empty reports whether f carries no data. The stub answers with an all
// zero triple for addresses it knows nothing about.
func (f FrameFunction) Empty() bool {
	return f.Start == 0 && f.End == 0 && f.Name == ""
}

// Contains reports whether pc lies in [Start, End).
func (f FrameFunction) Contains(pc uint64) bool {
	return pc >= f.Start && pc < f.End
}

func (f FrameFunction) String() string {
	return fmt.Sprintf("%08x-%08x %s", f.Start, f.End, f.Name)
}

// Registers is a plain FrameRegisters value.
type Registers struct {
	PCValue, SPValue, FPValue uint64
}

func (r Registers) PC() uint64 { return r.PCValue }
func (r Registers) SP() uint64 { return r.SPValue }
func (r Registers) FP() uint64 { return r.FPValue }
