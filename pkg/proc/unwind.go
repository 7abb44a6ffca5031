package proc

import (
	"encoding/binary"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/csnover/Retro68/pkg/logflags"
)

// Layout of the m68k exception vector table. The system call entry point
// is stored in the TRAP #15 vector.
const (
	TrapVectors = 32
	SyscallTrap = 15
	SyscallAddr = (TrapVectors + SyscallTrap) * 4
)

const (
	wordSize = 4

	// The trap return address is stored two words above sp unless
	// configured otherwise.
	defaultTrapReturnOffset = 2 * wordSize

	// A system call is a TRAP #15 instruction followed by a one word trap
	// number. The saved return address points at the trap number.
	trapNumberSize = 2
)

// Register names used in UnwindInfo.Saved.
const (
	RegPC = "pc"
	RegSP = "sp"
	RegFP = "fp"
)

// UnwindError is returned when the target memory needed to reconstruct the
// caller frame cannot be read.
type UnwindError struct {
	Addr uint64
	What string
	Err  error
}

func (err *UnwindError) Error() string {
	return fmt.Sprintf("could not read %s at %#x: %v", err.What, err.Addr, err.Err)
}

func (err *UnwindError) Unwrap() error {
	return err.Err
}

// UnwindInfo holds the registers of the caller frame, computed from the
// frame identified by ID.
type UnwindInfo struct {
	ID    FrameID
	Saved map[string]uint64
}

func newUnwindInfo(id FrameID) *UnwindInfo {
	return &UnwindInfo{ID: id, Saved: make(map[string]uint64, 3)}
}

// AddSavedRegister records the caller value of register name.
func (ui *UnwindInfo) AddSavedRegister(name string, value uint64) {
	ui.Saved[name] = value
}

// PC returns the caller's program counter.
func (ui *UnwindInfo) PC() uint64 { return ui.Saved[RegPC] }

// SP returns the caller's stack pointer.
func (ui *UnwindInfo) SP() uint64 { return ui.Saved[RegSP] }

// FP returns the caller's frame pointer.
func (ui *UnwindInfo) FP() uint64 { return ui.Saved[RegFP] }

// UnwinderConfig tunes the target specific details of Unwinder.
type UnwinderConfig struct {
	// ByteOrder of target words, big endian if nil.
	ByteOrder binary.ByteOrder
	// TrapReturnOffset is the byte distance between sp and the saved
	// return address at the system call entry. Zero selects two words.
	TrapReturnOffset uint64
}

// Unwinder computes the caller of a frame using the fixed frame-pointer
// layout: fp points to the saved fp, followed by the return address and
// the caller's sp.
type Unwinder struct {
	mem       TargetMemory
	debugInfo DebugInfoLookup

	order            binary.ByteOrder
	trapReturnOffset uint64

	log *logrus.Entry
}

// NewUnwinder returns an Unwinder reading from mem. Frames for which
// debugInfo has a block are declined. A nil debugInfo means that no frame
// has debug information.
func NewUnwinder(mem TargetMemory, debugInfo DebugInfoLookup, cfg UnwinderConfig) *Unwinder {
	if debugInfo == nil {
		debugInfo = NoDebugInfo
	}
	u := &Unwinder{
		mem:              mem,
		debugInfo:        debugInfo,
		order:            cfg.ByteOrder,
		trapReturnOffset: cfg.TrapReturnOffset,
		log:              logflags.UnwindLogger(),
	}
	if u.order == nil {
		u.order = binary.BigEndian
	}
	if u.trapReturnOffset == 0 {
		u.trapReturnOffset = defaultTrapReturnOffset
	}
	return u
}

// Unwind computes the caller frame of regs. It returns nil, nil when the
// frame is covered by debug information and should be left to another
// unwinder.
func (u *Unwinder) Unwind(regs FrameRegisters) (*UnwindInfo, error) {
	pc, sp, fp := regs.PC(), regs.SP(), regs.FP()

	// Debug information gives a better (and faster) unwind than the
	// frame-pointer walk below.
	if u.debugInfo.BlockForPC(pc) {
		if logflags.Unwind() {
			u.log.Debugf("declining frame at pc %#x: covered by debug info", pc)
		}
		return nil, nil
	}

	var base [3]uint64
	if err := u.readWords(base[:], fp, "frame save area"); err != nil {
		return nil, err
	}

	syscallTrap, err := u.readWord(SyscallAddr, "system call trap vector")
	if err != nil {
		return nil, err
	}

	var nextPC uint64
	if pc == syscallTrap {
		ret, err := u.readWord(sp+u.trapReturnOffset, "trap return address")
		if err != nil {
			return nil, err
		}
		nextPC = (ret + trapNumberSize) & 0xffffffff
	} else {
		nextPC = base[1]
	}

	ui := newUnwindInfo(FrameID{SP: sp, PC: pc})
	ui.AddSavedRegister(RegFP, base[0])
	ui.AddSavedRegister(RegPC, nextPC)
	ui.AddSavedRegister(RegSP, base[2])

	if logflags.Unwind() {
		u.log.Debugf("frame %v: caller pc=%#x sp=%#x fp=%#x (syscall=%v)", ui.ID, ui.PC(), ui.SP(), ui.FP(), pc == syscallTrap)
	}
	return ui, nil
}

func (u *Unwinder) readWord(addr uint64, what string) (uint64, error) {
	var w [1]uint64
	if err := u.readWords(w[:], addr, what); err != nil {
		return 0, err
	}
	return w[0], nil
}

func (u *Unwinder) readWords(out []uint64, addr uint64, what string) error {
	buf := make([]byte, len(out)*wordSize)
	if err := u.mem.ReadMemory(buf, addr); err != nil {
		return &UnwindError{Addr: addr, What: what, Err: err}
	}
	for i := range out {
		out[i] = uint64(u.order.Uint32(buf[i*wordSize:]))
	}
	return nil
}
