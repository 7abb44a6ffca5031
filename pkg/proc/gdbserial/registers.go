package gdbserial

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// Registers holds the registers of the target as returned by a 'g'
// packet. Values are big-endian.
type Registers struct {
	info []gdbRegisterInfo
	buf  []byte

	// unavailable marks bytes of buf the stub did not send.
	unavailable []bool
}

func newRegisters(info []gdbRegisterInfo, buf []byte) *Registers {
	return &Registers{info: info, buf: buf}
}

// Get returns the value of the register called name. It returns false if
// the register does not exist, is wider than 64 bits or was not sent by
// the stub.
func (r *Registers) Get(name string) (uint64, bool) {
	for _, ri := range r.info {
		if ri.Name != name {
			continue
		}
		sz := ri.Bitsize / 8
		if ri.Offset+sz > len(r.buf) {
			return 0, false
		}
		for i := ri.Offset; i < ri.Offset+sz && i < len(r.unavailable); i++ {
			if r.unavailable[i] {
				return 0, false
			}
		}
		v := r.buf[ri.Offset : ri.Offset+sz]
		switch sz {
		case 1:
			return uint64(v[0]), true
		case 2:
			return uint64(binary.BigEndian.Uint16(v)), true
		case 4:
			return uint64(binary.BigEndian.Uint32(v)), true
		case 8:
			return binary.BigEndian.Uint64(v), true
		}
		return 0, false
	}
	return 0, false
}

// get returns the value of a register that ReadRegisters checked for.
func (r *Registers) get(name string) uint64 {
	v, _ := r.Get(name)
	return v
}

func (r *Registers) PC() uint64 { return r.get(regnamePC) }
func (r *Registers) SP() uint64 { return r.get(regnameSP) }
func (r *Registers) FP() uint64 { return r.get(regnameFP) }

// Names returns the names of the registers in the order the stub sends
// them.
func (r *Registers) Names() []string {
	names := make([]string, len(r.info))
	for i := range r.info {
		names[i] = r.info[i].Name
	}
	return names
}

func (r *Registers) String() string {
	var sb strings.Builder
	for _, name := range r.Names() {
		if v, ok := r.Get(name); ok {
			fmt.Fprintf(&sb, "%-4s 0x%08x\n", name, v)
		}
	}
	return sb.String()
}
