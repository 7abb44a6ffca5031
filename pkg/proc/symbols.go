package proc

import (
	"debug/dwarf"
	"debug/elf"
	"fmt"
	"sort"
)

// SymbolTable maps pcs to the functions described by the debug information
// of an executable. It implements DebugInfoLookup and NameLookup.
type SymbolTable struct {
	funcs []FrameFunction
	// maxEnd[i] is the highest End of funcs[0..i].
	maxEnd []uint64
}

// NewSymbolTable returns a SymbolTable for funcs. Functions with an empty
// range are dropped.
func NewSymbolTable(funcs []FrameFunction) *SymbolTable {
	st := &SymbolTable{funcs: make([]FrameFunction, 0, len(funcs))}
	for _, fn := range funcs {
		if fn.End > fn.Start {
			st.funcs = append(st.funcs, fn)
		}
	}
	sort.Slice(st.funcs, func(i, j int) bool {
		return st.funcs[i].Start < st.funcs[j].Start
	})
	st.maxEnd = make([]uint64, len(st.funcs))
	var end uint64
	for i, fn := range st.funcs {
		end = max(end, fn.End)
		st.maxEnd[i] = end
	}
	return st
}

// OpenSymbolFile reads the DWARF subprogram entries of the ELF file at
// path.
func OpenSymbolFile(path string) (*SymbolTable, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	d, err := f.DWARF()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	funcs, err := dwarfFunctions(d)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return NewSymbolTable(funcs), nil
}

func dwarfFunctions(d *dwarf.Data) ([]FrameFunction, error) {
	var funcs []FrameFunction
	rdr := d.Reader()
	for {
		e, err := rdr.Next()
		if err != nil {
			return nil, err
		}
		if e == nil {
			break
		}
		if e.Tag != dwarf.TagSubprogram {
			continue
		}
		name, _ := e.Val(dwarf.AttrName).(string)
		ranges, err := d.Ranges(e)
		if err != nil {
			// Declarations and abstract instances have no ranges.
			continue
		}
		for _, rng := range ranges {
			funcs = append(funcs, FrameFunction{Start: rng[0], End: rng[1], Name: name})
		}
	}
	return funcs, nil
}

func (st *SymbolTable) lookup(pc uint64) (FrameFunction, bool) {
	if st == nil {
		return FrameFunction{}, false
	}
	i := sort.Search(len(st.funcs), func(i int) bool {
		return st.funcs[i].Start > pc
	})
	// Ranges can nest (inlined or nested functions), so walk back until one
	// contains pc or no earlier range reaches it.
	for i--; i >= 0 && st.maxEnd[i] > pc; i-- {
		if st.funcs[i].Contains(pc) {
			return st.funcs[i], true
		}
	}
	return FrameFunction{}, false
}

// BlockForPC reports whether a function with debug information contains pc.
func (st *SymbolTable) BlockForPC(pc uint64) bool {
	_, ok := st.lookup(pc)
	return ok
}

// FunctionName returns the name of the function containing pc.
func (st *SymbolTable) FunctionName(pc uint64) (string, bool) {
	fn, ok := st.lookup(pc)
	if !ok || fn.Name == "" {
		return "", false
	}
	return fn.Name, true
}

// Len returns the number of function ranges in the table.
func (st *SymbolTable) Len() int {
	if st == nil {
		return 0
	}
	return len(st.funcs)
}
