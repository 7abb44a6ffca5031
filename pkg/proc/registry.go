package proc

import (
	"errors"
	"fmt"
	"sort"
)

// FrameUnwinder computes the caller of a frame. It returns nil, nil to let
// the next unwinder try.
type FrameUnwinder interface {
	Unwind(regs FrameRegisters) (*UnwindInfo, error)
}

// FrameFilter rewrites a backtrace before it is displayed.
type FrameFilter interface {
	Filter(frames []Stackframe) []Stackframe
}

// ErrDuplicateName is returned when registering a second unwinder or filter
// under a name that is already taken.
var ErrDuplicateName = errors.New("name already registered")

type registryEntry struct {
	name     string
	priority int
	seq      int
	enabled  bool
	unwinder FrameUnwinder
	filter   FrameFilter
}

// Registry holds the unwinders and frame filters used to build a
// backtrace. Entries with a higher priority are tried first; entries with
// the same priority are tried newest first.
type Registry struct {
	unwinders []*registryEntry
	filters   []*registryEntry
	seq       int
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// RegisterUnwinder adds u under name. If replace is true an unwinder
// already registered under the same name is removed first.
func (r *Registry) RegisterUnwinder(name string, u FrameUnwinder, priority int, replace bool) error {
	var err error
	r.unwinders, err = r.add(r.unwinders, &registryEntry{name: name, priority: priority, enabled: true, unwinder: u}, replace)
	return err
}

// RegisterFilter adds f under name. If replace is true a filter already
// registered under the same name is removed first.
func (r *Registry) RegisterFilter(name string, f FrameFilter, priority int, replace bool) error {
	var err error
	r.filters, err = r.add(r.filters, &registryEntry{name: name, priority: priority, enabled: true, filter: f}, replace)
	return err
}

func (r *Registry) add(list []*registryEntry, e *registryEntry, replace bool) ([]*registryEntry, error) {
	for i := range list {
		if list[i].name != e.name {
			continue
		}
		if !replace {
			return list, fmt.Errorf("%w: %s", ErrDuplicateName, e.name)
		}
		list = append(list[:i], list[i+1:]...)
		break
	}
	r.seq++
	e.seq = r.seq
	list = append(list, e)
	sort.SliceStable(list, func(i, j int) bool {
		if list[i].priority != list[j].priority {
			return list[i].priority > list[j].priority
		}
		return list[i].seq > list[j].seq
	})
	return list, nil
}

// SetEnabled enables or disables the unwinder or filter called name.
func (r *Registry) SetEnabled(name string, enabled bool) bool {
	found := false
	for _, list := range [][]*registryEntry{r.unwinders, r.filters} {
		for _, e := range list {
			if e.name == name {
				e.enabled = enabled
				found = true
			}
		}
	}
	return found
}

// Enabled reports whether the unwinder or filter called name is enabled.
// The second result is false if nothing is registered under name.
func (r *Registry) Enabled(name string) (enabled, ok bool) {
	for _, list := range [][]*registryEntry{r.unwinders, r.filters} {
		for _, e := range list {
			if e.name == name {
				return e.enabled, true
			}
		}
	}
	return false, false
}

// Unwinders returns the names of the registered unwinders in the order
// they are tried.
func (r *Registry) Unwinders() []string {
	return names(r.unwinders)
}

// Filters returns the names of the registered filters in the order they
// are applied.
func (r *Registry) Filters() []string {
	return names(r.filters)
}

func names(list []*registryEntry) []string {
	out := make([]string, len(list))
	for i := range list {
		out[i] = list[i].name
	}
	return out
}

// Unwind asks each enabled unwinder in turn for the caller of regs and
// returns the first answer along with the name of the unwinder that gave
// it. An error from any unwinder stops the search.
func (r *Registry) Unwind(regs FrameRegisters) (*UnwindInfo, string, error) {
	for _, e := range r.unwinders {
		if !e.enabled {
			continue
		}
		ui, err := e.unwinder.Unwind(regs)
		if err != nil {
			return nil, e.name, err
		}
		if ui != nil {
			return ui, e.name, nil
		}
	}
	return nil, "", nil
}

// Filter runs frames through each enabled filter.
func (r *Registry) Filter(frames []Stackframe) []Stackframe {
	for _, e := range r.filters {
		if e.enabled {
			frames = e.filter.Filter(frames)
		}
	}
	return frames
}

// Names and priorities used by Install.
const (
	UnwinderName     = "PoserUnwinder"
	UnwinderPriority = 100
	FilterName       = "PoserFilter"
	FilterPriority   = 100
)

// Install registers u and d in reg, replacing earlier registrations under
// the same names. Both are tried before anything registered with a lower
// priority.
func Install(reg *Registry, u *Unwinder, d *NameDecorator) error {
	if err := reg.RegisterUnwinder(UnwinderName, u, UnwinderPriority, true); err != nil {
		return err
	}
	return reg.RegisterFilter(FilterName, d, FilterPriority, true)
}
