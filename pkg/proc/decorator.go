package proc

import (
	"github.com/sirupsen/logrus"

	"github.com/csnover/Retro68/pkg/logflags"
)

// UnknownFunction is displayed for frames whose function could not be
// determined.
const UnknownFunction = "??"

// HostFrame is a frame as seen by the host: its pc and the function name
// the host found in its own debug information, if any.
type HostFrame interface {
	PC() uint64
	Name() (string, bool)
}

// FunctionResolver maps a pc to the function containing it.
type FunctionResolver interface {
	Resolve(pc uint64) (FrameFunction, bool, error)
}

// NameDecorator supplies display names for frames the host could not name.
type NameDecorator struct {
	resolver FunctionResolver
	log      *logrus.Entry
}

// NewNameDecorator returns a NameDecorator that falls back to resolver.
func NewNameDecorator(resolver FunctionResolver) *NameDecorator {
	return &NameDecorator{resolver: resolver, log: logflags.ResolveLogger()}
}

// Function returns the name to display for frame. A name known to the host
// is returned unchanged without querying the resolver.
func (d *NameDecorator) Function(frame HostFrame) string {
	if name, ok := frame.Name(); ok {
		return name
	}
	if d.resolver == nil {
		return UnknownFunction
	}
	fn, ok, err := d.resolver.Resolve(frame.PC())
	if err != nil {
		d.log.WithError(err).Warnf("could not name frame at %#x", frame.PC())
		return UnknownFunction
	}
	if !ok {
		return UnknownFunction
	}
	return fn.Name
}

// Filter sets the Function of every frame. It makes NameDecorator usable
// as a FrameFilter.
func (d *NameDecorator) Filter(frames []Stackframe) []Stackframe {
	for i := range frames {
		frames[i].Function = d.Function(stackframeHost{&frames[i]})
	}
	return frames
}

// stackframeHost presents a Stackframe as a HostFrame.
type stackframeHost struct {
	f *Stackframe
}

func (h stackframeHost) PC() uint64           { return h.f.PC }
func (h stackframeHost) Name() (string, bool) { return h.f.Name() }
