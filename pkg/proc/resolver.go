package proc

import (
	"errors"
	"fmt"
	"strconv"

	lru "github.com/hashicorp/golang-lru"
	"github.com/sirupsen/logrus"

	"github.com/csnover/Retro68/pkg/logflags"
)

// FrameQueryPrefix is the remote query that asks the stub which function
// contains a pc. The pc follows as lowercase hex without padding.
const FrameQueryPrefix = "qposer.Frame:"

const (
	addrFieldLen     = 8
	frameReplyMinLen = 2 * addrFieldLen
)

// ProtocolError is returned when the stub answers a frame query with a
// reply that does not follow the fixed width layout.
type ProtocolError struct {
	Reply  []byte
	Reason string
}

func (err *ProtocolError) Error() string {
	reply := string(err.Reply)
	if len(reply) > 40 {
		reply = reply[:40] + "..."
	}
	return fmt.Sprintf("malformed frame reply %q: %s", reply, err.Reason)
}

// FrameQuery returns the query string for pc.
func FrameQuery(pc uint64) string {
	return fmt.Sprintf("%s%x", FrameQueryPrefix, pc)
}

// EncodeFrameFunction returns the wire form of f: start and end as eight
// hex digits each, followed by the name.
func EncodeFrameFunction(f FrameFunction) ([]byte, error) {
	if f.Start > 0xffffffff || f.End > 0xffffffff {
		return nil, fmt.Errorf("function range %#x-%#x does not fit in 32 bits", f.Start, f.End)
	}
	for i := 0; i < len(f.Name); i++ {
		if f.Name[i] >= 0x80 {
			return nil, fmt.Errorf("function name %q is not ASCII", f.Name)
		}
	}
	return []byte(fmt.Sprintf("%08x%08x%s", f.Start, f.End, f.Name)), nil
}

// DecodeFrameFunction parses a frame query reply.
func DecodeFrameFunction(reply []byte) (FrameFunction, error) {
	if len(reply) < frameReplyMinLen {
		return FrameFunction{}, &ProtocolError{Reply: reply, Reason: fmt.Sprintf("reply is %d bytes long, need at least %d", len(reply), frameReplyMinLen)}
	}
	start, err := parseAddrField(reply[:addrFieldLen])
	if err != nil {
		return FrameFunction{}, &ProtocolError{Reply: reply, Reason: "bad start address: " + err.Error()}
	}
	end, err := parseAddrField(reply[addrFieldLen:frameReplyMinLen])
	if err != nil {
		return FrameFunction{}, &ProtocolError{Reply: reply, Reason: "bad end address: " + err.Error()}
	}
	name := reply[frameReplyMinLen:]
	for _, ch := range name {
		if ch >= 0x80 {
			return FrameFunction{}, &ProtocolError{Reply: reply, Reason: "function name is not ASCII"}
		}
	}
	return FrameFunction{Start: start, End: end, Name: string(name)}, nil
}

func parseAddrField(field []byte) (uint64, error) {
	for _, ch := range field {
		if !isHexDigit(ch) {
			return 0, fmt.Errorf("%q is not a hex digit", ch)
		}
	}
	return strconv.ParseUint(string(field), 16, 32)
}

func isHexDigit(ch byte) bool {
	return (ch >= '0' && ch <= '9') || (ch >= 'a' && ch <= 'f') || (ch >= 'A' && ch <= 'F')
}

// Resolver finds the function containing a pc by asking the stub, for code
// that has no debug information.
type Resolver struct {
	session Session
	cache   *lru.Cache
	log     *logrus.Entry
}

// NewResolver returns a Resolver that queries the transport of session.
// Successful lookups are cached when cacheSize is greater than zero.
func NewResolver(session Session, cacheSize int) (*Resolver, error) {
	r := &Resolver{session: session, log: logflags.ResolveLogger()}
	if cacheSize > 0 {
		c, err := lru.New(cacheSize)
		if err != nil {
			return nil, err
		}
		r.cache = c
	}
	return r, nil
}

// Purge drops all cached results. Call it when the code loaded in the
// target changes.
func (r *Resolver) Purge() {
	if r.cache != nil {
		r.cache.Purge()
	}
}

func (r *Resolver) transport() RemoteTransport {
	if r.session == nil {
		return nil
	}
	t := r.session.Transport()
	if t == nil || !t.IsRemote() {
		return nil
	}
	return t
}

// Resolve returns the function containing pc. The boolean is false when
// there is no data: no remote connection, no answer to the query or an
// all zero answer. A *ProtocolError is returned for malformed replies.
func (r *Resolver) Resolve(pc uint64) (FrameFunction, bool, error) {
	t := r.transport()
	if t == nil {
		return FrameFunction{}, false, nil
	}

	if r.cache != nil {
		if v, ok := r.cache.Get(pc); ok {
			return v.(FrameFunction), true, nil
		}
	}

	reply, err := t.Query(FrameQuery(pc))
	if err != nil {
		if !errors.Is(err, ErrNoResponse) {
			r.log.WithError(err).Debugf("frame query for %#x failed", pc)
		}
		return FrameFunction{}, false, nil
	}

	fn, err := DecodeFrameFunction(reply)
	if err != nil {
		r.log.Warn(err)
		return FrameFunction{}, false, err
	}
	if fn.Empty() {
		return FrameFunction{}, false, nil
	}
	if logflags.Resolve() {
		r.log.Debugf("%#x resolved to %s", pc, fn)
	}
	if r.cache != nil {
		r.cache.Add(pc, fn)
	}
	return fn, true, nil
}
