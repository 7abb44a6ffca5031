package debugger

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/csnover/Retro68/pkg/config"
	"github.com/csnover/Retro68/pkg/logflags"
	"github.com/csnover/Retro68/pkg/proc"
	"github.com/csnover/Retro68/pkg/proc/gdbserial"
)

// ErrNotConnected is returned by operations that need a target after the
// debugger detached from it.
var ErrNotConnected = errors.New("not connected to a target")

// Debugger service.
//
// Debugger owns the connection to the emulator and the unwinder and frame
// filter registry used to build backtraces from it. The terminal, the DAP
// server and the command line all go through a Debugger.
type Debugger struct {
	config *Config

	targetMutex sync.Mutex
	conn        *gdbserial.Conn
	symbols     *proc.SymbolTable
	resolver    *proc.Resolver
	registry    *proc.Registry
	log         *logrus.Entry
}

// Config provides the configuration to start a Debugger.
type Config struct {
	// Remote is the address of the emulator's debugging stub.
	Remote string
	// DialTimeout is how long to keep trying to connect to Remote.
	DialTimeout time.Duration
	// SymbolFile is an optional ELF file with DWARF information. Frames it
	// describes are not handled by the frame pointer unwinder.
	SymbolFile string
	// FrameCacheSize is the number of resolved functions to remember.
	FrameCacheSize int
	// TrapReturnOffset overrides the offset of the return address saved
	// by the system call trap, zero means the default.
	TrapReturnOffset uint64
	// MaxStackDepth is the default depth of a backtrace.
	MaxStackDepth int
}

// ConfigFromFile returns the debugger configuration stored in conf.
func ConfigFromFile(conf *config.Config) *Config {
	if conf == nil {
		conf = &config.Config{}
	}
	c := &Config{
		Remote:         conf.Remote,
		DialTimeout:    conf.Timeout(),
		SymbolFile:     conf.SymbolFile,
		FrameCacheSize: conf.FrameCacheSize,
		MaxStackDepth:  conf.StackDepth(),
	}
	if conf.TrapReturnOffset != nil {
		c.TrapReturnOffset = *conf.TrapReturnOffset
	}
	return c
}

// New connects to config.Remote and creates a new Debugger.
func New(config *Config) (*Debugger, error) {
	if config.Remote == "" {
		return nil, errors.New("no remote address")
	}
	timeout := config.DialTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	logflags.DebuggerLogger().Infof("connecting to %s", config.Remote)
	conn, err := gdbserial.Dial(config.Remote, timeout)
	if err != nil {
		return nil, err
	}
	d, err := newDebugger(conn, config)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return d, nil
}

// Attach creates a new Debugger talking to the stub at the other end of
// conn.
func Attach(conn net.Conn, config *Config) (*Debugger, error) {
	c, err := gdbserial.NewConn(conn)
	if err != nil {
		return nil, err
	}
	d, err := newDebugger(c, config)
	if err != nil {
		c.Close()
		return nil, err
	}
	return d, nil
}

func newDebugger(conn *gdbserial.Conn, config *Config) (*Debugger, error) {
	d := &Debugger{
		config:   config,
		conn:     conn,
		registry: proc.NewRegistry(),
		log:      logflags.DebuggerLogger(),
	}

	var debugInfo proc.DebugInfoLookup
	if config.SymbolFile != "" {
		st, err := proc.OpenSymbolFile(config.SymbolFile)
		if err != nil {
			return nil, fmt.Errorf("could not load symbols: %w", err)
		}
		d.log.Debugf("loaded %d functions from %s", st.Len(), config.SymbolFile)
		d.symbols = st
		debugInfo = st
	}

	var err error
	d.resolver, err = proc.NewResolver(proc.SessionFunc(d.transport), config.FrameCacheSize)
	if err != nil {
		return nil, err
	}
	u := proc.NewUnwinder(conn, debugInfo, proc.UnwinderConfig{
		ByteOrder:        binary.BigEndian,
		TrapReturnOffset: config.TrapReturnOffset,
	})
	if err := proc.Install(d.registry, u, proc.NewNameDecorator(d.resolver)); err != nil {
		return nil, err
	}
	return d, nil
}

// transport returns the connection to the target, nil after Detach.
func (d *Debugger) transport() proc.RemoteTransport {
	if d.conn == nil {
		return nil
	}
	return d.conn
}

// Remote returns the address the debugger was asked to connect to.
func (d *Debugger) Remote() string {
	return d.config.Remote
}

// Registry returns the unwinders and frame filters used by Stacktrace.
func (d *Debugger) Registry() *proc.Registry {
	return d.registry
}

// Registers returns the registers of the stopped target.
func (d *Debugger) Registers() (*gdbserial.Registers, error) {
	d.targetMutex.Lock()
	defer d.targetMutex.Unlock()
	if d.conn == nil {
		return nil, ErrNotConnected
	}
	return d.conn.ReadRegisters()
}

// Stacktrace returns up to depth frames of the stack of the stopped
// target, the configured maximum if depth is not positive. Frames found
// before an unwinding error are returned along with the error.
func (d *Debugger) Stacktrace(depth int) ([]proc.Stackframe, error) {
	d.targetMutex.Lock()
	defer d.targetMutex.Unlock()
	if d.conn == nil {
		return nil, ErrNotConnected
	}
	if depth <= 0 {
		depth = d.config.MaxStackDepth
	}
	regs, err := d.conn.ReadRegisters()
	if err != nil {
		return nil, err
	}
	var names proc.NameLookup
	if d.symbols != nil {
		names = d.symbols
	}
	frames, err := proc.Stacktrace(regs, d.registry, names, depth)
	if err != nil {
		d.log.WithError(err).Debugf("backtrace stopped after %d frames", len(frames))
	}
	return frames, err
}

// ResolveFunction asks the target for the function containing pc.
func (d *Debugger) ResolveFunction(pc uint64) (proc.FrameFunction, bool, error) {
	d.targetMutex.Lock()
	defer d.targetMutex.Unlock()
	return d.resolver.Resolve(pc)
}

// PurgeFunctionCache forgets the functions resolved so far.
func (d *Debugger) PurgeFunctionCache() {
	d.targetMutex.Lock()
	defer d.targetMutex.Unlock()
	d.resolver.Purge()
}

// ReadMemory fills buf with the target memory starting at addr.
func (d *Debugger) ReadMemory(buf []byte, addr uint64) error {
	d.targetMutex.Lock()
	defer d.targetMutex.Unlock()
	if d.conn == nil {
		return ErrNotConnected
	}
	return d.conn.ReadMemory(buf, addr)
}

// ReadWords reads count big-endian 32-bit words starting at addr.
func (d *Debugger) ReadWords(addr uint64, count int) ([]uint32, error) {
	buf := make([]byte, 4*count)
	if err := d.ReadMemory(buf, addr); err != nil {
		return nil, err
	}
	words := make([]uint32, count)
	for i := range words {
		words[i] = binary.BigEndian.Uint32(buf[4*i:])
	}
	return words, nil
}

// MemoryMap returns the memory regions of the target.
func (d *Debugger) MemoryMap() ([]gdbserial.MemoryRegion, error) {
	d.targetMutex.Lock()
	defer d.targetMutex.Unlock()
	if d.conn == nil {
		return nil, ErrNotConnected
	}
	return d.conn.MemoryMap()
}

// ExecFile returns the name of the application running on the target.
func (d *Debugger) ExecFile() (string, error) {
	d.targetMutex.Lock()
	defer d.targetMutex.Unlock()
	if d.conn == nil {
		return "", ErrNotConnected
	}
	return d.conn.ExecFile()
}

// SymbolCount returns the number of functions loaded from the symbol
// file.
func (d *Debugger) SymbolCount() int {
	return d.symbols.Len()
}

// Detach detaches from the target. The target keeps running.
func (d *Debugger) Detach() error {
	d.targetMutex.Lock()
	defer d.targetMutex.Unlock()
	if d.conn == nil {
		return nil
	}
	err := d.conn.Detach()
	d.conn = nil
	d.resolver.Purge()
	return err
}
