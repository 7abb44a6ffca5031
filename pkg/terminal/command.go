// Package terminal implements functions for responding to user
// input and dispatching to appropriate backend commands.
package terminal

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/cosiner/argv"
	"github.com/derekparker/trie"

	"github.com/csnover/Retro68/pkg/proc"
	"github.com/csnover/Retro68/service/debugger"
)

// maxExamineWords bounds the number of words printed by examinemem.
const maxExamineWords = 256

type cmdfunc func(t *Term, args []string) error

type command struct {
	aliases        []string
	builtinAliases []string
	group          commandGroup
	helpMsg        string
	cmdFn          cmdfunc
}

// Returns true if the command string matches one of the aliases for this command
func (c command) match(cmdstr string) bool {
	for _, v := range c.aliases {
		if v == cmdstr {
			return true
		}
	}
	return false
}

// Commands represents the commands for the poserdbg terminal.
type Commands struct {
	cmds     []command
	debugger *debugger.Debugger
	aliases  *trie.Trie
}

// byFirstAlias will sort by the first
// alias of a command.
type byFirstAlias []command

func (a byFirstAlias) Len() int           { return len(a) }
func (a byFirstAlias) Swap(i, j int)      { a[i], a[j] = a[j], a[i] }
func (a byFirstAlias) Less(i, j int) bool { return a[i].aliases[0] < a[j].aliases[0] }

// DebugCommands returns a Commands struct with default commands defined.
func DebugCommands(d *debugger.Debugger) *Commands {
	c := &Commands{debugger: d}

	c.cmds = []command{
		{aliases: []string{"help", "h"}, cmdFn: c.help, helpMsg: `Prints the help message.

	help [command]

Type "help" followed by the name of a command for more information about it.`},
		{aliases: []string{"stack", "bt"}, group: stackCmds, cmdFn: stackCommand, helpMsg: `Print the call stack of the stopped target.

	[stack|bt] [<depth>] [-offsets]

Frames without debug information are unwound through their saved frame
pointer and named by asking the emulator which function contains their pc.
Frames the emulator knows nothing about are printed as ??.

	-offsets	also print sp, fp and the unwinder used for every frame`},
		{aliases: []string{"frame"}, group: stackCmds, cmdFn: frameCommand, helpMsg: `Ask the emulator for the function containing an address.

	frame <pc>

Prints the start and end address of the function and its name.`},
		{aliases: []string{"regs"}, group: dataCmds, cmdFn: regs, helpMsg: `Print contents of CPU registers.

	regs`},
		{aliases: []string{"examinemem", "x"}, group: dataCmds, cmdFn: examineMemoryCmd, helpMsg: `Examine raw memory as 32-bit words.

	examinemem [-count <count>] <address>

Count defaults to 1 and must be at most 256. The address may be given in
decimal, hexadecimal (0x prefix) or octal (0 prefix).`},
		{aliases: []string{"memmap"}, group: targetCmds, cmdFn: memmapCommand, helpMsg: `Print the memory map of the target.

	memmap`},
		{aliases: []string{"target"}, group: targetCmds, cmdFn: targetCommand, helpMsg: `Print information about the connected target.

	target

Shows the remote address, the running application and the number of
functions loaded from the symbol file.`},
		{aliases: []string{"unwinders"}, group: targetCmds, cmdFn: unwindersCommand, helpMsg: `List, enable or disable unwinders and frame filters.

	unwinders
	unwinders enable <name>
	unwinders disable <name>

Unwinders are listed in the order they are tried, filters in the order they
are applied.`},
		{aliases: []string{"purge"}, group: targetCmds, cmdFn: purgeCommand, helpMsg: `Forget the function names resolved so far.

	purge

Use after the emulator loaded or unloaded code.`},
		{aliases: []string{"source"}, cmdFn: c.sourceCommand, helpMsg: `Executes a file containing a list of poserdbg commands.

	source <path>

Lines starting with # are ignored.`},
		{aliases: []string{"exit", "quit", "q"}, cmdFn: exitCommand, helpMsg: `Exit the debugger. The target keeps running.

	exit`},
	}

	sort.Sort(byFirstAlias(c.cmds))
	c.aliases = newCompletionTrie(c.cmds)
	return c
}

// Find will look up the command function for the given command input.
// If it cannot find the command it will default to noCmdAvailable().
// If the command is an empty string it will do nothing.
func (c *Commands) Find(cmdstr string) cmdfunc {
	if cmdstr == "" {
		return nullCommand
	}

	for _, v := range c.cmds {
		if v.match(cmdstr) {
			return v.cmdFn
		}
	}

	return noCmdAvailable
}

// Call takes a command to execute.
func (c *Commands) Call(cmdstr string, t *Term) error {
	args, err := splitArgs(cmdstr)
	if err != nil {
		return err
	}
	if len(args) == 0 {
		return nil
	}
	return c.Find(args[0])(t, args[1:])
}

// Merge takes aliases defined in the config struct and merges them with the default aliases.
func (c *Commands) Merge(allAliases map[string][]string) {
	for i := range c.cmds {
		if c.cmds[i].builtinAliases != nil {
			c.cmds[i].aliases = append(c.cmds[i].aliases[:0], c.cmds[i].builtinAliases...)
		}
	}
	for i := range c.cmds {
		if aliases, ok := allAliases[c.cmds[i].aliases[0]]; ok {
			if c.cmds[i].builtinAliases == nil {
				c.cmds[i].builtinAliases = make([]string, len(c.cmds[i].aliases))
				copy(c.cmds[i].builtinAliases, c.cmds[i].aliases)
			}
			c.cmds[i].aliases = append(c.cmds[i].aliases, aliases...)
		}
	}
	c.aliases = newCompletionTrie(c.cmds)
}

// complete returns the aliases starting with line.
func (c *Commands) complete(line string) []string {
	out := c.aliases.PrefixSearch(strings.ToLower(line))
	sort.Strings(out)
	return out
}

// splitArgs splits a command line into words, honoring quotes.
func splitArgs(cmdstr string) ([]string, error) {
	cmdstr = strings.TrimSpace(cmdstr)
	if cmdstr == "" {
		return nil, nil
	}
	v, err := argv.Argv(cmdstr,
		func(s string) (string, error) {
			return "", fmt.Errorf("Backtick not supported in '%s'", s)
		},
		nil)
	if err != nil {
		return nil, err
	}
	if len(v) != 1 {
		return nil, fmt.Errorf("illegal command line '%s'", cmdstr)
	}
	return v[0], nil
}

var noCmdError = errors.New("command not available")

func noCmdAvailable(t *Term, args []string) error {
	return noCmdError
}

func nullCommand(t *Term, args []string) error {
	return nil
}

func (c *Commands) help(t *Term, args []string) error {
	if len(args) > 0 {
		for _, cmd := range c.cmds {
			if cmd.match(args[0]) {
				fmt.Fprintln(t.stdout, cmd.helpMsg)
				return nil
			}
		}
		return noCmdError
	}

	fmt.Fprintln(t.stdout, "The following commands are available:")

	for _, cgd := range commandGroupDescriptions {
		fmt.Fprintf(t.stdout, "\n%s:\n", cgd.description)
		w := new(tabwriter.Writer)
		w.Init(t.stdout, 0, 8, 0, '-', 0)
		for _, cmd := range c.cmds {
			if cmd.group != cgd.group {
				continue
			}
			h := cmd.helpMsg
			if idx := strings.Index(h, "\n"); idx >= 0 {
				h = h[:idx]
			}
			if len(cmd.aliases) > 1 {
				fmt.Fprintf(w, "    %s (alias: %s) \t %s\n", cmd.aliases[0], strings.Join(cmd.aliases[1:], " | "), h)
			} else {
				fmt.Fprintf(w, "    %s \t %s\n", cmd.aliases[0], h)
			}
		}
		if err := w.Flush(); err != nil {
			return err
		}
	}

	fmt.Fprintln(t.stdout)
	fmt.Fprintln(t.stdout, "Type help followed by a command for full documentation.")
	return nil
}

type stackArgs struct {
	depth   int
	offsets bool
}

func parseStackArgs(args []string) (stackArgs, error) {
	var r stackArgs
	for _, arg := range args {
		switch arg {
		case "-offsets":
			r.offsets = true
		default:
			n, err := strconv.Atoi(arg)
			if err != nil || n <= 0 {
				return stackArgs{}, fmt.Errorf("depth must be a positive integer")
			}
			r.depth = n
		}
	}
	return r, nil
}

func stackCommand(t *Term, args []string) error {
	sa, err := parseStackArgs(args)
	if err != nil {
		return err
	}
	stack, err := t.debugger.Stacktrace(sa.depth)
	printStack(t, t.stdout, stack, sa.offsets)
	return err
}

func printStack(t *Term, out io.Writer, stack []proc.Stackframe, offsets bool) {
	if len(stack) == 0 {
		return
	}

	d := digits(len(stack) - 1)
	fmtstr := "%" + strconv.Itoa(d) + "d  0x%08x in %s\n"
	s := strings.Repeat(" ", d+2)

	for i := range stack {
		name := stack[i].Function
		if name == "" {
			name = proc.UnknownFunction
		}
		if name == proc.UnknownFunction {
			name = t.colorize(ansiRed, name)
		} else {
			name = t.colorize(ansiBlue, name)
		}
		fmt.Fprintf(out, fmtstr, i, stack[i].PC, name)
		if offsets {
			fmt.Fprintf(out, "%ssp %#x fp %#x", s, stack[i].SP, stack[i].FP)
			if stack[i].Unwinder != "" {
				fmt.Fprintf(out, " (caller from %s)", stack[i].Unwinder)
			}
			fmt.Fprintln(out)
		}
	}
}

func digits(n int) int {
	if n <= 0 {
		return 1
	}
	d := 0
	for ; n > 0; n /= 10 {
		d++
	}
	return d
}

func parseAddr(s string) (uint64, error) {
	addr, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("could not parse address %q: %v", s, err)
	}
	return addr, nil
}

func frameCommand(t *Term, args []string) error {
	if len(args) != 1 {
		return errors.New("expected exactly one address")
	}
	pc, err := parseAddr(args[0])
	if err != nil {
		return err
	}
	fn, ok, err := t.debugger.ResolveFunction(pc)
	if err != nil {
		return err
	}
	if !ok {
		fmt.Fprintf(t.stdout, "No function found at %#x\n", pc)
		return nil
	}
	fmt.Fprintf(t.stdout, "0x%08x-0x%08x %s\n", fn.Start, fn.End, t.colorize(ansiBlue, fn.Name))
	return nil
}

func regs(t *Term, args []string) error {
	regs, err := t.debugger.Registers()
	if err != nil {
		return err
	}
	fmt.Fprint(t.stdout, regs)
	return nil
}

func examineMemoryCmd(t *Term, args []string) error {
	var (
		address  uint64
		haveAddr bool
		err      error
	)
	count := 1

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "-count", "-len":
			i++
			if i >= len(args) {
				return fmt.Errorf("expected argument after -count/-len")
			}
			count, err = strconv.Atoi(args[i])
			if err != nil || count <= 0 {
				return fmt.Errorf("count/len must be a positive integer")
			}
		default:
			if i != len(args)-1 {
				return fmt.Errorf("unknown option %q", args[i])
			}
			address, err = parseAddr(args[i])
			if err != nil {
				return err
			}
			haveAddr = true
		}
	}

	if !haveAddr {
		return fmt.Errorf("no address specified")
	}
	if count > maxExamineWords {
		return fmt.Errorf("count must be less than or equal to %d words", maxExamineWords)
	}

	words, err := t.debugger.ReadWords(address, count)
	if err != nil {
		return err
	}
	for i, w := range words {
		if i%4 == 0 {
			if i > 0 {
				fmt.Fprintln(t.stdout)
			}
			fmt.Fprintf(t.stdout, "0x%08x:", address+uint64(4*i))
		}
		fmt.Fprintf(t.stdout, " %08x", w)
	}
	fmt.Fprintln(t.stdout)
	return nil
}

func memmapCommand(t *Term, args []string) error {
	regions, err := t.debugger.MemoryMap()
	if err != nil {
		return err
	}
	w := new(tabwriter.Writer)
	w.Init(t.stdout, 0, 8, 1, ' ', 0)
	fmt.Fprintln(w, "Start\tEnd\tType\t")
	for _, r := range regions {
		fmt.Fprintf(w, "0x%08x\t0x%08x\t%s\t\n", r.Start, r.End(), r.Type)
	}
	return w.Flush()
}

func targetCommand(t *Term, args []string) error {
	fmt.Fprintf(t.stdout, "Remote: %s\n", t.debugger.Remote())
	name, err := t.debugger.ExecFile()
	switch {
	case err == nil:
		fmt.Fprintf(t.stdout, "Application: %s\n", name)
	case errors.Is(err, debugger.ErrNotConnected):
		return err
	default:
		fmt.Fprintf(t.stdout, "Application: unknown (%v)\n", err)
	}
	fmt.Fprintf(t.stdout, "Symbols: %d functions\n", t.debugger.SymbolCount())
	return nil
}

func unwindersCommand(t *Term, args []string) error {
	reg := t.debugger.Registry()
	if len(args) == 0 {
		w := new(tabwriter.Writer)
		w.Init(t.stdout, 0, 8, 1, ' ', 0)
		list := func(kind string, names []string) {
			for _, name := range names {
				state := "enabled"
				if enabled, _ := reg.Enabled(name); !enabled {
					state = "disabled"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t\n", kind, name, state)
			}
		}
		list("unwinder", reg.Unwinders())
		list("filter", reg.Filters())
		return w.Flush()
	}

	if len(args) != 2 {
		return errors.New("expected enable or disable followed by a name")
	}
	var enable bool
	switch args[0] {
	case "enable":
		enable = true
	case "disable":
		enable = false
	default:
		return fmt.Errorf("unknown action %q", args[0])
	}
	if !reg.SetEnabled(args[1], enable) {
		return fmt.Errorf("no unwinder or filter named %q", args[1])
	}
	return nil
}

func purgeCommand(t *Term, args []string) error {
	t.debugger.PurgeFunctionCache()
	return nil
}

func (c *Commands) sourceCommand(t *Term, args []string) error {
	if len(args) != 1 {
		return errors.New("wrong number of arguments: source <filename>")
	}
	return c.executeFile(t, args[0])
}

// ExitRequestError is returned when the user
// exits poserdbg.
type ExitRequestError struct{}

func (ere ExitRequestError) Error() string {
	return ""
}

func exitCommand(t *Term, args []string) error {
	return ExitRequestError{}
}

func (c *Commands) executeFile(t *Term, name string) error {
	fh, err := os.Open(name)
	if err != nil {
		return err
	}
	defer fh.Close()

	scanner := bufio.NewScanner(fh)
	lineno := 0
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		lineno++

		if line == "" || line[0] == '#' {
			continue
		}

		if err := c.Call(line, t); err != nil {
			if _, isExitRequest := err.(ExitRequestError); isExitRequest {
				return err
			}
			fmt.Fprintf(t.stdout, "%s:%d: %v\n", name, lineno, err)
		}
	}

	return scanner.Err()
}

// PrintStacktrace prints a backtrace of at most depth frames read through
// d to out, without colors. It is used by the non-interactive backtrace
// command.
func PrintStacktrace(d *debugger.Debugger, out io.Writer, depth int, offsets bool) error {
	stack, err := d.Stacktrace(depth)
	printStack(&Term{dumb: true}, out, stack, offsets)
	return err
}
