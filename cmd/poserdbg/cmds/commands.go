package cmds

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"strconv"

	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"

	"github.com/csnover/Retro68/cmd/poserdbg/cmds/helphelpers"
	"github.com/csnover/Retro68/pkg/config"
	"github.com/csnover/Retro68/pkg/logflags"
	"github.com/csnover/Retro68/pkg/terminal"
	"github.com/csnover/Retro68/pkg/version"
	"github.com/csnover/Retro68/service"
	"github.com/csnover/Retro68/service/dap"
	"github.com/csnover/Retro68/service/debugger"
)

var (
	// log is whether to log debug statements.
	log bool
	// logOutput is a comma separated list of components that should produce debug output.
	logOutput string
	// logDest is the file path or file descriptor where logs should go.
	logDest string
	// addr is the DAP server listen address.
	addr string
	// clientAddr is the address of a DAP client waiting for poserdbg to
	// connect to it.
	clientAddr string
	// initFile is the path to initialization file.
	initFile string
	// symbolFile overrides the symbol-file setting of the config file.
	symbolFile string
	// stackDepth is the depth of the backtrace command, 0 means the configured default.
	stackDepth int
	// offsets prints the stack and frame pointers of each frame.
	offsets bool

	// rootCommand is the root of the command tree.
	rootCommand *cobra.Command

	conf *config.Config
)

const poserdbgCommandLongDesc = `poserdbg inspects the call stack of applications running in the
Palm OS Emulator.

poserdbg connects to the emulator's remote debugging stub and walks m68k
frame pointer chains, naming each frame with the function information the
emulator keeps for the ROM and the running application.

The address of the stub can be given as an argument or through the "remote"
setting of the configuration file.`

// New returns an initialized command tree.
func New(docCall bool) *cobra.Command {
	// Config setup and load.
	conf = config.LoadConfig()

	// Main poserdbg root command.
	rootCommand = &cobra.Command{
		Use:   "poserdbg",
		Short: "poserdbg is a stack inspector for the Palm OS Emulator.",
		Long:  poserdbgCommandLongDesc,
	}

	rootCommand.PersistentFlags().BoolVarP(&log, "log", "", false, "Enable debugging server logging.")
	rootCommand.PersistentFlags().StringVarP(&logOutput, "log-output", "", "", `Comma separated list of components that should produce debug output (see 'poserdbg help log')`)
	rootCommand.PersistentFlags().StringVarP(&logDest, "log-dest", "", "", "Writes logs to the specified file or file descriptor (see 'poserdbg help log').")
	rootCommand.PersistentFlags().StringVar(&symbolFile, "symbol-file", "", "ELF file with DWARF information for the application being debugged.")

	// 'connect' subcommand.
	connectCommand := &cobra.Command{
		Use:   "connect [addr]",
		Short: "Connect to the emulator and start an interactive session.",
		Long: `Connect to the emulator's debugging stub and start an interactive session.

If addr is omitted the "remote" setting of the configuration file is used.`,
		Args: cobra.MaximumNArgs(1),
		Run:  connectCmd,
	}
	connectCommand.Flags().StringVar(&initFile, "init", "", "Init file, executed by the terminal client.")
	rootCommand.AddCommand(connectCommand)

	// 'backtrace' subcommand.
	backtraceCommand := &cobra.Command{
		Use:     "backtrace [addr]",
		Aliases: []string{"bt"},
		Short:   "Print the call stack of the stopped emulator and exit.",
		Args:    cobra.MaximumNArgs(1),
		Run:     backtraceCmd,
	}
	backtraceCommand.Flags().IntVar(&stackDepth, "depth", 0, "Maximum number of frames to print.")
	backtraceCommand.Flags().BoolVar(&offsets, "offsets", false, "Print the stack and frame pointer of each frame.")
	rootCommand.AddCommand(backtraceCommand)

	// 'frame' subcommand.
	frameCommand := &cobra.Command{
		Use:   "frame pc [addr]",
		Short: "Print the function the emulator reports for pc and exit.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return errors.New("you must provide a program counter")
			}
			if len(args) > 2 {
				return errors.New("too many arguments")
			}
			return nil
		},
		Run: frameCmd,
	}
	rootCommand.AddCommand(frameCommand)

	// 'dap' subcommand.
	dapCommand := &cobra.Command{
		Use:   "dap",
		Short: "Starts a headless TCP server communicating via Debug Adaptor Protocol (DAP).",
		Long: `Starts a headless TCP server communicating via Debug Adaptor Protocol (DAP).

The server is always headless and requires a DAP client like VS Code to connect and
request an attach. The attach request must name the emulator address with the
"remote" attribute unless the configuration file provides one. The server
exits when the client disconnects or on Ctrl-C.

With --client-addr poserdbg connects to a DAP client listening at that
address instead of listening itself.`,
		Run: dapCmd,
	}
	dapCommand.Flags().StringVarP(&addr, "listen", "l", "127.0.0.1:0", "Debugging server listen address.")
	dapCommand.Flags().StringVar(&clientAddr, "client-addr", "", "Address of a DAP client to connect to, instead of listening.")
	rootCommand.AddCommand(dapCommand)

	// 'version' subcommand.
	versionCommand := &cobra.Command{
		Use:   "version",
		Short: "Prints version.",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("poserdbg\n%s\n", version.PoserVersion)
			if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
				fmt.Printf("%s\n", version.BuildInfo())
			}
		},
	}
	versionCommand.Flags().BoolP("verbose", "v", false, "print verbose version info")
	rootCommand.AddCommand(versionCommand)

	rootCommand.AddCommand(&cobra.Command{
		Use:   "log",
		Short: "Help about logging flags.",
		Long: `Logging can be enabled by specifying the --log flag and using the
--log-output flag to select which components should produce logs.

The argument of --log-output must be a comma separated list of component
names selected from this list:


	unwind		Log frame pointer unwinding (default)
	gdbwire		Log the packets exchanged with the emulator
	resolve		Log frame queries and their answers
	debugger	Log debugger commands
	dap		Log all DAP messages

Additionally --log-dest can be used to specify where the logs should be
written.
If the argument is a number it will be interpreted as a file descriptor,
otherwise as a file path.
This option will also redirect the "DAP server listening at" message.

`,
	})

	defaultHelp := rootCommand.HelpFunc()
	rootCommand.SetHelpFunc(func(cmd *cobra.Command, args []string) {
		helphelpers.Prepare(cmd)
		defaultHelp(cmd, args)
	})

	rootCommand.DisableAutoGenTag = true

	return rootCommand
}

// debuggerConfig returns the configuration file settings overridden by the
// command line.
func debuggerConfig(args []string) *debugger.Config {
	c := debugger.ConfigFromFile(conf)
	if len(args) > 0 && args[0] != "" {
		c.Remote = args[0]
	}
	if symbolFile != "" {
		c.SymbolFile = symbolFile
	}
	return c
}

func connectCmd(cmd *cobra.Command, args []string) {
	os.Exit(connect(debuggerConfig(args)))
}

func backtraceCmd(cmd *cobra.Command, args []string) {
	os.Exit(withDebugger(debuggerConfig(args), func(d *debugger.Debugger) error {
		return terminal.PrintStacktrace(d, os.Stdout, stackDepth, offsets)
	}))
}

func frameCmd(cmd *cobra.Command, args []string) {
	pc, err := strconv.ParseUint(args[0], 0, 32)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid program counter: %s\n", args[0])
		os.Exit(1)
	}
	os.Exit(withDebugger(debuggerConfig(args[1:]), func(d *debugger.Debugger) error {
		return printFrame(d, os.Stdout, pc)
	}))
}

func printFrame(d *debugger.Debugger, out io.Writer, pc uint64) error {
	fn, ok, err := d.ResolveFunction(pc)
	if err != nil {
		return err
	}
	if !ok {
		fmt.Fprintf(out, "No function found at %#x\n", pc)
		return nil
	}
	fmt.Fprintf(out, "0x%08x-0x%08x %s\n", fn.Start, fn.End, fn.Name)
	return nil
}

// withDebugger connects to the emulator, runs fn and detaches.
func withDebugger(c *debugger.Config, fn func(*debugger.Debugger) error) int {
	if err := logflags.Setup(log, logOutput, logDest); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	defer logflags.Close()

	d, err := debugger.New(c)
	if err != nil {
		fmt.Fprintf(os.Stderr, "could not connect: %v\n", err)
		return 1
	}
	defer d.Detach()

	if err := fn(d); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	return 0
}

func connect(c *debugger.Config) int {
	if err := logflags.Setup(log, logOutput, logDest); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	defer logflags.Close()

	d, err := debugger.New(c)
	if err != nil {
		fmt.Fprintf(os.Stderr, "could not connect: %v\n", err)
		return 1
	}
	term := terminal.New(d, conf)
	term.InitFile = initFile
	status, err := term.Run()
	if err != nil {
		fmt.Println(err)
	}
	return status
}

func dapCmd(cmd *cobra.Command, args []string) {
	status := func() int {
		if err := logflags.Setup(log, logOutput, logDest); err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			return 1
		}
		defer logflags.Close()

		if len(args) > 0 {
			fmt.Fprintf(os.Stderr, "Warning: arguments ignored with dap; specify the remote via the attach request instead\n")
		}

		listener, err := dapListener()
		if err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			return 1
		}
		disconnectChan := make(chan struct{})
		server := dap.NewServer(&service.Config{
			Listener:       listener,
			DisconnectChan: disconnectChan,
			Debugger:       *debuggerConfig(nil),
		})
		defer server.Stop()

		server.Run()
		waitForDisconnectSignal(disconnectChan)
		return 0
	}()
	os.Exit(status)
}

// dapListener returns the listener the DAP server accepts its client from:
// a TCP listener on addr, or the connection to clientAddr.
func dapListener() (net.Listener, error) {
	if clientAddr != "" {
		conn, err := net.Dial("tcp", clientAddr)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to the DAP client: %v", err)
		}
		return service.ConnListener(conn), nil
	}
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("couldn't start listener: %s", err)
	}
	return listener, nil
}

// waitForDisconnectSignal is a blocking function that waits for either
// a SIGINT (Ctrl-C) signal from the OS or for disconnectChan to be closed
// by the server when the client disconnects.
func waitForDisconnectSignal(disconnectChan chan struct{}) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, unix.SIGINT)
	defer signal.Stop(ch)
	select {
	case <-ch:
	case <-disconnectChan:
	}
}
