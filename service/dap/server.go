// Package dap implements VSCode's Debug Adaptor Protocol (DAP).
// This allows poserdbg to communicate with frontends using DAP
// without a separate adaptor. The frontend runs the debugger
// (which now doubles as an adaptor) in server mode listening on
// a port and communicating over TCP. The server only supports
// synchronous request-response communication, blocking while
// processing each request.
// For DAP details see https://microsoft.github.io/debug-adapter-protocol.
package dap

import (
	"bufio"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"

	"github.com/google/go-dap"
	"github.com/sirupsen/logrus"

	"github.com/csnover/Retro68/pkg/logflags"
	"github.com/csnover/Retro68/pkg/proc"
	"github.com/csnover/Retro68/service"
	"github.com/csnover/Retro68/service/debugger"
)

// threadID is the id of the only thread, the emulated CPU.
const threadID = 1

// maxReadMemory bounds the size of a single readMemory request.
const maxReadMemory = 1 << 16

// Server implements a DAP server that can accept a single client for
// a single debug session. It does not support restarting.
// The server operates via two goroutines:
// (1) Main goroutine where the server is created via NewServer(),
// started via Run() and stopped via Stop().
// (2) Run goroutine started from Run() that accepts a client connection,
// reads, decodes and processes each request, issuing commands to the
// underlying debugger and sending back events and responses.
type Server struct {
	// config is all the information necessary to start the debugger and server.
	config *service.Config
	// listener is used to accept the client connection.
	listener net.Listener
	// conn is the accepted client connection.
	conn net.Conn
	// stopChan is closed when the server is Stop()-ed. This can be used to signal
	// to goroutines run by the server that it's time to quit.
	stopChan chan struct{}
	// reader is used to read requests from the connection.
	reader *bufio.Reader
	// debugger is the underlying debugger service.
	debugger *debugger.Debugger
	// log is used for structured logging.
	log *logrus.Entry
	// stackFrameHandles maps frames to unique ids.
	stackFrameHandles *frameHandlesMap
	// registerHandles maps the registers scope of a frame to a unique reference.
	registerHandles *frameHandlesMap
	// args tracks special settings for handling debug session requests.
	args attachArgs
}

// attachArgs captures arguments from the attach request that
// impact handling of subsequent requests.
type attachArgs struct {
	// stackTraceDepth is the maximum length of the returned list of stack frames.
	stackTraceDepth int
}

// defaultArgs borrows the defaults for the arguments from the original vscode-go adapter.
var defaultArgs = attachArgs{
	stackTraceDepth: 50,
}

// NewServer creates a new DAP Server. It takes an opened Listener
// via config and assumes its ownership. config.DisconnectChan has to be set;
// it will be closed by the server when the client disconnects or requests
// shutdown. Once DisconnectChan is closed, Server.Stop() must be called.
func NewServer(config *service.Config) *Server {
	logger := logflags.DAPLogger()
	logflags.WriteDAPListeningMessage(config.Listener.Addr().String())
	args := defaultArgs
	if config.Debugger.MaxStackDepth > 0 {
		args.stackTraceDepth = config.Debugger.MaxStackDepth
	}
	return &Server{
		config:            config,
		listener:          config.Listener,
		stopChan:          make(chan struct{}),
		log:               logger,
		stackFrameHandles: newFrameHandlesMap(),
		registerHandles:   newFrameHandlesMap(),
		args:              args,
	}
}

// Stop stops the DAP debugger service, closes the listener and the client
// connection. It detaches from the target, which keeps running. This
// method mustn't be called more than once.
func (s *Server) Stop() {
	s.listener.Close()
	close(s.stopChan)
	if s.conn != nil {
		// Unless Stop() was called after serveDAPCodec()
		// returned, this will result in closed connection error
		// on next read, breaking out of the read loop and
		// allowing the run goroutine to exit.
		s.conn.Close()
	}
	if s.debugger != nil {
		if err := s.debugger.Detach(); err != nil {
			s.log.Error(err)
		}
	}
}

// signalDisconnect closes config.DisconnectChan if not nil, which
// signals that the client disconnected or there was a client
// connection failure. Since the server currently services only one
// client, this can be used as a signal to the entire server via
// Stop(). The function safeguards against closing the channel more
// than once and can be called multiple times. It is not thread-safe
// and is only called from the run goroutine.
func (s *Server) signalDisconnect() {
	if s.config.DisconnectChan != nil {
		close(s.config.DisconnectChan)
		s.config.DisconnectChan = nil
	}
}

// Run launches a new goroutine where it accepts a client connection
// and starts processing requests from it. Use Stop() to close connection.
// The server does not support multiple clients, serially or in parallel.
// The server should be restarted for every new debug session.
// The debugger won't be started until the attach request is received.
func (s *Server) Run() {
	go func() {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.stopChan:
			default:
				s.log.Errorf("Error accepting client connection: %s\n", err)
			}
			s.signalDisconnect()
			return
		}
		s.conn = conn
		s.serveDAPCodec()
	}()
}

// serveDAPCodec reads and decodes requests from the client
// until it encounters an error or EOF, when it sends
// the disconnect signal and returns.
func (s *Server) serveDAPCodec() {
	defer s.signalDisconnect()
	s.reader = bufio.NewReader(s.conn)
	for {
		request, err := dap.ReadProtocolMessage(s.reader)
		if err != nil {
			stopRequested := false
			select {
			case <-s.stopChan:
				stopRequested = true
			default:
			}
			if err != io.EOF && !stopRequested {
				s.log.Error("DAP error: ", err)
			}
			return
		}
		s.handleRequest(request)
		if _, ok := request.(*dap.DisconnectRequest); ok {
			return
		}
	}
}

func (s *Server) handleRequest(request dap.Message) {
	defer func() {
		// In case a handler panics, we catch the panic and send an error response
		// back to the client.
		if ierr := recover(); ierr != nil {
			s.sendInternalErrorResponse(request.GetSeq(), fmt.Sprintf("%v", ierr))
		}
	}()

	jsonmsg, _ := json.Marshal(request)
	s.log.Debug("[<- from client]", string(jsonmsg))

	switch request := request.(type) {
	case *dap.InitializeRequest:
		// Required
		s.onInitializeRequest(request)
	case *dap.LaunchRequest:
		// Required
		// The emulator is always started by the user.
		s.sendErrorResponse(request.Request, UnsupportedCommand, "Unsupported command",
			"poserdbg can only attach to a running emulator")
	case *dap.AttachRequest:
		// Required
		s.onAttachRequest(request)
	case *dap.DisconnectRequest:
		// Required
		s.onDisconnectRequest(request)
	case *dap.SetBreakpointsRequest:
		// Required
		s.onSetBreakpointsRequest(request)
	case *dap.SetExceptionBreakpointsRequest:
		// Optional (capability ‘exceptionBreakpointFilters’)
		s.onSetExceptionBreakpointsRequest(request)
	case *dap.ConfigurationDoneRequest:
		// Optional (capability ‘supportsConfigurationDoneRequest’)
		s.onConfigurationDoneRequest(request)
	case *dap.ThreadsRequest:
		// Required
		s.onThreadsRequest(request)
	case *dap.StackTraceRequest:
		// Required
		s.onStackTraceRequest(request)
	case *dap.ScopesRequest:
		// Required
		s.onScopesRequest(request)
	case *dap.VariablesRequest:
		// Required
		s.onVariablesRequest(request)
	case *dap.ReadMemoryRequest:
		// Optional (capability ‘supportsReadMemoryRequest‘)
		s.onReadMemoryRequest(request)
	case *dap.ContinueRequest:
		// Required, execution control belongs to the emulator.
		s.sendUnsupportedErrorResponse(request.Request)
	case *dap.NextRequest:
		// Required
		s.sendUnsupportedErrorResponse(request.Request)
	case *dap.StepInRequest:
		// Required
		s.sendUnsupportedErrorResponse(request.Request)
	case *dap.StepOutRequest:
		// Required
		s.sendUnsupportedErrorResponse(request.Request)
	case *dap.PauseRequest:
		// Required
		s.sendUnsupportedErrorResponse(request.Request)
	case *dap.EvaluateRequest:
		// Required
		s.sendNotYetImplementedErrorResponse(request.Request)
	case *dap.SourceRequest:
		// Required
		// There is no source for the frames unwound by poserdbg.
		s.sendUnsupportedErrorResponse(request.Request)
	case *dap.TerminateRequest:
		s.sendUnsupportedErrorResponse(request.Request)
	case *dap.RestartRequest:
		s.sendUnsupportedErrorResponse(request.Request)
	case *dap.SetFunctionBreakpointsRequest:
		s.sendUnsupportedErrorResponse(request.Request)
	case *dap.StepBackRequest:
		s.sendUnsupportedErrorResponse(request.Request)
	case *dap.ReverseContinueRequest:
		s.sendUnsupportedErrorResponse(request.Request)
	case *dap.RestartFrameRequest:
		s.sendUnsupportedErrorResponse(request.Request)
	case *dap.GotoRequest:
		s.sendUnsupportedErrorResponse(request.Request)
	case *dap.SetVariableRequest:
		s.sendUnsupportedErrorResponse(request.Request)
	case *dap.SetExpressionRequest:
		s.sendUnsupportedErrorResponse(request.Request)
	case *dap.TerminateThreadsRequest:
		s.sendUnsupportedErrorResponse(request.Request)
	case *dap.StepInTargetsRequest:
		s.sendUnsupportedErrorResponse(request.Request)
	case *dap.GotoTargetsRequest:
		s.sendUnsupportedErrorResponse(request.Request)
	case *dap.CompletionsRequest:
		s.sendUnsupportedErrorResponse(request.Request)
	case *dap.ExceptionInfoRequest:
		s.sendUnsupportedErrorResponse(request.Request)
	case *dap.LoadedSourcesRequest:
		s.sendUnsupportedErrorResponse(request.Request)
	case *dap.DataBreakpointInfoRequest:
		s.sendUnsupportedErrorResponse(request.Request)
	case *dap.SetDataBreakpointsRequest:
		s.sendUnsupportedErrorResponse(request.Request)
	case *dap.DisassembleRequest:
		s.sendUnsupportedErrorResponse(request.Request)
	case *dap.CancelRequest:
		s.sendUnsupportedErrorResponse(request.Request)
	case *dap.BreakpointLocationsRequest:
		s.sendUnsupportedErrorResponse(request.Request)
	case *dap.ModulesRequest:
		s.sendUnsupportedErrorResponse(request.Request)
	default:
		// This is a DAP message that go-dap has a struct for, so
		// decoding succeeded, but this function does not know how
		// to handle.
		s.sendInternalErrorResponse(request.GetSeq(), fmt.Sprintf("Unable to process %#v\n", request))
	}
}

func (s *Server) send(message dap.Message) {
	jsonmsg, _ := json.Marshal(message)
	s.log.Debug("[-> to client]", string(jsonmsg))
	dap.WriteProtocolMessage(s.conn, message)
}

func (s *Server) onInitializeRequest(request *dap.InitializeRequest) {
	response := &dap.InitializeResponse{Response: *newResponse(request.Request)}
	response.Body.SupportsConfigurationDoneRequest = true
	response.Body.SupportsReadMemoryRequest = true
	response.Body.SupportsSetVariable = false
	response.Body.SupportsTerminateRequest = false
	response.Body.SupportsRestartRequest = false
	response.Body.SupportsFunctionBreakpoints = false
	response.Body.SupportsStepBack = false
	response.Body.SupportsSetExpression = false
	response.Body.SupportsLoadedSourcesRequest = false
	response.Body.SupportsDisassembleRequest = false
	response.Body.SupportsCancelRequest = false
	s.send(response)
}

func (s *Server) onAttachRequest(request *dap.AttachRequest) {
	if s.debugger != nil {
		s.sendErrorResponse(request.Request, FailedToAttach, "Failed to attach",
			"already attached to a target")
		return
	}

	var args AttachConfig
	if err := unmarshalAttachArgs(request.Arguments, &args); err != nil {
		s.sendErrorResponse(request.Request, FailedToAttach, "Failed to attach", err.Error())
		return
	}
	if !isValidAttachMode(args.Mode) {
		s.sendErrorResponse(request.Request, FailedToAttach, "Failed to attach",
			fmt.Sprintf("invalid debug configuration - unsupported 'mode' attribute %q", args.Mode))
		return
	}

	cfg := s.config.Debugger
	if args.Remote != "" {
		cfg.Remote = args.Remote
	}
	if cfg.Remote == "" {
		s.sendErrorResponse(request.Request, FailedToAttach, "Failed to attach",
			"The 'remote' attribute is missing in debug configuration.")
		return
	}
	if args.SymbolFile != "" {
		cfg.SymbolFile = args.SymbolFile
	}
	if args.FrameCacheSize > 0 {
		cfg.FrameCacheSize = args.FrameCacheSize
	}
	if args.TrapReturnOffset != nil {
		cfg.TrapReturnOffset = *args.TrapReturnOffset
	}
	if args.StackTraceDepth > 0 {
		s.args.stackTraceDepth = args.StackTraceDepth
		cfg.MaxStackDepth = args.StackTraceDepth
	}

	s.log.Debugf("attaching to %s", cfg.Remote)
	d, err := debugger.New(&cfg)
	if err != nil {
		s.sendErrorResponse(request.Request, FailedToAttach, "Failed to attach", err.Error())
		return
	}
	s.debugger = d

	// Notify the client that the debugger is ready to start accepting
	// configuration requests for setting breakpoints, etc. The client
	// will end the configuration sequence with 'configurationDone'.
	s.send(&dap.InitializedEvent{Event: *newEvent("initialized")})
	s.send(&dap.AttachResponse{Response: *newResponse(request.Request)})
}

// onDisconnectRequest handles the DisconnectRequest. Per the protocol,
// it disconnects the debuggee and signals that the debug adaptor
// (in our case this TCP server) can be terminated.
func (s *Server) onDisconnectRequest(request *dap.DisconnectRequest) {
	s.send(&dap.DisconnectResponse{Response: *newResponse(request.Request)})
	if s.debugger != nil {
		if err := s.debugger.Detach(); err != nil {
			s.log.Error(err)
		}
	}
	s.signalDisconnect()
}

func (s *Server) onSetBreakpointsRequest(request *dap.SetBreakpointsRequest) {
	// Breakpoints belong to the emulator's own debugger. Report every one
	// of them as unverified so the client does not wait for them.
	response := &dap.SetBreakpointsResponse{Response: *newResponse(request.Request)}
	response.Body.Breakpoints = make([]dap.Breakpoint, len(request.Arguments.Breakpoints))
	for i, b := range request.Arguments.Breakpoints {
		response.Body.Breakpoints[i].Line = b.Line
		response.Body.Breakpoints[i].Message = "breakpoints are not supported"
	}
	s.send(response)
}

func (s *Server) onSetExceptionBreakpointsRequest(request *dap.SetExceptionBreakpointsRequest) {
	// Unlike what DAP documentation claims, this request is always sent
	// even though we specified no filters at initialization. Handle as no-op.
	s.send(&dap.SetExceptionBreakpointsResponse{Response: *newResponse(request.Request)})
}

func (s *Server) onConfigurationDoneRequest(request *dap.ConfigurationDoneRequest) {
	s.send(&dap.ConfigurationDoneResponse{Response: *newResponse(request.Request)})
	if s.debugger == nil {
		return
	}
	// The stub only talks to us while the target is stopped.
	s.stackFrameHandles.reset()
	s.registerHandles.reset()
	s.send(&dap.StoppedEvent{
		Event: *newEvent("stopped"),
		Body:  dap.StoppedEventBody{Reason: "pause", ThreadId: threadID, AllThreadsStopped: true},
	})
}

func (s *Server) onThreadsRequest(request *dap.ThreadsRequest) {
	if s.debugger == nil {
		s.sendErrorResponse(request.Request, UnableToDisplayThreads, "Unable to display threads", "debugger is nil")
		return
	}
	response := &dap.ThreadsResponse{
		Response: *newResponse(request.Request),
		Body:     dap.ThreadsResponseBody{Threads: []dap.Thread{{Id: threadID, Name: "m68k"}}},
	}
	s.send(response)
}

// onStackTraceRequest handles ‘stackTrace’ requests.
// This is a mandatory request to support.
func (s *Server) onStackTraceRequest(request *dap.StackTraceRequest) {
	if s.debugger == nil {
		s.sendErrorResponse(request.Request, UnableToProduceStackTrace, "Unable to produce stack trace", "debugger is nil")
		return
	}
	if request.Arguments.ThreadId != threadID {
		s.sendErrorResponse(request.Request, UnableToProduceStackTrace, "Unable to produce stack trace",
			fmt.Sprintf("unknown thread %d", request.Arguments.ThreadId))
		return
	}
	frames, err := s.debugger.Stacktrace(s.args.stackTraceDepth)
	if err != nil {
		if len(frames) == 0 {
			s.sendErrorResponse(request.Request, UnableToProduceStackTrace, "Unable to produce stack trace", err.Error())
			return
		}
		// Show what was found before the walk went wrong.
		s.log.Warnf("stack trace truncated: %v", err)
	}

	// A request for the top of the stack starts a new trace and drops the
	// handles of the previous one. Later pages keep adding to it.
	start := max(request.Arguments.StartFrame, 0)
	if start == 0 {
		s.stackFrameHandles.reset()
		s.registerHandles.reset()
	}

	page := frames[min(start, len(frames)):]
	if request.Arguments.Levels > 0 {
		page = page[:min(request.Arguments.Levels, len(page))]
	}
	stackFrames := make([]dap.StackFrame, len(page))
	for i, frame := range page {
		stackFrames[i] = dap.StackFrame{
			Id:                          s.stackFrameHandles.create(frame),
			Name:                        frame.Function,
			InstructionPointerReference: fmt.Sprintf("0x%08x", frame.PC),
		}
		if frame.Function == "" || frame.Function == proc.UnknownFunction {
			stackFrames[i].Name = proc.UnknownFunction
			stackFrames[i].PresentationHint = "subtle"
		}
	}
	response := &dap.StackTraceResponse{
		Response: *newResponse(request.Request),
		Body:     dap.StackTraceResponseBody{StackFrames: stackFrames, TotalFrames: len(frames)},
	}
	s.send(response)
}

// onScopesRequest handles 'scopes' requests.
// This is a mandatory request to support.
// Every frame has a single scope holding the registers recovered for it.
func (s *Server) onScopesRequest(request *dap.ScopesRequest) {
	frame, ok := s.stackFrameHandles.get(request.Arguments.FrameId)
	if !ok {
		s.sendErrorResponse(request.Request, UnableToListLocals, "Unable to list locals", fmt.Sprintf("unknown frame id %d", request.Arguments.FrameId))
		return
	}
	scope := dap.Scope{
		Name:               "Registers",
		PresentationHint:   "registers",
		VariablesReference: s.registerHandles.create(frame),
		NamedVariables:     3,
	}
	s.send(&dap.ScopesResponse{
		Response: *newResponse(request.Request),
		Body:     dap.ScopesResponseBody{Scopes: []dap.Scope{scope}},
	})
}

// onVariablesRequest handles 'variables' requests.
// This is a mandatory request to support.
func (s *Server) onVariablesRequest(request *dap.VariablesRequest) {
	frame, ok := s.registerHandles.get(request.Arguments.VariablesReference)
	if !ok {
		s.sendErrorResponse(request.Request, UnableToLookupVariable, "Unable to lookup variable", fmt.Sprintf("unknown reference %d", request.Arguments.VariablesReference))
		return
	}
	reg := func(name string, v uint64) dap.Variable {
		value := fmt.Sprintf("0x%08x", v)
		return dap.Variable{Name: name, Value: value, Type: "uint32", MemoryReference: value}
	}
	variables := []dap.Variable{reg("pc", frame.PC), reg("sp", frame.SP), reg("fp", frame.FP)}
	s.send(&dap.VariablesResponse{
		Response: *newResponse(request.Request),
		Body:     dap.VariablesResponseBody{Variables: variables},
	})
}

// onReadMemoryRequest handles 'readMemory' requests.
func (s *Server) onReadMemoryRequest(request *dap.ReadMemoryRequest) {
	if s.debugger == nil {
		s.sendErrorResponse(request.Request, UnableToReadMemory, "Unable to read memory", "debugger is nil")
		return
	}
	ref := strings.TrimPrefix(strings.ToLower(request.Arguments.MemoryReference), "0x")
	base, err := strconv.ParseUint(ref, 16, 32)
	if err != nil {
		s.sendErrorResponse(request.Request, UnableToReadMemory, "Unable to read memory",
			fmt.Sprintf("invalid memory reference %q", request.Arguments.MemoryReference))
		return
	}
	count := request.Arguments.Count
	if count < 0 || count > maxReadMemory {
		s.sendErrorResponse(request.Request, UnableToReadMemory, "Unable to read memory",
			fmt.Sprintf("count must be between 0 and %d", maxReadMemory))
		return
	}
	addr := uint64(int64(base) + int64(request.Arguments.Offset))
	buf := make([]byte, count)
	if err := s.debugger.ReadMemory(buf, addr); err != nil {
		s.sendErrorResponse(request.Request, UnableToReadMemory, "Unable to read memory", err.Error())
		return
	}
	s.send(&dap.ReadMemoryResponse{
		Response: *newResponse(request.Request),
		Body: dap.ReadMemoryResponseBody{
			Address: fmt.Sprintf("0x%08x", addr),
			Data:    base64.StdEncoding.EncodeToString(buf),
		},
	})
}

func (s *Server) sendErrorResponse(request dap.Request, id int, summary, details string) {
	er := &dap.ErrorResponse{}
	er.Type = "response"
	er.Command = request.Command
	er.RequestSeq = request.Seq
	er.Success = false
	er.Message = summary
	er.Body.Error = &dap.ErrorMessage{
		Id:     id,
		Format: fmt.Sprintf("%s: %s", summary, details),
	}
	s.log.Error(er.Body.Error.Format)
	s.send(er)
}

// sendInternalErrorResponse sends an "internal error" response back to the client.
// We only take a seq here because we don't want to make assumptions about the
// kind of message received by the server that this error is a reply to.
func (s *Server) sendInternalErrorResponse(seq int, details string) {
	er := &dap.ErrorResponse{}
	er.Type = "response"
	er.RequestSeq = seq
	er.Success = false
	er.Message = "Internal Error"
	er.Body.Error = &dap.ErrorMessage{
		Id:     InternalError,
		Format: fmt.Sprintf("%s: %s", er.Message, details),
	}
	s.log.Error(er.Body.Error.Format)
	s.send(er)
}

func (s *Server) sendUnsupportedErrorResponse(request dap.Request) {
	s.sendErrorResponse(request, UnsupportedCommand, "Unsupported command",
		fmt.Sprintf("cannot process '%s' request", request.Command))
}

func (s *Server) sendNotYetImplementedErrorResponse(request dap.Request) {
	s.sendErrorResponse(request, NotYetImplemented, "Not yet implemented",
		fmt.Sprintf("cannot process '%s' request", request.Command))
}

func newResponse(request dap.Request) *dap.Response {
	return &dap.Response{
		ProtocolMessage: dap.ProtocolMessage{
			Seq:  0,
			Type: "response",
		},
		Command:    request.Command,
		RequestSeq: request.Seq,
		Success:    true,
	}
}

func newEvent(event string) *dap.Event {
	return &dap.Event{
		ProtocolMessage: dap.ProtocolMessage{
			Seq:  0,
			Type: "event",
		},
		Event: event,
	}
}
