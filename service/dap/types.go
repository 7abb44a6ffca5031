package dap

import (
	"encoding/json"
	"fmt"
)

type AttachMode string

// AttachMode is the type of an attach mode.
const (
	// "remote": connects to the emulator's debugging stub at the given address.
	RemoteAttachMode AttachMode = "remote"
)

func isValidAttachMode(mode AttachMode) bool {
	switch mode {
	case "", RemoteAttachMode:
		return true
	}
	return false
}

// AttachConfig is the collection of attach request attributes recognized by the poserdbg DAP implementation.
type AttachConfig struct {
	// Optional, "remote" is the only mode.
	Mode AttachMode `json:"mode,omitempty"`

	// Address of the emulator's debugging stub, as host:port.
	// Required unless the server was started with a default.
	Remote string `json:"remote,omitempty"`

	// ELF image with DWARF information for the application. Frames it
	// describes are not unwound through their frame pointer.
	SymbolFile string `json:"symbolFile,omitempty"`

	// Maximum depth of stack trace collected from the target.
	// (Default: `50`)
	StackTraceDepth int `json:"stackTraceDepth,omitempty"`

	// Number of resolved function names to remember. (Default: `0`)
	FrameCacheSize int `json:"frameCacheSize,omitempty"`

	// Byte distance between sp and the return address saved by the system
	// call trap. (Default: `8`)
	TrapReturnOffset *uint64 `json:"trapReturnOffset,omitempty"`
}

// unmarshalAttachArgs wraps unmarshalling of the attach request's
// arguments attribute. Upon unmarshal failure, it returns an error massaged
// to be suitable for end-users.
func unmarshalAttachArgs(input json.RawMessage, config *AttachConfig) error {
	if len(input) == 0 {
		return nil
	}
	if err := json.Unmarshal(input, config); err != nil {
		if uerr, ok := err.(*json.UnmarshalTypeError); ok {
			// Format json.UnmarshalTypeError error string in our own way. E.g.,
			//   "json: cannot unmarshal number into Go struct field AttachConfig.remote of type string"
			//   => "cannot unmarshal number into 'remote' of type string"
			typ := uerr.Type.String()
			if uerr.Field == "mode" {
				typ = "string"
			}
			return fmt.Errorf("cannot unmarshal %v into %q of type %v", uerr.Value, uerr.Field, typ)
		}
		return err
	}
	return nil
}
