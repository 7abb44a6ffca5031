// Package proc is a low-level package that reconstructs call stacks of a
// Palm OS application running inside the POSE emulator.
//
// proc implements the core functionality:
// * resolving the function that contains a pc through the stub's
//   qposer.Frame query, for code without debug information
// * unwinding a frame through the m68k link/unlk frame-pointer layout,
//   including the system call trap entry
// * choosing a display name for a frame
// * walking a whole stack with a priority ordered set of unwinders
//
package proc
