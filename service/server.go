package service

// Server serves a Debugger to a single client.
type Server interface {
	// Run starts serving in the background.
	Run()
	// Stop closes the client connection and detaches from the target.
	Stop()
}
