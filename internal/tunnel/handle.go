package tunnel

// Handle is one live port-forwarding session. Wait blocks until the
// forwarding process exits; Kill tears it down.
type Handle struct {
	Target    string
	Endpoint  string
	LocalPort int

	wait func() error
	kill func() error
}

// Wait blocks until the underlying forwarding process terminates.
func (h *Handle) Wait() error {
	if h.wait == nil {
		return nil
	}
	return h.wait()
}

// Kill terminates the underlying forwarding process.
func (h *Handle) Kill() error {
	if h.kill == nil {
		return nil
	}
	return h.kill()
}
