package api

// Control option codes understood by the base endpoint itself (depth 0).
// Filters and lower layers define their own option ranges starting at
// ControlOptDomainBase.
const (
	// ControlOptRaddr gets the remote address as a string.
	ControlOptRaddr = iota
	// ControlOptLaddr gets the local address as a string.
	ControlOptLaddr
	// ControlOptCloseTimeout gets/sets the graceful-close poll ceiling, in
	// nanoseconds, encoded as the decimal string form of an int64.
	ControlOptCloseTimeout
	// ControlOptOpenTimeout gets/sets the filter handshake ceiling, in
	// nanoseconds, encoded as the decimal string form of an int64. The
	// handshake aborts the open with TIMEDOUT once it elapses.
	ControlOptOpenTimeout
	// ControlOptDomainBase is the first option code available to
	// filter/lower-layer-specific options.
	ControlOptDomainBase = 1000
)

// AuxOOB marks a write or read event as out-of-band priority traffic.
const AuxOOB = "oob"

// HasAux reports whether tag is present in aux.
func HasAux(aux []string, tag string) bool {
	for _, a := range aux {
		if a == tag {
			return true
		}
	}
	return false
}
