package muxfilter

import (
	"github.com/corvidtech/iostack/api"
	"github.com/corvidtech/iostack/stack"
)

// newClientEndpoint wraps a just-opened yamux stream as a ready-to-use
// Endpoint: the stream needs no further handshake, so Open is driven here
// rather than left to the caller.
func newClientEndpoint(osf api.OSFuncs, ll api.LowerLayer, cb api.EventCB) (api.Endpoint, error) {
	ep := stack.New(osf, ll, cb)
	if err := ep.Open(func(error) {}); err != nil {
		return nil, err
	}
	return ep, nil
}

// newServerEndpoint wraps an accepted yamux stream the same way, from the
// accept side.
func newServerEndpoint(osf api.OSFuncs, ll api.LowerLayer, cb api.EventCB) api.Endpoint {
	ep := stack.NewServer(osf, ll, cb)
	_ = ep.Open(func(error) {})
	return ep
}
