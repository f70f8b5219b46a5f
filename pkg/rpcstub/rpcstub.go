// Package rpcstub implements the thin RPC collaborator pair that sits on
// top of a Session: a client stub that serialises a request, sends it and
// waits for the typed response, and a server stub that loops receiving,
// dispatching to a handler, and replying.
package rpcstub

// RpcHandler is the generic contract a server-side handler implements:
// Handle receives one deserialised request and returns the response to
// send back, or an error to surface to the dispatch loop. The Args/Resp
// type parameters play the role of the associated types on the source
// implementation's handler trait.
type RpcHandler[Args any, Resp any] interface {
	Handle(args Args) (Resp, error)
}

// session is the subset of *session.Session the stubs need; declared
// locally so this package does not import pkg/session just to name a
// type, and so a test stub can satisfy it without a real Transport.
type session interface {
	Send(value interface{}) error
	Recv(v interface{}) error
}

// ClientStub issues one synchronous call at a time over a Session: the
// Session's own single-threaded contract means a second concurrent call
// would interleave on the wire, so ClientStub does not attempt to
// multiplex with a pending-request map the way a pipelined transport
// would.
type ClientStub[Args any, Resp any] struct {
	sess session
}

// NewClientStub builds a ClientStub bound to sess.
func NewClientStub[Args any, Resp any](sess session) *ClientStub[Args, Resp] {
	return &ClientStub[Args, Resp]{sess: sess}
}

// Call sends args and blocks for the typed response.
func (c *ClientStub[Args, Resp]) Call(args Args) (Resp, error) {
	var resp Resp
	if err := c.sess.Send(args); err != nil {
		return resp, err
	}
	if err := c.sess.Recv(&resp); err != nil {
		return resp, err
	}
	return resp, nil
}

// ServerStub loops receiving a request, dispatching to handler, and
// sending back the response, until Serve's caller stops calling it (via
// the passed done channel) or any receive, handler or send error occurs.
type ServerStub[Args any, Resp any] struct {
	sess    session
	handler RpcHandler[Args, Resp]
}

// NewServerStub builds a ServerStub bound to sess and handler.
func NewServerStub[Args any, Resp any](sess session, handler RpcHandler[Args, Resp]) *ServerStub[Args, Resp] {
	return &ServerStub[Args, Resp]{sess: sess, handler: handler}
}

// ServeOne receives exactly one request, dispatches it, and sends back
// the response. Serve is ServeOne looped until it errors or done closes.
func (s *ServerStub[Args, Resp]) ServeOne() error {
	var args Args
	if err := s.sess.Recv(&args); err != nil {
		return err
	}
	resp, err := s.handler.Handle(args)
	if err != nil {
		return err
	}
	return s.sess.Send(resp)
}

// Serve loops ServeOne until done is closed or ServeOne returns an error.
func (s *ServerStub[Args, Resp]) Serve(done <-chan struct{}) error {
	for {
		select {
		case <-done:
			return nil
		default:
		}
		if err := s.ServeOne(); err != nil {
			return err
		}
	}
}
