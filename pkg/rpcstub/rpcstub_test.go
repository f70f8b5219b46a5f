package rpcstub

import (
	"testing"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/require"
)

// pipeSession is a loopback session fake: Send on one end feeds Recv on
// the peer end via an in-process channel, round-tripping through JSON the
// same way the real Session's typed framing does.
type pipeSession struct {
	out chan<- []byte
	in  <-chan []byte
}

func newPipePair() (*pipeSession, *pipeSession) {
	ab := make(chan []byte, 8)
	ba := make(chan []byte, 8)
	return &pipeSession{out: ab, in: ba}, &pipeSession{out: ba, in: ab}
}

func (p *pipeSession) Send(value interface{}) error {
	b, err := json.Marshal(value)
	if err != nil {
		return err
	}
	p.out <- b
	return nil
}

func (p *pipeSession) Recv(v interface{}) error {
	b := <-p.in
	return json.Unmarshal(b, v)
}

type args struct {
	Key int
}

type resp struct {
	Value int
	Found bool
}

type echoHandler struct {
	store map[int]int
}

func (h *echoHandler) Handle(a args) (resp, error) {
	v, ok := h.store[a.Key]
	return resp{Value: v, Found: ok}, nil
}

func TestClientServerStubRoundTrip(t *testing.T) {
	clientSide, serverSide := newPipePair()

	client := NewClientStub[args, resp](clientSide)
	server := NewServerStub[args, resp](serverSide, &echoHandler{store: map[int]int{7: 70}})

	done := make(chan struct{})
	go func() {
		_ = server.ServeOne()
	}()

	r, err := client.Call(args{Key: 7})
	require.NoError(t, err)
	require.True(t, r.Found)
	require.Equal(t, 70, r.Value)
	close(done)
}
