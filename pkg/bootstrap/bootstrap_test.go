package bootstrap

import (
	"testing"

	"github.com/stretchr/testify/require"

	"rdma-rpc-go/pkg/fabric"
)

func TestHandshakeRoundTrip(t *testing.T) {
	srv, err := Listen("127.0.0.1:0")
	require.NoError(t, err)
	defer srv.Close()

	serverLocal := fabric.EndpointInfo{QPNum: 1, QKey: 2, Remote: "server-side"}
	clientLocal := fabric.EndpointInfo{QPNum: 3, QKey: 4, Remote: "client-side"}

	type acceptResult struct {
		info fabric.EndpointInfo
		id   uint64
		err  error
	}
	resultCh := make(chan acceptResult, 1)
	go func() {
		info, id, err := srv.Accept(func(fabric.EndpointInfo) (fabric.EndpointInfo, error) {
			return serverLocal, nil
		})
		resultCh <- acceptResult{info, id, err}
	}()

	gotServerInfo, sessionID, err := Dial(srv.Addr().String(), clientLocal)
	require.NoError(t, err)
	require.Equal(t, serverLocal, gotServerInfo)

	accepted := <-resultCh
	require.NoError(t, accepted.err)
	require.Equal(t, clientLocal, accepted.info)
	require.Equal(t, sessionID, accepted.id)
}

func TestSessionRegistryAvoidsCollisions(t *testing.T) {
	reg := newSessionRegistry()
	id1 := reg.Reserve()
	id2 := reg.Reserve()
	require.NotEqual(t, id1, id2)

	reg.Release(id1)
	id3 := reg.Reserve()
	require.NotEqual(t, id2, id3)
}
