// Command rdma-rpc-client dials a server's bootstrap listener, completes
// the handshake, and issues Get/Put calls against the key-value demo
// service over the resulting Session.
package main

import (
	"fmt"
	"net"
	"os"
	"strconv"

	"github.com/urfave/cli/v2"

	"rdma-rpc-go/examples/kv"
	"rdma-rpc-go/pkg/bootstrap"
	"rdma-rpc-go/pkg/config"
	"rdma-rpc-go/pkg/fabric"
	"rdma-rpc-go/pkg/logging"
	"rdma-rpc-go/pkg/rpcstub"
	"rdma-rpc-go/pkg/session"
)

// reserveLocalUDPAddr grabs an ephemeral UDP port by briefly binding and
// releasing it, so its address can be published to the server before the
// real connected socket is dialed. This leaves a small window where
// another process could take the port; acceptable for a demo client.
func reserveLocalUDPAddr() (string, error) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4zero, Port: 0})
	if err != nil {
		return "", err
	}
	addr := conn.LocalAddr().String()
	if err := conn.Close(); err != nil {
		return "", err
	}
	return addr, nil
}

const version = "0.1.0"

func main() {
	app := &cli.App{
		Name:    "rdma-rpc-client",
		Usage:   "issues get/put calls against the key-value demo service",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "connect", Value: "127.0.0.1:7777", Usage: "server bootstrap TCP address"},
			&cli.IntFlag{Name: "mtu", Value: config.DefaultMTU},
			&cli.IntFlag{Name: "window", Value: config.DefaultWindow},
			&cli.IntFlag{Name: "pool-size", Value: config.DefaultPoolSize},
			&cli.IntFlag{Name: "poll-tries", Value: config.DefaultPollTries},
		},
		Commands: []*cli.Command{
			{
				Name:      "get",
				Usage:     "fetch a key",
				ArgsUsage: "<key>",
				Action:    runGet,
			},
			{
				Name:      "put",
				Usage:     "store a key/value pair",
				ArgsUsage: "<key> <value>",
				Action:    runPut,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		logging.Fatal(nil, "%v", err)
	}
}

func connect(c *cli.Context) (*session.Session, error) {
	cfg := config.Default()
	cfg.MTU = c.Int("mtu")
	cfg.Window = c.Int("window")
	cfg.PoolSize = c.Int("pool-size")
	cfg.PollTries = c.Int("poll-tries")

	// The client must publish its own UD endpoint address before it
	// knows the server's, so it reserves a local UDP port first, learns
	// the server's address from the handshake reply, then dials.
	localAddr, err := reserveLocalUDPAddr()
	if err != nil {
		return nil, err
	}

	serverInfo, sessionID, err := bootstrap.Dial(c.String("connect"), fabric.EndpointInfo{Remote: localAddr})
	if err != nil {
		return nil, err
	}

	ep, err := fabric.NewUDPEndpoint(localAddr, serverInfo.Remote)
	if err != nil {
		return nil, err
	}

	transport, err := fabric.NewTransport(ep, cfg.PoolSize, cfg.MTU)
	if err != nil {
		return nil, err
	}

	return session.New(transport, sessionID, cfg), nil
}

func runGet(c *cli.Context) error {
	if c.Args().Len() != 1 {
		return fmt.Errorf("usage: get <key>")
	}
	key, err := strconv.ParseInt(c.Args().Get(0), 10, 32)
	if err != nil {
		return err
	}

	sess, err := connect(c)
	if err != nil {
		return err
	}
	defer sess.Close()

	client := rpcstub.NewClientStub[kv.Request, kv.Response](sess)
	resp, err := client.Call(kv.Get(int32(key)))
	if err != nil {
		return err
	}
	if !resp.Found {
		fmt.Printf("%d: <not found>\n", key)
		return nil
	}
	fmt.Printf("%d: %d\n", key, resp.Value)
	return nil
}

func runPut(c *cli.Context) error {
	if c.Args().Len() != 2 {
		return fmt.Errorf("usage: put <key> <value>")
	}
	key, err := strconv.ParseInt(c.Args().Get(0), 10, 32)
	if err != nil {
		return err
	}
	value, err := strconv.ParseInt(c.Args().Get(1), 10, 32)
	if err != nil {
		return err
	}

	sess, err := connect(c)
	if err != nil {
		return err
	}
	defer sess.Close()

	client := rpcstub.NewClientStub[kv.Request, kv.Response](sess)
	if _, err := client.Call(kv.Put(int32(key), int32(value))); err != nil {
		return err
	}
	fmt.Printf("ok\n")
	return nil
}
