// Command rdma-rpc-server accepts bootstrap handshakes on a TCP listener,
// opens a dedicated UDP-backed datagram endpoint per client, and serves
// the key-value demonstration RPC over each resulting Session.
package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/xid"
	"github.com/urfave/cli/v2"

	"rdma-rpc-go/examples/kv"
	"rdma-rpc-go/pkg/bootstrap"
	"rdma-rpc-go/pkg/config"
	"rdma-rpc-go/pkg/fabric"
	"rdma-rpc-go/pkg/logging"
	"rdma-rpc-go/pkg/metrics"
	"rdma-rpc-go/pkg/rpcstub"
	"rdma-rpc-go/pkg/session"
)

const version = "0.1.0"

func main() {
	app := &cli.App{
		Name:    "rdma-rpc-server",
		Usage:   "serves the key-value demo RPC over a reliable datagram session",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "listen", Value: "0.0.0.0:7777", Usage: "bootstrap TCP listen address"},
			&cli.StringFlag{Name: "metrics-listen", Value: "", Usage: "Prometheus HTTP listen address; empty disables it"},
			&cli.IntFlag{Name: "mtu", Value: config.DefaultMTU},
			&cli.IntFlag{Name: "window", Value: config.DefaultWindow},
			&cli.IntFlag{Name: "pool-size", Value: config.DefaultPoolSize},
			&cli.IntFlag{Name: "poll-tries", Value: config.DefaultPollTries},
			&cli.DurationFlag{Name: "idle-timeout", Value: config.DefaultIdleTimeout, Usage: "tear down a session that has seen no wire activity for this long"},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		logging.Fatal(nil, "%v", err)
	}
}

func run(c *cli.Context) error {
	logging.Banner("rdma-rpc-server", version)

	cfg := config.Default()
	cfg.MTU = c.Int("mtu")
	cfg.Window = c.Int("window")
	cfg.PoolSize = c.Int("pool-size")
	cfg.PollTries = c.Int("poll-tries")

	registry := prometheus.NewRegistry()
	if addr := c.String("metrics-listen"); addr != "" {
		startMetricsServer(addr, registry)
	}

	srv, err := bootstrap.Listen(c.String("listen"))
	if err != nil {
		return err
	}
	defer srv.Close()
	logging.Info(logging.Fields{"addr": srv.Addr().String()}, "listening for bootstrap handshakes")

	store := kv.NewStore()
	live := newLiveSessions()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	idleDone := make(chan struct{})
	defer close(idleDone)
	go idleSweepLoop(live, c.Duration("idle-timeout"), idleDone)

	acceptErrCh := make(chan error, 1)
	var wg sync.WaitGroup
	go acceptLoop(srv, cfg, store, registry, live, &wg, acceptErrCh)

	select {
	case err := <-acceptErrCh:
		logging.Error(nil, "accept loop stopped: %v", err)
	case sig := <-sigCh:
		logging.Warn(nil, "received signal %v, shutting down", sig)
		srv.Close()
	}
	wg.Wait()
	return nil
}

func acceptLoop(srv *bootstrap.Server, cfg config.Config, store *kv.Store, registry *prometheus.Registry, live *liveSessions, wg *sync.WaitGroup, errCh chan<- error) {
	for {
		clientInfo, sessionID, ep, err := acceptOne(srv)
		if err != nil {
			errCh <- err
			return
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			serveClient(srv, ep, sessionID, clientInfo, cfg, store, registry, live)
		}()
	}
}

// liveSessions tracks the sessions currently being served so the idle
// sweep can find them without reaching into serveClient's goroutines.
type liveSessions struct {
	mu       sync.Mutex
	sessions map[uint64]*session.Session
}

func newLiveSessions() *liveSessions {
	return &liveSessions{sessions: make(map[uint64]*session.Session)}
}

func (l *liveSessions) add(id uint64, sess *session.Session) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sessions[id] = sess
}

func (l *liveSessions) remove(id uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.sessions, id)
}

func (l *liveSessions) snapshot() map[uint64]*session.Session {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[uint64]*session.Session, len(l.sessions))
	for id, sess := range l.sessions {
		out[id] = sess
	}
	return out
}

// idleSweepLoop periodically closes sessions that have observed no wire
// activity for timeout; each Close publishes EventClosed, which
// serveClient has registered a handler for to free the session id back to
// the bootstrap server. Modeled on the reference server's periodic
// stale-session cleanup ticker; the sweep interval is a quarter of the
// timeout so a session is never held open much past its deadline.
func idleSweepLoop(live *liveSessions, timeout time.Duration, done <-chan struct{}) {
	interval := timeout / 4
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			for id, sess := range live.snapshot() {
				if sess.IdleSince() < timeout {
					continue
				}
				logging.Warn(logging.Fields{"session_id": id}, "closing idle session")
				_ = sess.Close()
			}
		}
	}
}

// acceptOne performs one bootstrap handshake, binding a fresh UDP
// endpoint addressed at the client's published remote once it is known.
func acceptOne(srv *bootstrap.Server) (fabric.EndpointInfo, uint64, *fabric.UDPEndpoint, error) {
	var ep *fabric.UDPEndpoint
	clientInfo, sessionID, err := srv.Accept(func(clientInfo fabric.EndpointInfo) (fabric.EndpointInfo, error) {
		var err error
		ep, err = fabric.NewUDPEndpoint("0.0.0.0:0", clientInfo.Remote)
		if err != nil {
			return fabric.EndpointInfo{}, err
		}
		return ep.Info(), nil
	})
	if err != nil {
		return fabric.EndpointInfo{}, 0, nil, err
	}
	return clientInfo, sessionID, ep, nil
}

func serveClient(srv *bootstrap.Server, ep *fabric.UDPEndpoint, sessionID uint64, clientInfo fabric.EndpointInfo, cfg config.Config, store *kv.Store, registry *prometheus.Registry, live *liveSessions) {
	correlation := xid.New().String()
	fields := logging.Fields{"correlation_id": correlation, "session_id": sessionID, "peer": clientInfo.Remote}
	logging.Info(fields, "session opened")

	transport, err := fabric.NewTransport(ep, cfg.PoolSize, cfg.MTU)
	if err != nil {
		logging.Error(fields, "build transport: %v", err)
		srv.ReleaseSession(sessionID)
		return
	}

	stats := metrics.New(prometheus.Labels{"session_id": fmt.Sprint(sessionID)})
	stats.MustRegister(registry)
	transport.SetMetrics(stats)

	sess := session.New(transport, sessionID, cfg)
	sess.SetMetrics(stats)
	live.add(sessionID, sess)
	sess.Events().Register(session.EventClosed, func(session.Event) {
		live.remove(sessionID)
		srv.ReleaseSession(sessionID)
		logging.Info(fields, "session closed")
	})
	defer func() { _ = sess.Close() }()

	server := rpcstub.NewServerStub[kv.Request, kv.Response](sess, store)
	done := make(chan struct{})
	if err := server.Serve(done); err != nil {
		logging.Warn(fields, "session ended: %v", err)
	}
}

func startMetricsServer(addr string, registry *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	go func() {
		if err := http.ListenAndServe(addr, mux); err != nil {
			logging.Error(logging.Fields{"addr": addr}, "metrics server stopped: %v", err)
		}
	}()
	logging.Info(logging.Fields{"addr": addr}, "metrics server listening")
}
