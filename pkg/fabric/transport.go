package fabric

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"rdma-rpc-go/pkg/bufpool"
	"rdma-rpc-go/pkg/metrics"
	"rdma-rpc-go/pkg/rpcerr"
	"rdma-rpc-go/pkg/wire"
)

// Transport wraps one Endpoint, one remote endpoint descriptor (carried
// inside the Endpoint itself) and two Buffer Pools: send and receive. One
// work-request id equals one buffer id in both pools, decoupling the
// completion stream from any application-level sequencing.
type Transport struct {
	ep       Endpoint
	sendPool *bufpool.Pool
	recvPool *bufpool.Pool

	// repostLimiter caps how often the harvest-then-repost loop inside
	// SendBurst may spin while it waits for a free send buffer, so a
	// persistently full send pool cannot turn into a tight CPU-burning
	// retry loop.
	repostLimiter *rate.Limiter

	stats *metrics.Collectors
}

// SetMetrics attaches a Collectors bundle that subsequent bursts and
// harvests will increment.
func (t *Transport) SetMetrics(stats *metrics.Collectors) { t.stats = stats }

// NewTransport builds a Transport over ep with send/recv pools of size
// poolSize and per-buffer capacity mtu, arming every receive buffer
// immediately so the Endpoint can start filling them.
func NewTransport(ep Endpoint, poolSize, mtu int) (*Transport, error) {
	t := &Transport{
		ep:            ep,
		sendPool:      bufpool.New(poolSize, mtu),
		recvPool:      bufpool.New(poolSize, mtu),
		repostLimiter: rate.NewLimiter(rate.Limit(2000), 10),
	}
	for id := 0; id < poolSize; id++ {
		buf, err := t.recvPool.Get(id)
		if err != nil {
			return nil, err
		}
		if err := t.ep.PostRecv(id, buf); err != nil {
			return nil, rpcerr.Wrap(rpcerr.KindTransport, err, "arm receive buffer")
		}
	}
	return t, nil
}

// Info reports this transport's own endpoint metadata.
func (t *Transport) Info() EndpointInfo {
	return t.ep.Info()
}

// Close releases the underlying endpoint.
func (t *Transport) Close() error {
	return t.ep.Close()
}

// harvestSendCompletions frees every send buffer whose post has completed.
func (t *Transport) harvestSendCompletions() error {
	for _, id := range t.ep.PollSendCompletions() {
		if err := t.sendPool.MarkFree(id); err != nil {
			return rpcerr.Wrap(rpcerr.KindInternal, err, "free send buffer")
		}
	}
	return nil
}

// SendBurst posts every packet in packets, harvesting completions to free
// buffers for reuse as needed. It returns once every packet has been
// posted.
func (t *Transport) SendBurst(packets []wire.Packet) error {
	pending := packets
	for len(pending) > 0 {
		if err := t.harvestSendCompletions(); err != nil {
			return err
		}

		var carry []wire.Packet
		for _, p := range pending {
			id, buf, ok := t.sendPool.AcquireFree()
			if !ok {
				if t.stats != nil {
					t.stats.PoolExhaustedTotal.Inc()
				}
				carry = append(carry, p)
				continue
			}
			encoded := wire.Encode(buf[:0], p)
			if err := t.ep.PostSend(id, encoded); err != nil {
				_ = t.sendPool.MarkFree(id)
				return rpcerr.Wrap(rpcerr.KindTransport, err, "post send")
			}
		}
		pending = carry

		if len(pending) > 0 {
			_ = t.repostLimiter.Wait(context.Background())
		}
	}
	return nil
}

// harvestAndDecode turns a batch of Completions into decoded Packets,
// re-posting every receive buffer regardless of decode outcome so a
// malformed datagram never leaks a slot.
func (t *Transport) harvestAndDecode(completions []Completion) []wire.Packet {
	var packets []wire.Packet
	for _, c := range completions {
		buf, err := t.recvPool.Get(c.BufID)
		if err != nil {
			continue
		}
		p, decodeErr := wire.Decode(buf[:c.N])
		if decodeErr == nil {
			packets = append(packets, p)
		} else if t.stats != nil {
			t.stats.CodecErrorsDropped.Inc()
		}
		_ = t.ep.PostRecv(c.BufID, buf)
	}
	return packets
}

// Recv blocks, busy-polling the receive completion queue, until at least
// one datagram has arrived, and returns every Packet decoded from this
// harvest. It never returns an empty slice.
func (t *Transport) Recv() ([]wire.Packet, error) {
	for {
		completions := t.ep.PollRecv()
		if len(completions) > 0 {
			packets := t.harvestAndDecode(completions)
			if len(packets) > 0 {
				return packets, nil
			}
			continue
		}
		time.Sleep(pollBackoff)
	}
}

// TryRecv performs a single non-blocking poll and returns whatever
// Packets were decoded, possibly none.
func (t *Transport) TryRecv() []wire.Packet {
	completions := t.ep.PollRecv()
	if len(completions) == 0 {
		return nil
	}
	return t.harvestAndDecode(completions)
}
