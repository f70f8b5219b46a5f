// Package bufpool implements the Buffer Pool: a fixed-count set of
// pre-registered DMA-capable buffers, each capable of holding one
// MTU-sized packet, addressed by an integer id used as the hardware
// work-request tag.
package bufpool

import (
	"fmt"
	"sync"

	"rdma-rpc-go/pkg/rpcerr"
)

// Pool hands out and reclaims fixed-capacity buffers. A buffer is used iff
// it is currently either on a send queue awaiting completion or on a
// receive queue awaiting fill; AcquireFree/MarkFree are the only way that
// flag flips.
type Pool struct {
	mu      sync.Mutex
	buffers [][]byte
	used    []bool
	// next is a rotating search cursor so repeated acquires in a tight
	// loop do not always restart from slot 0 and starve higher-indexed
	// buffers.
	next int
}

// New constructs a Pool of n buffers of the given per-buffer capacity.
func New(n, capacity int) *Pool {
	p := &Pool{
		buffers: make([][]byte, n),
		used:    make([]bool, n),
	}
	for i := range p.buffers {
		p.buffers[i] = make([]byte, capacity)
	}
	return p
}

// Len returns the number of buffers in the pool.
func (p *Pool) Len() int {
	return len(p.buffers)
}

// AcquireFree returns the id and backing slice of any currently unused
// buffer, marking it used. The bool is false if none are free — a normal
// back-pressure signal, not an error.
func (p *Pool) AcquireFree() (id int, buf []byte, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(p.buffers)
	for i := 0; i < n; i++ {
		idx := (p.next + i) % n
		if !p.used[idx] {
			p.used[idx] = true
			p.next = (idx + 1) % n
			return idx, p.buffers[idx], true
		}
	}
	return 0, nil, false
}

// MarkFree releases the buffer with the given id back to the pool. It
// fails with an Internal error if the id never existed.
func (p *Pool) MarkFree(id int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if id < 0 || id >= len(p.buffers) {
		return rpcerr.New(rpcerr.KindInternal, fmt.Sprintf("bufpool: unknown id %d", id))
	}
	p.used[id] = false
	return nil
}

// Get returns a read-only handle to the buffer with the given id, used by
// the receive path to deserialise from a completed buffer before
// re-posting it.
func (p *Pool) Get(id int) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if id < 0 || id >= len(p.buffers) {
		return nil, rpcerr.New(rpcerr.KindInternal, fmt.Sprintf("bufpool: unknown id %d", id))
	}
	return p.buffers[id], nil
}
