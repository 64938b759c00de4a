// Package egress materializes plain RTP/UDP bindings that re-emit one
// producer's media to the external NDI bridge. One producer per egress
// transport; the RTP/RTCP port pair is frozen for the binding's lifetime.
package egress

import (
	"errors"
	"fmt"
	"sync"

	"github.com/Stefan-migo/MCR/internal/metrics"
)

var ErrPoolExhausted = errors.New("egress port pool exhausted")

// PortPair is one (RTP, RTCP) port allocation. RTP ports are even, RTCP is
// always RTP+1.
type PortPair struct {
	RTP  uint16
	RTCP uint16
}

// PortPool hands out port pairs from a fixed range disjoint from the
// worker's ICE range. Allocation either succeeds fully or leaves the pool
// untouched; release is idempotent.
type PortPool struct {
	mu    sync.Mutex
	free  []PortPair
	inUse map[uint16]PortPair
}

func NewPortPool(minPort, maxPort int) (*PortPool, error) {
	if minPort <= 0 || minPort > 65534 || maxPort < minPort+1 || maxPort > 65535 {
		return nil, fmt.Errorf("invalid egress port range %d-%d", minPort, maxPort)
	}
	p := &PortPool{inUse: make(map[uint16]PortPair)}
	start := minPort
	if start%2 != 0 {
		start++
	}
	for rtp := start; rtp+1 <= maxPort; rtp += 2 {
		p.free = append(p.free, PortPair{RTP: uint16(rtp), RTCP: uint16(rtp + 1)})
	}
	if len(p.free) == 0 {
		return nil, fmt.Errorf("egress port range %d-%d holds no port pair", minPort, maxPort)
	}
	metrics.EgressFreePortPairs.Set(float64(len(p.free)))
	return p, nil
}

// Acquire takes the lowest free pair. Pairs are handed out in order, so the
// first binding after startup always sits at the bottom of the range.
func (p *PortPool) Acquire() (PortPair, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.free) == 0 {
		return PortPair{}, ErrPoolExhausted
	}
	pair := p.free[0]
	p.free = p.free[1:]
	p.inUse[pair.RTP] = pair
	metrics.EgressFreePortPairs.Set(float64(len(p.free)))
	return pair, nil
}

// Release returns a pair to the pool. Releasing a pair twice, or one that
// was never acquired, is a no-op.
func (p *PortPool) Release(pair PortPair) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.inUse[pair.RTP]; !ok {
		return
	}
	delete(p.inUse, pair.RTP)
	p.free = append(p.free, pair)
	metrics.EgressFreePortPairs.Set(float64(len(p.free)))
}

// Free reports how many pairs are left.
func (p *PortPool) Free() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free)
}
