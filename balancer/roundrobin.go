package balancer

import (
	"sync/atomic"

	"google.golang.org/grpc/connectivity"
)

// RoundRobinName is the registered name of the round-robin policy.
const RoundRobinName = "round_robin"

func init() {
	RegisterPolicy(RoundRobinName, func() Policy { return &roundRobin{} })
}

// roundRobin connects every subchannel and spreads picks evenly over the
// Ready ones. The counter survives picker rebuilds so distribution stays
// even as membership changes.
type roundRobin struct {
	next atomic.Uint64
}

func (*roundRobin) Name() string { return RoundRobinName }

func (rr *roundRobin) Rebuild(scs []*Subchannel) Picker {
	var ready []*Subchannel
	for _, sc := range scs {
		switch sc.State() {
		case connectivity.Idle:
			sc.connect()
		case connectivity.Ready:
			ready = append(ready, sc)
		}
	}
	if len(ready) == 0 {
		return errPicker{ErrNoSubchannel}
	}
	return &rrPicker{scs: ready, next: &rr.next}
}

type rrPicker struct {
	scs  []*Subchannel
	next *atomic.Uint64
}

// Pick is lock-free: an atomically incremented counter modulo the Ready list
// length cycles through all subchannels before repeating.
func (p *rrPicker) Pick() (*Subchannel, error) {
	n := p.next.Add(1) - 1
	return p.scs[n%uint64(len(p.scs))], nil
}
