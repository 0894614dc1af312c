package balancer

import (
	"google.golang.org/grpc/connectivity"
)

// PickFirstName is the registered name of the pick-first policy. It is the
// default when no policy is configured.
const PickFirstName = "pick_first"

func init() {
	RegisterPolicy(PickFirstName, func() Policy { return &pickFirst{} })
}

// pickFirst sticks to a single Ready subchannel and sends every pick to it.
// While nothing is Ready it attempts candidates one at a time in list order,
// moving to the next only when the current attempt fails. A Ready subchannel
// is only abandoned when it leaves Ready.
type pickFirst struct {
	current *Subchannel
}

func (*pickFirst) Name() string { return PickFirstName }

func (pf *pickFirst) Rebuild(scs []*Subchannel) Picker {
	if pf.current != nil && pf.current.State() == connectivity.Ready {
		for _, sc := range scs {
			if sc == pf.current {
				return singlePicker{sc}
			}
		}
		// current was removed by reconciliation; fall through
	}
	pf.current = nil

	for _, sc := range scs {
		switch sc.State() {
		case connectivity.Ready:
			pf.current = sc
			return singlePicker{sc}
		case connectivity.Connecting:
			// an attempt is in flight; wait for its outcome
			return errPicker{ErrNoSubchannel}
		case connectivity.Idle:
			sc.connect()
			return errPicker{ErrNoSubchannel}
		}
	}
	// every candidate is in TransientFailure; they return to Idle after
	// backoff, which triggers another rebuild
	return errPicker{ErrNoSubchannel}
}

type singlePicker struct{ sc *Subchannel }

func (p singlePicker) Pick() (*Subchannel, error) { return p.sc, nil }
