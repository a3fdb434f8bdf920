// Package ownership arbitrates exclusive control of shared objects across
// session peers. Every peer runs a Coordinator over the same transport; the
// one created with WithAuthority makes the binding decisions, everyone else
// replicates them.
package ownership

import (
	"context"
	"errors"

	"github.com/rs/zerolog"
)

var ErrNotHolder = errors.New("ownership: peer is not the holder")

// Messenger carries ownership envelopes between peers. Broadcast reaches
// every other peer in the session, SendTo exactly one.
type Messenger interface {
	Broadcast(data []byte) error
	SendTo(peer PeerID, data []byte) error
}

// Transferrer moves transport-level object ownership. The coordinator calls
// it before announcing a grant so the two ownership records cannot diverge.
type Transferrer interface {
	TransferOwnership(object ObjectID, peer PeerID) error
}

// ObjectConfig is per-object arbitration policy.
type ObjectConfig struct {
	// UnlockOnRelease frees the object when the holder releases it. When
	// false the object stays reserved for the last holder (soft lock).
	UnlockOnRelease bool

	// DetachFromParentOnSpawn tells the host engine to reparent the object
	// to the scene root when it is spawned. The coordinator only carries
	// the flag; spawning is the engine's job.
	DetachFromParentOnSpawn bool
}

// HoldResult resolves a RequestHold future. Granted reports whether the
// local peer now holds the object; when false, Holder carries the winner.
type HoldResult struct {
	Holder  PeerID
	Granted bool
}

type objectState struct {
	cfg     ObjectConfig
	heldBy  PeerID
	waiters []chan HoldResult
}

// Coordinator runs the per-session ownership event loop. All state
// transitions execute sequentially inside Run; public methods post commands
// into the loop, so no two transitions for the same object ever interleave.
type Coordinator struct {
	local     PeerID
	authority PeerID
	bus       Messenger
	transfer  Transferrer
	logger    zerolog.Logger

	commands chan func()
	objects  map[ObjectID]*objectState
}

// New returns a coordinator for a non-authority peer. Run must be started
// before any other method is used.
func New(local, authority PeerID, bus Messenger, transfer Transferrer, logger zerolog.Logger) *Coordinator {
	return &Coordinator{
		local:     local,
		authority: authority,
		bus:       bus,
		transfer:  transfer,
		logger:    logger.With().Str("peer", string(local)).Logger(),
		commands:  make(chan func(), 64),
		objects:   make(map[ObjectID]*objectState),
	}
}

// WithAuthority returns a coordinator whose local peer is the session
// authority.
func WithAuthority(local PeerID, bus Messenger, transfer Transferrer, logger zerolog.Logger) *Coordinator {
	return New(local, local, bus, transfer, logger)
}

// IsAuthority reports whether the local peer makes binding decisions.
func (c *Coordinator) IsAuthority() bool { return c.local == c.authority }

// Run executes queued commands until ctx is canceled. Exactly one Run per
// coordinator.
func (c *Coordinator) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			c.drainWaiters()
			return
		case fn := <-c.commands:
			fn()
		}
	}
}

func (c *Coordinator) do(fn func()) {
	done := make(chan struct{})
	c.commands <- func() {
		fn()
		close(done)
	}
	<-done
}

// Register declares a shared object and its arbitration policy. Objects the
// authority hears about before registration get the zero config.
func (c *Coordinator) Register(object ObjectID, cfg ObjectConfig) {
	c.do(func() {
		if _, ok := c.objects[object]; !ok {
			c.objects[object] = &objectState{cfg: cfg}
			return
		}
		c.objects[object].cfg = cfg
	})
}

// CanInteract reports whether the local peer may begin interacting with the
// object: true iff the replicated state is free or held by this peer.
func (c *Coordinator) CanInteract(object ObjectID) bool {
	var ok bool
	c.do(func() {
		st := c.objects[object]
		ok = st == nil || st.heldBy == "" || st.heldBy == c.local
	})
	return ok
}

// HeldBy returns the replicated holder of the object, if any.
func (c *Coordinator) HeldBy(object ObjectID) (PeerID, bool) {
	var holder PeerID
	c.do(func() {
		if st := c.objects[object]; st != nil {
			holder = st.heldBy
		}
	})
	return holder, holder != ""
}

// RequestHold asks the authority for exclusive control of the object. The
// returned channel resolves exactly once, on the next replicated state
// change for the object: Granted when this peer won, the winner's id when it
// lost. The local peer never marks itself holder before that resolution.
// Losing is silent; retrying is the caller's decision.
func (c *Coordinator) RequestHold(object ObjectID) (<-chan HoldResult, error) {
	result := make(chan HoldResult, 1)
	var sendErr error
	c.do(func() {
		st := c.ensure(object)
		if st.heldBy != "" {
			// The replica already observes a holder; the request would
			// lose (or is redundant), so resolve without asking.
			result <- HoldResult{Holder: st.heldBy, Granted: st.heldBy == c.local}
			return
		}
		st.waiters = append(st.waiters, result)

		env := Envelope{Type: MsgRequestHold, Object: object, Sender: c.local, Target: c.authority}
		if c.IsAuthority() {
			c.arbitrate(env)
			return
		}
		data, err := MarshalEnvelope(env)
		if err != nil {
			sendErr = err
			return
		}
		sendErr = c.bus.SendTo(c.authority, data)
	})
	return result, sendErr
}

// Release gives up a hold this peer currently has. Whether the object
// becomes free is the object's UnlockOnRelease policy; either way the
// authority broadcasts the resulting state.
func (c *Coordinator) Release(object ObjectID) error {
	var err error
	c.do(func() {
		st := c.objects[object]
		if st == nil || st.heldBy != c.local {
			err = ErrNotHolder
			return
		}
		env := Envelope{Type: MsgRelease, Object: object, Sender: c.local, Target: c.authority}
		if c.IsAuthority() {
			c.arbitrate(env)
			return
		}
		data, mErr := MarshalEnvelope(env)
		if mErr != nil {
			err = mErr
			return
		}
		err = c.bus.SendTo(c.authority, data)
	})
	return err
}

// HandleMessage feeds an inbound transport frame into the event loop. It is
// safe to call from transport read goroutines; decoding failures are logged
// and the frame is dropped.
func (c *Coordinator) HandleMessage(data []byte) {
	env, err := UnmarshalEnvelope(data)
	if err != nil {
		c.logger.Warn().Err(err).Msg("dropping undecodable ownership frame")
		return
	}
	c.commands <- func() { c.dispatch(env) }
}

var handlers = map[MsgType]func(*Coordinator, Envelope){
	MsgRequestHold: (*Coordinator).handleRequestHold,
	MsgRelease:     (*Coordinator).handleRelease,
	MsgStateSync:   (*Coordinator).handleStateSync,
}

func (c *Coordinator) dispatch(env Envelope) {
	handler, ok := handlers[env.Type]
	if !ok {
		c.logger.Warn().Str("type", string(env.Type)).Msg("no handler for ownership message")
		return
	}
	handler(c, env)
}

func (c *Coordinator) handleRequestHold(env Envelope) {
	if !c.IsAuthority() {
		c.logger.Debug().Str("object", string(env.Object)).Msg("ignoring hold request: not authority")
		return
	}
	c.arbitrate(env)
}

func (c *Coordinator) handleRelease(env Envelope) {
	if !c.IsAuthority() {
		c.logger.Debug().Str("object", string(env.Object)).Msg("ignoring release: not authority")
		return
	}
	c.arbitrate(env)
}

func (c *Coordinator) handleStateSync(env Envelope) {
	if env.Sender != c.authority {
		c.logger.Warn().
			Str("object", string(env.Object)).
			Str("sender", string(env.Sender)).
			Msg("dropping state sync from non-authority peer")
		return
	}
	c.applyState(env.Object, env.Holder)
}

// arbitrate runs on the authority only. Requests arriving while the object
// is held by someone else are dropped without a reply: first writer wins
// and losers learn the outcome from the winner's state broadcast.
func (c *Coordinator) arbitrate(env Envelope) {
	st := c.ensure(env.Object)

	switch env.Type {
	case MsgRequestHold:
		if st.heldBy != "" {
			if st.heldBy != env.Sender {
				c.logger.Debug().
					Str("object", string(env.Object)).
					Str("requester", string(env.Sender)).
					Str("holder", string(st.heldBy)).
					Msg("hold request lost race")
			}
			return
		}
		// Transport ownership moves first; a failed transfer aborts the
		// grant and the object stays free.
		if err := c.transfer.TransferOwnership(env.Object, env.Sender); err != nil {
			c.logger.Error().Err(err).
				Str("object", string(env.Object)).
				Str("requester", string(env.Sender)).
				Msg("ownership transfer failed, grant aborted")
			// The requester is blocked on its future; announce the
			// unchanged free state so it resolves instead of hanging.
			c.applyState(env.Object, "")
			c.broadcastState(env.Object, "")
			return
		}
		c.applyState(env.Object, env.Sender)
		c.broadcastState(env.Object, env.Sender)

	case MsgRelease:
		if st.heldBy != env.Sender {
			c.logger.Debug().
				Str("object", string(env.Object)).
				Str("sender", string(env.Sender)).
				Msg("release from non-holder dropped")
			return
		}
		holder := st.heldBy
		if st.cfg.UnlockOnRelease {
			if err := c.transfer.TransferOwnership(env.Object, c.authority); err != nil {
				c.logger.Error().Err(err).
					Str("object", string(env.Object)).
					Msg("ownership return failed, object stays held")
				return
			}
			holder = ""
		}
		c.applyState(env.Object, holder)
		c.broadcastState(env.Object, holder)
	}
}

// applyState records the replicated holder and resolves every waiter
// registered against the object.
func (c *Coordinator) applyState(object ObjectID, holder PeerID) {
	st := c.ensure(object)
	st.heldBy = holder
	if len(st.waiters) == 0 {
		return
	}
	result := HoldResult{Holder: holder, Granted: holder == c.local}
	for _, w := range st.waiters {
		w <- result
	}
	st.waiters = nil
}

func (c *Coordinator) broadcastState(object ObjectID, holder PeerID) {
	data, err := MarshalEnvelope(Envelope{Type: MsgStateSync, Object: object, Sender: c.local, Holder: holder})
	if err != nil {
		c.logger.Error().Err(err).Str("object", string(object)).Msg("marshal state sync")
		return
	}
	if err := c.bus.Broadcast(data); err != nil {
		c.logger.Error().Err(err).Str("object", string(object)).Msg("broadcast state sync")
	}
}

// SyncTo replays the full replicated state to one peer. The authority calls
// this when a late joiner connects.
func (c *Coordinator) SyncTo(peer PeerID) error {
	var err error
	c.do(func() {
		for id, st := range c.objects {
			data, mErr := MarshalEnvelope(Envelope{Type: MsgStateSync, Object: id, Sender: c.local, Target: peer, Holder: st.heldBy})
			if mErr != nil {
				err = mErr
				return
			}
			if sErr := c.bus.SendTo(peer, data); sErr != nil {
				err = sErr
				return
			}
		}
	})
	return err
}

func (c *Coordinator) ensure(object ObjectID) *objectState {
	st, ok := c.objects[object]
	if !ok {
		st = &objectState{}
		c.objects[object] = st
	}
	return st
}

func (c *Coordinator) drainWaiters() {
	for _, st := range c.objects {
		for _, w := range st.waiters {
			close(w)
		}
		st.waiters = nil
	}
}
