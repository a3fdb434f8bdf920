package session

import (
	"github.com/rs/zerolog"

	"github.com/roomlink/roomlink/internal/ownership"
	"github.com/roomlink/roomlink/internal/transport"
)

// transportBus adapts a transport to the ownership coordinator's messenger
// and transferrer surfaces.
type transportBus struct {
	t transport.Transport
}

func (b transportBus) Broadcast(data []byte) error {
	return b.t.Broadcast(data)
}

func (b transportBus) SendTo(peer ownership.PeerID, data []byte) error {
	return b.t.SendTo(string(peer), data)
}

func (b transportBus) TransferOwnership(object ownership.ObjectID, peer ownership.PeerID) error {
	return b.t.TransferOwnership(string(object), string(peer))
}

// NewObjectCoordinator wires an ownership coordinator into a transport:
// inbound frames feed the coordinator and, on the authority, newly joined
// peers get a state sync. The caller owns the coordinator's Run loop.
func NewObjectCoordinator(t transport.Transport, local, authority string, logger zerolog.Logger) *ownership.Coordinator {
	bus := transportBus{t: t}

	var coord *ownership.Coordinator
	if local == authority {
		coord = ownership.WithAuthority(ownership.PeerID(local), bus, bus, logger)
	} else {
		coord = ownership.New(ownership.PeerID(local), ownership.PeerID(authority), bus, bus, logger)
	}

	t.SetHandler(func(_ string, data []byte) {
		coord.HandleMessage(data)
	})
	if coord.IsAuthority() {
		t.SetPeerHandler(func(peer string) {
			if err := coord.SyncTo(ownership.PeerID(peer)); err != nil {
				logger.Warn().Err(err).Str("peer", peer).Msg("could not sync ownership state")
			}
		})
	}
	return coord
}
