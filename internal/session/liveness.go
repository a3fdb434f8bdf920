package session

import (
	"context"
	"fmt"
	"time"
)

// startLiveness launches the heartbeat and keep-alive loops for a hosted
// relay lobby. Both run until Close cancels them.
func (o *Orchestrator) startLiveness(lobbyID string) {
	ctx, cancel := context.WithCancel(context.Background())
	o.mu.Lock()
	o.livenessCancel = cancel
	o.mu.Unlock()

	go o.heartbeatLoop(ctx, lobbyID)
	go o.keepAliveLoop(ctx, lobbyID)
}

// heartbeatLoop refreshes the lobby's presence TTL. Failures are logged
// and retried on the next tick; the lobby service expires lobbies whose
// heartbeats stop.
func (o *Orchestrator) heartbeatLoop(ctx context.Context, lobbyID string) {
	ticker := time.NewTicker(o.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := o.relay.SendHeartbeat(ctx, lobbyID); err != nil {
				o.logger.Debug().Err(err).Str("lobby", lobbyID).Msg("heartbeat failed")
				continue
			}
		}
	}
}

// keepAliveLoop touches the lobby record so the service keeps it listed.
// Unlike heartbeats it stops on the first failure; what happens next is
// decided by the configured KeepAlivePolicy.
func (o *Orchestrator) keepAliveLoop(ctx context.Context, lobbyID string) {
	ticker := time.NewTicker(o.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := o.relay.UpdateLobby(ctx, lobbyID); err != nil {
				o.logger.Warn().
					Err(fmt.Errorf("%w: %v", ErrLivenessLost, err)).
					Str("lobby", lobbyID).
					Msg("keep-alive lost")
				if o.opts.KeepAliveFailure == KeepAliveTearDown {
					if closeErr := o.Close(); closeErr != nil {
						o.logger.Error().Err(closeErr).Msg("teardown after keep-alive loss failed")
					}
				}
				return
			}
		}
	}
}
