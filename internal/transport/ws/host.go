package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/roomlink/roomlink/internal/transport"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// hubServer owns the host side: the listener, every dialed-in peer and the
// transport-level ownership registry.
type hubServer struct {
	parent *Transport
	logger zerolog.Logger
	server *http.Server
	ln     net.Listener

	mu     sync.Mutex
	conns  map[string]*peerConn
	owners map[string]string
}

// Host starts accepting peers on addr:port. Port 0 picks a free port;
// LocalPort reports the bound one.
func (t *Transport) Host(_ context.Context, addr string, port uint16) error {
	ln, err := net.Listen("tcp", fmt.Sprintf("%s:%d", addr, port))
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	hub := &hubServer{
		parent: t,
		logger: t.logger,
		ln:     ln,
		conns:  make(map[string]*peerConn),
		owners: make(map[string]string),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/session", hub.handleSession)
	hub.server = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	t.mu.Lock()
	t.hosting = true
	t.closed = false
	t.server = hub
	t.mu.Unlock()

	go func() {
		if err := hub.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			t.logger.Error().Err(err).Msg("hub serve stopped")
		}
	}()
	return nil
}

// LocalPort returns the port the hub is listening on, or 0 when not hosting.
func (t *Transport) LocalPort() uint16 {
	t.mu.Lock()
	server := t.server
	t.mu.Unlock()
	if server == nil {
		return 0
	}
	return uint16(server.ln.Addr().(*net.TCPAddr).Port)
}

func (h *hubServer) handleSession(w http.ResponseWriter, r *http.Request) {
	peer := r.URL.Query().Get("peer")
	if peer == "" {
		http.Error(w, "peer id required", http.StatusBadRequest)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	pc := &peerConn{id: peer, conn: conn}
	h.mu.Lock()
	h.conns[peer] = pc
	h.mu.Unlock()

	h.logger.Info().Str("remote", peer).Msg("peer connected")
	h.parent.peerJoined(peer)

	go h.pingLoop(pc)
	h.readLoop(pc)
}

func (h *hubServer) readLoop(pc *peerConn) {
	defer func() {
		h.mu.Lock()
		delete(h.conns, pc.id)
		h.mu.Unlock()
		_ = pc.close()
		h.logger.Info().Str("remote", pc.id).Msg("peer disconnected")
	}()

	_ = pc.conn.SetReadDeadline(time.Now().Add(pongWait))
	pc.conn.SetPongHandler(func(string) error {
		return pc.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := pc.conn.ReadMessage()
		if err != nil {
			return
		}
		var f frame
		if err := json.Unmarshal(raw, &f); err != nil {
			h.logger.Warn().Err(err).Str("remote", pc.id).Msg("dropping undecodable frame")
			continue
		}
		f.From = pc.id
		if err := h.route(f); err != nil {
			h.logger.Warn().Err(err).Str("remote", pc.id).Msg("route frame")
		}
	}
}

func (h *hubServer) pingLoop(pc *peerConn) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for range ticker.C {
		if err := pc.ping(); err != nil {
			return
		}
	}
}

// route delivers a frame: an empty target fans out to everyone except the
// sender (including the host itself), otherwise it reaches one peer.
func (h *hubServer) route(f frame) error {
	raw, err := json.Marshal(f)
	if err != nil {
		return err
	}

	if f.Target == "" {
		if f.From != h.parent.self {
			h.parent.deliver(f.From, f.Payload)
		}
		h.mu.Lock()
		targets := make([]*peerConn, 0, len(h.conns))
		for id, pc := range h.conns {
			if id != f.From {
				targets = append(targets, pc)
			}
		}
		h.mu.Unlock()
		for _, pc := range targets {
			if err := pc.write(raw); err != nil {
				h.logger.Warn().Err(err).Str("remote", pc.id).Msg("relay broadcast")
			}
		}
		return nil
	}

	if f.Target == h.parent.self {
		h.parent.deliver(f.From, f.Payload)
		return nil
	}

	h.mu.Lock()
	pc := h.conns[f.Target]
	h.mu.Unlock()
	if pc == nil {
		return fmt.Errorf("%w: %s", transport.ErrUnknownPeer, f.Target)
	}
	return pc.write(raw)
}

func (h *hubServer) setOwner(objectID, peerID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.owners[objectID] = peerID
}

func (h *hubServer) owner(objectID string) (string, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	id, ok := h.owners[objectID]
	return id, ok
}

func (h *hubServer) close() error {
	h.mu.Lock()
	conns := make([]*peerConn, 0, len(h.conns))
	for _, pc := range h.conns {
		conns = append(conns, pc)
	}
	h.conns = make(map[string]*peerConn)
	h.mu.Unlock()

	for _, pc := range conns {
		_ = pc.close()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return h.server.Shutdown(ctx)
}
