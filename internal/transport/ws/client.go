package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
)

// Connect dials the hub at addr:port and starts the read loop.
func (t *Transport) Connect(ctx context.Context, addr string, port uint16) error {
	u := url.URL{
		Scheme:   "ws",
		Host:     fmt.Sprintf("%s:%d", addr, port),
		Path:     "/session",
		RawQuery: url.Values{"peer": {t.self}}.Encode(),
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", u.Host, err)
	}

	pc := &peerConn{id: t.self, conn: conn}
	t.mu.Lock()
	t.dialConn = pc
	t.closed = false
	t.mu.Unlock()

	go t.clientReadLoop(pc)
	return nil
}

func (t *Transport) clientReadLoop(pc *peerConn) {
	defer func() {
		_ = pc.close()
		t.mu.Lock()
		if t.dialConn == pc {
			t.dialConn = nil
		}
		t.mu.Unlock()
	}()

	pc.conn.SetPingHandler(func(appData string) error {
		pc.mu.Lock()
		defer pc.mu.Unlock()
		_ = pc.conn.SetWriteDeadline(time.Now().Add(writeWait))
		return pc.conn.WriteMessage(websocket.PongMessage, []byte(appData))
	})

	for {
		_, raw, err := pc.conn.ReadMessage()
		if err != nil {
			return
		}
		var f frame
		if err := json.Unmarshal(raw, &f); err != nil {
			t.logger.Warn().Err(err).Msg("dropping undecodable frame")
			continue
		}
		t.deliver(f.From, f.Payload)
	}
}
