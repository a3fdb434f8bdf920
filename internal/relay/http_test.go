package relay

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestCreateLobbySendsFullBody(t *testing.T) {
	t.Parallel()

	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/lobbies" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]LobbySession{"lobby": {ID: "lobby-1"}})
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL)
	lobby, err := c.CreateLobby(context.Background(), "friday", 4, "host-1", map[string]string{MetaRoomCode: "JC1"})
	if err != nil {
		t.Fatalf("CreateLobby: %v", err)
	}
	if lobby.ID != "lobby-1" {
		t.Fatalf("lobby = %+v", lobby)
	}
	if got["name"] != "friday" || got["host_player_id"] != "host-1" {
		t.Fatalf("request body = %v", got)
	}
	meta, _ := got["metadata"].(map[string]any)
	if meta[MetaRoomCode] != "JC1" {
		t.Fatalf("metadata = %v", meta)
	}
}

func TestGetLobbyPassesPlayerID(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/lobbies/lobby-1" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.URL.Query().Get("player_id") != "p-1" {
			t.Errorf("player_id = %q", r.URL.Query().Get("player_id"))
		}
		_ = json.NewEncoder(w).Encode(map[string]LobbySession{"lobby": {ID: "lobby-1"}})
	}))
	defer srv.Close()

	if _, err := NewHTTPClient(srv.URL).GetLobby(context.Background(), "lobby-1", "p-1"); err != nil {
		t.Fatalf("GetLobby: %v", err)
	}
}

func TestStatusErrorMapping(t *testing.T) {
	t.Parallel()

	tests := []struct {
		status int
		want   error
	}{
		{http.StatusNotFound, ErrNotFound},
		{http.StatusConflict, ErrLobbyFull},
		{http.StatusGone, ErrNoOpenLobby},
		{http.StatusInternalServerError, ErrLobbyService},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			t.Parallel()
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			_, err := NewHTTPClient(srv.URL).JoinLobbyByID(context.Background(), "lobby-1", "p-1")
			if !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestUnreachableBackendWrapsErrRelayUnavailable(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	srv.Close() // nothing listening anymore

	_, err := NewHTTPClient(srv.URL).Allocate(context.Background(), 4)
	if !errors.Is(err, ErrRelayUnavailable) {
		t.Fatalf("err = %v, want ErrRelayUnavailable", err)
	}
}

func TestNoContentResponsesNeedNoBody(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/lobbies/lobby-1/heartbeat", "/v1/lobbies/lobby-1/touch", "/v1/lobbies/lobby-1/players/p-2":
			w.WriteHeader(http.StatusNoContent)
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL)
	ctx := context.Background()
	if err := c.SendHeartbeat(ctx, "lobby-1"); err != nil {
		t.Fatalf("SendHeartbeat: %v", err)
	}
	if err := c.UpdateLobby(ctx, "lobby-1"); err != nil {
		t.Fatalf("UpdateLobby: %v", err)
	}
	if err := c.RemovePlayer(ctx, "lobby-1", "p-2"); err != nil {
		t.Fatalf("RemovePlayer: %v", err)
	}
}
