package lobby

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/roomlink/roomlink/pkg/apierror"
	"github.com/roomlink/roomlink/pkg/ids"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler { return &Handler{svc: svc} }

func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/v1/allocations", h.handleAllocations)
	mux.HandleFunc("/v1/allocations/", h.handleAllocationRoutes)
	mux.HandleFunc("/v1/lobbies", h.handleCreateLobby)
	mux.HandleFunc("/v1/lobbies/", h.handleLobbyRoutes)
}

func (h *Handler) handleAllocations(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	alloc, err := h.svc.Allocate(r.Context(), correlationID(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]Allocation{"allocation": alloc})
}

func (h *Handler) handleAllocationRoutes(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/allocations/")

	if rest == "join" {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req struct {
			JoinCode string `json:"join_code"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.JoinCode == "" {
			apierror.Write(w, http.StatusBadRequest, "bad_request", "join_code is required")
			return
		}
		alloc, err := h.svc.ResolveJoinCode(r.Context(), req.JoinCode)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]Allocation{"allocation": alloc})
		return
	}

	parts := strings.Split(rest, "/")
	if len(parts) == 2 && parts[1] == "join-code" && parts[0] != "" {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		code, err := h.svc.JoinCode(r.Context(), parts[0])
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"join_code": code})
		return
	}
	http.NotFound(w, r)
}

func (h *Handler) handleCreateLobby(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		Name         string            `json:"name"`
		MaxPeers     int               `json:"max_peers"`
		HostPlayerID string            `json:"host_player_id"`
		Metadata     map[string]string `json:"metadata"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apierror.Write(w, http.StatusBadRequest, "bad_request", "invalid request body")
		return
	}
	if req.HostPlayerID == "" || req.MaxPeers <= 0 {
		apierror.Write(w, http.StatusBadRequest, "bad_request", "host_player_id and max_peers are required")
		return
	}
	lobby, err := h.svc.CreateLobby(r.Context(), correlationID(r), req.Name, req.MaxPeers, req.HostPlayerID, req.Metadata)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]Lobby{"lobby": lobby})
}

func (h *Handler) handleLobbyRoutes(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/lobbies/")

	if rest == "quick-join" {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		playerID, ok := decodePlayerID(w, r)
		if !ok {
			return
		}
		lobby, err := h.svc.QuickJoin(r.Context(), correlationID(r), playerID)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]Lobby{"lobby": lobby})
		return
	}

	parts := strings.Split(rest, "/")
	lobbyID := parts[0]
	if lobbyID == "" {
		http.NotFound(w, r)
		return
	}

	switch {
	case len(parts) == 1 && r.Method == http.MethodGet:
		lobby, err := h.svc.GetLobby(r.Context(), lobbyID, r.URL.Query().Get("player_id"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]Lobby{"lobby": lobby})

	case len(parts) == 2 && parts[1] == "join" && r.Method == http.MethodPost:
		playerID, ok := decodePlayerID(w, r)
		if !ok {
			return
		}
		lobby, err := h.svc.JoinLobby(r.Context(), correlationID(r), lobbyID, playerID)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]Lobby{"lobby": lobby})

	case len(parts) == 2 && parts[1] == "heartbeat" && r.Method == http.MethodPost:
		if err := h.svc.Heartbeat(r.Context(), lobbyID); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)

	case len(parts) == 2 && parts[1] == "touch" && r.Method == http.MethodPost:
		if err := h.svc.Touch(r.Context(), lobbyID); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)

	case len(parts) == 3 && parts[1] == "players" && parts[2] != "" && r.Method == http.MethodDelete:
		if err := h.svc.RemovePlayer(r.Context(), correlationID(r), lobbyID, parts[2]); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)

	default:
		http.NotFound(w, r)
	}
}

func decodePlayerID(w http.ResponseWriter, r *http.Request) (string, bool) {
	var req struct {
		PlayerID string `json:"player_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.PlayerID == "" {
		apierror.Write(w, http.StatusBadRequest, "bad_request", "player_id is required")
		return "", false
	}
	return req.PlayerID, true
}

func correlationID(r *http.Request) string {
	if id := r.Header.Get("X-Correlation-Id"); id != "" {
		return id
	}
	id, err := ids.NewUUID()
	if err != nil {
		return "unknown"
	}
	return id
}

func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		apierror.Write(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, ErrLobbyFull):
		apierror.Write(w, http.StatusConflict, "lobby_full", err.Error())
	case errors.Is(err, ErrNoOpenLobby):
		apierror.Write(w, http.StatusGone, "no_open_lobby", err.Error())
	case errors.Is(err, ErrPoolExhausted):
		apierror.Write(w, http.StatusServiceUnavailable, "pool_exhausted", err.Error())
	default:
		apierror.Write(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}

func writeJSON(w http.ResponseWriter, status int, value any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(value)
}
