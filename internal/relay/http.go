package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// HTTPClient implements Client against the lobbyd HTTP API.
type HTTPClient struct {
	baseURL string
	http    *http.Client
}

// NewHTTPClient returns a client for the lobbyd instance at baseURL.
func NewHTTPClient(baseURL string) *HTTPClient {
	return &HTTPClient{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *HTTPClient) Allocate(ctx context.Context, maxPeers int) (RelayInfo, error) {
	var out struct {
		Allocation RelayInfo `json:"allocation"`
	}
	err := c.call(ctx, http.MethodPost, "/v1/allocations", map[string]any{"max_peers": maxPeers}, &out)
	return out.Allocation, err
}

func (c *HTTPClient) GetJoinCode(ctx context.Context, allocationID string) (string, error) {
	var out struct {
		JoinCode string `json:"join_code"`
	}
	path := fmt.Sprintf("/v1/allocations/%s/join-code", url.PathEscape(allocationID))
	err := c.call(ctx, http.MethodGet, path, nil, &out)
	return out.JoinCode, err
}

func (c *HTTPClient) JoinAllocation(ctx context.Context, joinCode string) (RelayInfo, error) {
	var out struct {
		Allocation RelayInfo `json:"allocation"`
	}
	err := c.call(ctx, http.MethodPost, "/v1/allocations/join", map[string]any{"join_code": joinCode}, &out)
	return out.Allocation, err
}

func (c *HTTPClient) CreateLobby(ctx context.Context, name string, maxPeers int, hostPlayerID string, metadata map[string]string) (LobbySession, error) {
	var out struct {
		Lobby LobbySession `json:"lobby"`
	}
	body := map[string]any{
		"name":           name,
		"max_peers":      maxPeers,
		"host_player_id": hostPlayerID,
		"metadata":       metadata,
	}
	err := c.call(ctx, http.MethodPost, "/v1/lobbies", body, &out)
	return out.Lobby, err
}

func (c *HTTPClient) GetLobby(ctx context.Context, id, playerID string) (LobbySession, error) {
	var out struct {
		Lobby LobbySession `json:"lobby"`
	}
	path := fmt.Sprintf("/v1/lobbies/%s?player_id=%s", url.PathEscape(id), url.QueryEscape(playerID))
	err := c.call(ctx, http.MethodGet, path, nil, &out)
	return out.Lobby, err
}

func (c *HTTPClient) JoinLobbyByID(ctx context.Context, id, playerID string) (LobbySession, error) {
	var out struct {
		Lobby LobbySession `json:"lobby"`
	}
	path := fmt.Sprintf("/v1/lobbies/%s/join", url.PathEscape(id))
	err := c.call(ctx, http.MethodPost, path, map[string]any{"player_id": playerID}, &out)
	return out.Lobby, err
}

func (c *HTTPClient) QuickJoin(ctx context.Context, playerID string) (LobbySession, error) {
	var out struct {
		Lobby LobbySession `json:"lobby"`
	}
	err := c.call(ctx, http.MethodPost, "/v1/lobbies/quick-join", map[string]any{"player_id": playerID}, &out)
	return out.Lobby, err
}

func (c *HTTPClient) SendHeartbeat(ctx context.Context, lobbyID string) error {
	path := fmt.Sprintf("/v1/lobbies/%s/heartbeat", url.PathEscape(lobbyID))
	return c.call(ctx, http.MethodPost, path, nil, nil)
}

func (c *HTTPClient) UpdateLobby(ctx context.Context, lobbyID string) error {
	path := fmt.Sprintf("/v1/lobbies/%s/touch", url.PathEscape(lobbyID))
	return c.call(ctx, http.MethodPost, path, nil, nil)
}

func (c *HTTPClient) RemovePlayer(ctx context.Context, lobbyID, playerID string) error {
	path := fmt.Sprintf("/v1/lobbies/%s/players/%s", url.PathEscape(lobbyID), url.PathEscape(playerID))
	return c.call(ctx, http.MethodDelete, path, nil, nil)
}

func (c *HTTPClient) call(ctx context.Context, method, path string, body any, out any) error {
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRelayUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		return statusError(resp.StatusCode, path)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decode response: %v", ErrLobbyService, err)
	}
	return nil
}

func statusError(status int, path string) error {
	switch status {
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrNotFound, path)
	case http.StatusConflict:
		return fmt.Errorf("%w: %s", ErrLobbyFull, path)
	case http.StatusGone:
		return fmt.Errorf("%w: %s", ErrNoOpenLobby, path)
	default:
		return fmt.Errorf("%w: %s returned status %d", ErrLobbyService, path, status)
	}
}
