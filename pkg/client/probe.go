package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/astromechza/canvas-sync/pkg/canvas"
)

type existsResponse struct {
	Exists bool   `json:"exists"`
	RoomID string `json:"roomId"`
}

type roomsResponse struct {
	Rooms []string `json:"rooms"`
}

func getJSON(ctx context.Context, hc *http.Client, u string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	resp, err := hc.Do(req)
	if err != nil {
		return fmt.Errorf("failed to get %s: %w", u, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status from %s: %s", u, resp.Status)
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("failed to decode response from %s: %w", u, err)
	}
	return nil
}

func apiURL(baseURL string, elem ...string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("invalid base url %q: %w", baseURL, err)
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	}
	escaped := make([]string, len(elem))
	for i, e := range elem {
		escaped[i] = url.PathEscape(e)
	}
	return u.JoinPath(escaped...).String(), nil
}

// RoomExists asks the server whether a room is live.
func RoomExists(ctx context.Context, baseURL, room string) (bool, error) {
	return roomExists(ctx, http.DefaultClient, baseURL, room)
}

func roomExists(ctx context.Context, hc *http.Client, baseURL, room string) (bool, error) {
	u, err := apiURL(baseURL, "api", "rooms", room, "exists")
	if err != nil {
		return false, err
	}
	var out existsResponse
	if err := getJSON(ctx, hc, u, &out); err != nil {
		return false, err
	}
	return out.Exists, nil
}

// ListRooms returns the ids of every live room on the server.
func ListRooms(ctx context.Context, baseURL string) ([]string, error) {
	u, err := apiURL(baseURL, "api", "rooms")
	if err != nil {
		return nil, err
	}
	var out roomsResponse
	if err := getJSON(ctx, http.DefaultClient, u, &out); err != nil {
		return nil, err
	}
	return out.Rooms, nil
}

func wsURL(baseURL, room string, create bool) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("invalid base url %q: %w", baseURL, err)
	}
	switch u.Scheme {
	case "http", "":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u = u.JoinPath(url.PathEscape(room))
	if create {
		u.RawQuery = url.Values{"create": []string{"true"}}.Encode()
	}
	return u.String(), nil
}

// FetchSnapshot reads a room's current canvas over the REST API without joining it.
func FetchSnapshot(ctx context.Context, baseURL, room string) (canvas.State, error) {
	u, err := apiURL(baseURL, "api", "rooms", room, "snapshot")
	if err != nil {
		return canvas.State{}, err
	}
	var out canvas.State
	if err := getJSON(ctx, http.DefaultClient, u, &out); err != nil {
		return canvas.State{}, err
	}
	return out, nil
}
