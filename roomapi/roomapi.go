// Package roomapi contains a minimal client for the live-room HTTP API used to
// resolve a room's short (vanity) id into its canonical numeric id.
package roomapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// DefaultBaseURL is the public live API host.
const DefaultBaseURL = "https://api.live.bilibili.com"

const roomInitPath = "/room/v1/Room/room_init"

var (
	// ErrRoomNotFound means the lookup service answered definitively that the
	// room does not exist. It must not be retried.
	ErrRoomNotFound = errors.New("room not found")
	// ErrUnavailable wraps failures where the lookup service could not be
	// reached or answered with a server error. These are transient.
	ErrUnavailable = errors.New("room lookup unavailable")
	// ErrRejected wraps any other 4xx answer: the request itself was refused
	// and repeating it will not change that.
	ErrRejected = errors.New("room lookup rejected")
)

// Client resolves room ids via the room_init endpoint.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
	// Timeout bounds one lookup when the caller's context has no deadline.
	Timeout time.Duration
}

func (c *Client) http() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

func (c *Client) baseURL() string {
	if c.BaseURL == "" {
		return DefaultBaseURL
	}
	return strings.TrimRight(c.BaseURL, "/")
}

// ResolveRoom maps shortID to the canonical room id.
//
// Errors wrap ErrRoomNotFound or ErrRejected (permanent) or ErrUnavailable
// (transient); any other error is a permanent client-side failure.
func (c *Client) ResolveRoom(ctx context.Context, shortID int64) (int64, error) {
	if shortID <= 0 {
		return 0, fmt.Errorf("%w: invalid room id %d", ErrRoomNotFound, shortID)
	}
	if _, ok := ctx.Deadline(); !ok && c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL()+roomInitPath, nil)
	if err != nil {
		return 0, err
	}
	q := req.URL.Query()
	q.Set("id", strconv.FormatInt(shortID, 10))
	req.URL.RawQuery = q.Encode()
	req.Header.Set("Accept", "application/json")

	resp, err := c.http().Do(req)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return 0, fmt.Errorf("%w: room %d: http %d", ErrRoomNotFound, shortID, resp.StatusCode)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return 0, fmt.Errorf("%w: room %d: http %d", ErrUnavailable, shortID, resp.StatusCode)
	case resp.StatusCode >= 400:
		return 0, fmt.Errorf("%w: room %d: http %d", ErrRejected, shortID, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return 0, fmt.Errorf("%w: room %d: unexpected http %d", ErrUnavailable, shortID, resp.StatusCode)
	}

	var body struct {
		Code    int    `json:"code"`
		Message string `json:"msg"`
		Data    struct {
			RoomID  int64 `json:"room_id"`
			ShortID int64 `json:"short_id"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return 0, fmt.Errorf("%w: room %d: decode: %v", ErrUnavailable, shortID, err)
	}
	if body.Code != 0 {
		return 0, fmt.Errorf("%w: room %d: code %d %s", ErrRoomNotFound, shortID, body.Code, body.Message)
	}
	if body.Data.RoomID == 0 {
		return 0, fmt.Errorf("%w: room %d: empty room_id", ErrRoomNotFound, shortID)
	}
	return body.Data.RoomID, nil
}
