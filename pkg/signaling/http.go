package signaling

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"telemedsync/internal/errors"
	"telemedsync/internal/models"
)

// HTTPChannel stores rooms in the cloud backend's key-value endpoint under
// consult_room_<ROOMCODE>.
type HTTPChannel struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

func NewHTTPChannel(baseURL, apiKey string, timeout time.Duration) *HTTPChannel {
	return &HTTPChannel{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
	}
}

func (c *HTTPChannel) ReadRoom(ctx context.Context, roomCode string) (*models.SignalingRoom, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.keyURL(roomCode), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	c.setHeaders(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, errors.NewNetworkError("signaling read", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, errors.NewCloudAPIError("signaling read", resp.StatusCode,
			fmt.Errorf("unexpected status reading room"))
	}

	var room models.SignalingRoom
	if err := json.NewDecoder(resp.Body).Decode(&room); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeCloudAPI, "failed to decode signaling room")
	}
	return &room, nil
}

func (c *HTTPChannel) WriteRoom(ctx context.Context, room *models.SignalingRoom) error {
	room.UpdatedAt = time.Now().UTC()

	data, err := json.Marshal(room)
	if err != nil {
		return fmt.Errorf("failed to marshal signaling room: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.keyURL(room.RoomCode), bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	c.setHeaders(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return errors.NewNetworkError("signaling write", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return errors.NewCloudAPIError("signaling write", resp.StatusCode,
			fmt.Errorf("unexpected status writing room"))
	}
	return nil
}

func (c *HTTPChannel) keyURL(roomCode string) string {
	return c.baseURL + "/kv/" + url.PathEscape(RoomKey(roomCode))
}

func (c *HTTPChannel) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
}
