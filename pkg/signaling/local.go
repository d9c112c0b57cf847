package signaling

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"telemedsync/internal/models"
)

// LocalChannel keeps rooms in process memory. It backs single-machine demos
// where no cloud is configured, and tests; the contract is identical to the
// cloud-backed channel.
type LocalChannel struct {
	mu    sync.Mutex
	rooms map[string][]byte
}

func NewLocalChannel() *LocalChannel {
	return &LocalChannel{rooms: make(map[string][]byte)}
}

func (c *LocalChannel) ReadRoom(ctx context.Context, roomCode string) (*models.SignalingRoom, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	data, ok := c.rooms[RoomKey(roomCode)]
	if !ok {
		return nil, nil
	}

	// Round-trip through JSON so callers never share memory with the store,
	// matching the remote channel's behavior.
	var room models.SignalingRoom
	if err := json.Unmarshal(data, &room); err != nil {
		return nil, err
	}
	return &room, nil
}

func (c *LocalChannel) WriteRoom(ctx context.Context, room *models.SignalingRoom) error {
	room.UpdatedAt = time.Now().UTC()

	data, err := json.Marshal(room)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.rooms[RoomKey(room.RoomCode)] = data
	return nil
}
