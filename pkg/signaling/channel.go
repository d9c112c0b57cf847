// Package signaling relays WebRTC offers, answers and ICE candidates between
// exactly two peers through a shared, polled key-value location. There is no
// signaling server: both sides read and write the same room record, each
// owning disjoint fields.
package signaling

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"regexp"
	"strings"

	"telemedsync/internal/constants"
	"telemedsync/internal/models"
)

// Channel is the shared storage both peers poll. ReadRoom returns
// (nil, nil) when the room does not exist. WriteRoom replaces the whole
// record; single-writer-per-field usage keeps that safe.
type Channel interface {
	ReadRoom(ctx context.Context, roomCode string) (*models.SignalingRoom, error)
	WriteRoom(ctx context.Context, room *models.SignalingRoom) error
}

var roomCodePattern = regexp.MustCompile(`^TM-[A-Z0-9]{6}$`)

// NormalizeRoomCode uppercases and trims a user-entered room code.
func NormalizeRoomCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// ValidateRoomCode reports whether the code matches TM-XXXXXX.
func ValidateRoomCode(code string) bool {
	return roomCodePattern.MatchString(code)
}

// GenerateRoomCode mints a fresh human-shareable room code.
func GenerateRoomCode() (string, error) {
	suffix, err := randomCode(constants.RoomCodeSuffixLength)
	if err != nil {
		return "", err
	}
	return constants.RoomCodePrefix + suffix, nil
}

// RoomKey is the storage key for a room code.
func RoomKey(roomCode string) string {
	return constants.ConsultRoomKeyPrefix + NormalizeRoomCode(roomCode)
}

func randomCode(length int) (string, error) {
	alphabet := constants.CodeAlphabet
	out := make([]byte, length)
	for i := range out {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(alphabet))))
		if err != nil {
			return "", fmt.Errorf("failed to generate random code: %w", err)
		}
		out[i] = alphabet[n.Int64()]
	}
	return string(out), nil
}
