package service

import (
	"context"
	"testing"
	"time"

	"telemedsync/internal/errors"
	"telemedsync/internal/models"
	"telemedsync/pkg/rtc"
	"telemedsync/pkg/signaling"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testRoomCode = "TM-ABC123"

func newCallController(t *testing.T, session *models.Session, channel signaling.Channel, devices *fakeDevices) (*CallSessionController, *fakeRTCAPI) {
	t.Helper()
	api := &fakeRTCAPI{}
	cfg := models.SignalingConfig{PollIntervalMs: 10}
	cs := NewCallSessionController(channel, api, devices, session, cfg, testLogger())
	t.Cleanup(func() {
		cs.EndCall(context.Background())
		cs.Wait()
	})
	return cs, api
}

func TestStartCallPublishesOffer(t *testing.T) {
	channel := signaling.NewLocalChannel()
	doctor, api := newCallController(t, doctorSession(t), channel, &fakeDevices{})
	ctx := context.Background()

	require.NoError(t, doctor.StartCall(ctx, "tm-abc123"))
	assert.Equal(t, models.CallStateNegotiating, doctor.State())
	require.NotEmpty(t, doctor.SessionID())

	room, err := channel.ReadRoom(ctx, testRoomCode)
	require.NoError(t, err)
	require.NotNil(t, room)
	assert.Equal(t, doctor.SessionID(), room.SessionID)
	require.NotNil(t, room.Offer)
	assert.Equal(t, "offer", room.Offer.Type)
	assert.Equal(t, doctor.SessionID(), room.Offer.SessionID)

	// The doctor's tracks were attached before the offer was created.
	require.NotNil(t, api.lastPC())
	assert.Len(t, api.lastPC().localTracks, 2)
}

func TestHandshakeConnectsBothSides(t *testing.T) {
	channel := signaling.NewLocalChannel()
	doctor, doctorAPI := newCallController(t, doctorSession(t), channel, &fakeDevices{})
	patient, patientAPI := newCallController(t, patientSession(t), channel, &fakeDevices{})
	ctx := context.Background()

	require.NoError(t, doctor.StartCall(ctx, testRoomCode))
	require.NoError(t, patient.JoinCall(ctx, testRoomCode))

	// The answerer adopts the offerer's session id.
	assert.Equal(t, doctor.SessionID(), patient.SessionID())

	// The patient applied the offer immediately and published an answer.
	require.NotNil(t, patientAPI.lastPC().remoteDescription())
	assert.Equal(t, "offer", patientAPI.lastPC().remoteDescription().Type)

	// The doctor's poller picks up the answer.
	require.Eventually(t, func() bool {
		desc := doctorAPI.lastPC().remoteDescription()
		return desc != nil && desc.Type == "answer"
	}, 2*time.Second, 10*time.Millisecond)

	// Candidates flow through the room in both directions.
	mid := "0"
	doctorAPI.lastPC().emitCandidate(rtc.ICECandidateInit{Candidate: "candidate:doctor-1", SDPMid: &mid})
	patientAPI.lastPC().emitCandidate(rtc.ICECandidateInit{Candidate: "candidate:patient-1", SDPMid: &mid})

	require.Eventually(t, func() bool {
		return len(patientAPI.lastPC().appliedCandidates()) == 1 &&
			len(doctorAPI.lastPC().appliedCandidates()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, "candidate:doctor-1", patientAPI.lastPC().appliedCandidates()[0].Candidate)
	assert.Equal(t, "candidate:patient-1", doctorAPI.lastPC().appliedCandidates()[0].Candidate)

	// First remote media promotes each side to connected.
	doctorAPI.lastPC().emitRemoteTrack(rtc.TrackKindVideo)
	patientAPI.lastPC().emitRemoteTrack(rtc.TrackKindVideo)
	assert.Equal(t, models.CallStateConnected, doctor.State())
	assert.Equal(t, models.CallStateConnected, patient.State())
}

func TestEndCallTearsDownBothSides(t *testing.T) {
	channel := signaling.NewLocalChannel()
	doctorDevices := &fakeDevices{}
	patientDevices := &fakeDevices{}
	doctor, doctorAPI := newCallController(t, doctorSession(t), channel, doctorDevices)
	patient, patientAPI := newCallController(t, patientSession(t), channel, patientDevices)
	ctx := context.Background()

	require.NoError(t, doctor.StartCall(ctx, testRoomCode))
	require.NoError(t, patient.JoinCall(ctx, testRoomCode))

	doctor.EndCall(ctx)
	assert.Equal(t, models.CallStateEnded, doctor.State())

	// The hangup is flagged in the room for the peer's poller.
	room, err := channel.ReadRoom(ctx, testRoomCode)
	require.NoError(t, err)
	require.NotNil(t, room.EndedAt)

	require.Eventually(t, func() bool {
		return patient.State() == models.CallStateEnded
	}, 2*time.Second, 10*time.Millisecond)

	// Both sides released their media and closed their connections.
	assert.True(t, doctorDevices.lastStream().stopped())
	assert.True(t, patientDevices.lastStream().stopped())
	assert.True(t, doctorAPI.lastPC().isClosed())
	assert.True(t, patientAPI.lastPC().isClosed())

	// The peer observed the flag; it must not rewrite the record.
	after, err := channel.ReadRoom(ctx, testRoomCode)
	require.NoError(t, err)
	assert.Equal(t, room.EndedAt, after.EndedAt)
}

func TestStaleSessionPayloadsAreDropped(t *testing.T) {
	channel := signaling.NewLocalChannel()
	doctor, doctorAPI := newCallController(t, doctorSession(t), channel, &fakeDevices{})
	ctx := context.Background()

	require.NoError(t, doctor.StartCall(ctx, testRoomCode))
	active := doctor.SessionID()

	// A candidate left over from an earlier attempt sits in the room alongside
	// a current one.
	room, err := channel.ReadRoom(ctx, testRoomCode)
	require.NoError(t, err)
	room.PatientCandidates = append(room.PatientCandidates,
		models.ICECandidate{SessionID: "stale-session", Candidate: "candidate:stale"},
		models.ICECandidate{SessionID: active, Candidate: "candidate:current"},
	)
	require.NoError(t, channel.WriteRoom(ctx, room))

	require.Eventually(t, func() bool {
		return len(doctorAPI.lastPC().appliedCandidates()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "candidate:current", doctorAPI.lastPC().appliedCandidates()[0].Candidate)

	// An answer tagged with the wrong session id is never applied.
	room, err = channel.ReadRoom(ctx, testRoomCode)
	require.NoError(t, err)
	room.Answer = &models.SessionDescription{SessionID: "stale-session", Type: "answer", SDP: "v=0 stale"}
	require.NoError(t, channel.WriteRoom(ctx, room))

	time.Sleep(100 * time.Millisecond)
	assert.Nil(t, doctorAPI.lastPC().remoteDescription())
	assert.Equal(t, models.CallStateNegotiating, doctor.State())
}

func TestRestartInvalidatesPreviousAttempt(t *testing.T) {
	channel := signaling.NewLocalChannel()
	doctor, _ := newCallController(t, doctorSession(t), channel, &fakeDevices{})
	ctx := context.Background()

	require.NoError(t, doctor.StartCall(ctx, testRoomCode))
	first := doctor.SessionID()
	doctor.EndCall(ctx)
	doctor.Wait()

	require.NoError(t, doctor.StartCall(ctx, testRoomCode))
	second := doctor.SessionID()
	assert.NotEqual(t, first, second, "each attempt runs under a fresh session id")

	// The fresh offer replaced the whole room record.
	room, err := channel.ReadRoom(ctx, testRoomCode)
	require.NoError(t, err)
	assert.Equal(t, second, room.SessionID)
	assert.Nil(t, room.Answer)
	assert.Nil(t, room.EndedAt)
	assert.Empty(t, room.PatientCandidates)
}

func TestJoinEmptyRoomFailsCleanly(t *testing.T) {
	channel := signaling.NewLocalChannel()
	devices := &fakeDevices{}
	patient, api := newCallController(t, patientSession(t), channel, devices)

	err := patient.JoinCall(context.Background(), testRoomCode)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrCodeRoomNotReady))
	assert.Equal(t, models.CallStateIdle, patient.State())

	// The readiness check runs before any media is acquired.
	assert.Nil(t, devices.lastStream())
	assert.Nil(t, api.lastPC())

	// Nothing was written into the room.
	room, readErr := channel.ReadRoom(context.Background(), testRoomCode)
	require.NoError(t, readErr)
	assert.Nil(t, room)
}

func TestJoinEndedRoomRejected(t *testing.T) {
	channel := signaling.NewLocalChannel()
	devices := &fakeDevices{}
	patient, api := newCallController(t, patientSession(t), channel, devices)
	ctx := context.Background()

	ended := time.Now().UTC()
	require.NoError(t, channel.WriteRoom(ctx, &models.SignalingRoom{
		RoomCode:  testRoomCode,
		SessionID: "finished-session",
		Offer:     &models.SessionDescription{SessionID: "finished-session", Type: "offer", SDP: "v=0 offer"},
		EndedAt:   &ended,
	}))

	// endedAt marks the room terminal until a new offer replaces it; joining
	// must fail without acquiring media or touching the record.
	err := patient.JoinCall(ctx, testRoomCode)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrCodeRoomNotReady))
	assert.Equal(t, models.CallStateIdle, patient.State())
	assert.Nil(t, devices.lastStream())
	assert.Nil(t, api.lastPC())

	room, readErr := channel.ReadRoom(ctx, testRoomCode)
	require.NoError(t, readErr)
	assert.Equal(t, "finished-session", room.SessionID)
	require.NotNil(t, room.EndedAt)
}

func TestDeviceDenialAbortsBeforeSignaling(t *testing.T) {
	channel := signaling.NewLocalChannel()
	doctor, _ := newCallController(t, doctorSession(t), channel, &fakeDevices{fail: true})

	err := doctor.StartCall(context.Background(), testRoomCode)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrCodePermissionDenied))
	assert.Equal(t, models.CallStateIdle, doctor.State())

	room, readErr := channel.ReadRoom(context.Background(), testRoomCode)
	require.NoError(t, readErr)
	assert.Nil(t, room)
}

func TestCallRoleEnforcement(t *testing.T) {
	channel := signaling.NewLocalChannel()
	doctor, _ := newCallController(t, doctorSession(t), channel, &fakeDevices{})
	patient, _ := newCallController(t, patientSession(t), channel, &fakeDevices{})
	ctx := context.Background()

	err := patient.StartCall(ctx, testRoomCode)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrCodePermissionDenied))

	err = doctor.JoinCall(ctx, testRoomCode)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrCodePermissionDenied))
}

func TestInvalidRoomCodeRejected(t *testing.T) {
	doctor, _ := newCallController(t, doctorSession(t), signaling.NewLocalChannel(), &fakeDevices{})

	err := doctor.StartCall(context.Background(), "not-a-room")
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrCodeValidationFailed))
}

func TestSecondCallWhileActiveRejected(t *testing.T) {
	channel := signaling.NewLocalChannel()
	doctor, _ := newCallController(t, doctorSession(t), channel, &fakeDevices{})
	ctx := context.Background()

	require.NoError(t, doctor.StartCall(ctx, testRoomCode))
	err := doctor.StartCall(ctx, "TM-XYZ789")
	require.Error(t, err)
}

func TestMediaToggles(t *testing.T) {
	channel := signaling.NewLocalChannel()
	devices := &fakeDevices{}
	doctor, _ := newCallController(t, doctorSession(t), channel, devices)
	ctx := context.Background()

	require.NoError(t, doctor.StartCall(ctx, testRoomCode))
	stream := devices.lastStream()
	require.NotNil(t, stream)

	trackByKind := func(kind rtc.TrackKind) *fakeTrack {
		for _, track := range stream.tracks {
			if track.Kind() == kind {
				return track.(*fakeTrack)
			}
		}
		return nil
	}

	doctor.SetCameraEnabled(false)
	assert.False(t, trackByKind(rtc.TrackKindVideo).Enabled())
	assert.True(t, trackByKind(rtc.TrackKindAudio).Enabled())

	doctor.SetMicEnabled(false)
	assert.False(t, trackByKind(rtc.TrackKindAudio).Enabled())

	doctor.SetCameraEnabled(true)
	assert.True(t, trackByKind(rtc.TrackKindVideo).Enabled())
}

func TestCandidateBeforeOfferPublishIsNotLost(t *testing.T) {
	channel := signaling.NewLocalChannel()
	doctor, api := newCallController(t, doctorSession(t), channel, &fakeDevices{})
	ctx := context.Background()

	// A candidate discovered synchronously from SetLocalDescription fires
	// before the room record exists; it must reach the room anyway.
	mid := "0"
	api.emitOnSetLocal = []rtc.ICECandidateInit{{Candidate: "candidate:early", SDPMid: &mid}}

	require.NoError(t, doctor.StartCall(ctx, testRoomCode))

	room, err := channel.ReadRoom(ctx, testRoomCode)
	require.NoError(t, err)
	require.NotNil(t, room)
	require.Len(t, room.DoctorCandidates, 1)
	assert.Equal(t, "candidate:early", room.DoctorCandidates[0].Candidate)
	assert.Equal(t, doctor.SessionID(), room.DoctorCandidates[0].SessionID)
}

func TestLateCandidateAfterHangupNotWritten(t *testing.T) {
	channel := signaling.NewLocalChannel()
	doctor, api := newCallController(t, doctorSession(t), channel, &fakeDevices{})
	ctx := context.Background()

	require.NoError(t, doctor.StartCall(ctx, testRoomCode))
	doctor.EndCall(ctx)

	// ICE gathering can race teardown; a candidate surfacing now must not
	// touch the room.
	api.lastPC().emitCandidate(rtc.ICECandidateInit{Candidate: "candidate:late"})

	room, err := channel.ReadRoom(ctx, testRoomCode)
	require.NoError(t, err)
	assert.Empty(t, room.DoctorCandidates)
}
