package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusTransitionsAreMonotonic(t *testing.T) {
	assert.True(t, StatusBooked.CanTransitionTo(StatusInConsultation))
	assert.True(t, StatusBooked.CanTransitionTo(StatusCompleted))
	assert.True(t, StatusInConsultation.CanTransitionTo(StatusCompleted))

	// No path ever leads backwards or out of completed.
	assert.False(t, StatusInConsultation.CanTransitionTo(StatusBooked))
	assert.False(t, StatusCompleted.CanTransitionTo(StatusBooked))
	assert.False(t, StatusCompleted.CanTransitionTo(StatusInConsultation))
	assert.False(t, StatusBooked.CanTransitionTo(StatusBooked))
}

func TestRoleCapabilities(t *testing.T) {
	patient := RolePatient.Capabilities()
	assert.True(t, patient.CanBook)
	assert.False(t, patient.CanRunConsult)
	assert.False(t, patient.SignalingOfferer)

	doctor := RoleDoctor.Capabilities()
	assert.True(t, doctor.CanRunConsult)
	assert.True(t, doctor.SignalingOfferer)
	assert.False(t, doctor.CanBook)

	admin := RoleAdmin.Capabilities()
	assert.True(t, admin.CanViewAll)

	pharmacy := RolePharmacy.Capabilities()
	assert.True(t, pharmacy.CanManageStock)
	assert.False(t, pharmacy.CanBook)
}

func TestNewSessionNormalizesInput(t *testing.T) {
	s, err := NewSession("Doctor", " doc-7 ", " Dr. Mehta ")
	require.NoError(t, err)

	assert.Equal(t, RoleDoctor, s.Role)
	assert.Equal(t, "doc-7", s.UserID)
	assert.Equal(t, "Dr. Mehta", s.DisplayName)
	assert.True(t, s.Caps.SignalingOfferer)
}

func TestNewSessionRejectsUnknownRole(t *testing.T) {
	_, err := NewSession("nurse", "n-1", "Nina")
	require.Error(t, err)
}

func TestAppointmentIsPending(t *testing.T) {
	appt := &Appointment{SyncState: SyncStatePendingCreate}
	assert.True(t, appt.IsPending())

	remoteID := "srv-1"
	appt.RemoteID = &remoteID
	appt.SyncState = SyncStateSynced
	assert.False(t, appt.IsPending())
}

func TestSignalingRoomEnded(t *testing.T) {
	var nilRoom *SignalingRoom
	assert.False(t, nilRoom.Ended())

	room := &SignalingRoom{RoomCode: "TM-ABC123"}
	assert.False(t, room.Ended())

	now := time.Now().UTC()
	room.EndedAt = &now
	assert.True(t, room.Ended())
}

func TestSignalingRoomCandidatesFor(t *testing.T) {
	room := &SignalingRoom{
		DoctorCandidates:  []ICECandidate{{SessionID: "s1", Candidate: "candidate:d"}},
		PatientCandidates: []ICECandidate{{SessionID: "s1", Candidate: "candidate:p"}},
	}

	require.Len(t, room.CandidatesFor(RoleDoctor), 1)
	assert.Equal(t, "candidate:d", room.CandidatesFor(RoleDoctor)[0].Candidate)
	assert.Equal(t, "candidate:p", room.CandidatesFor(RolePatient)[0].Candidate)
}
