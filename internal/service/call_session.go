package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"telemedsync/internal/errors"
	"telemedsync/internal/metrics"
	"telemedsync/internal/models"
	"telemedsync/internal/tracing"
	"telemedsync/pkg/rtc"
	"telemedsync/pkg/signaling"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
)

// CallSessionController owns the local media stream and the peer connection
// for one consultation call and drives the polled signaling handshake. The
// doctor side offers, the patient side answers; both poll the shared room.
//
// Every call attempt runs under a fresh session id. Any answer or candidate
// tagged with a different session id is stale and silently dropped; that is
// the only defense against leftovers from an earlier attempt on the same
// room, so it is enforced on every inbound payload and on every outbound
// candidate write.
type CallSessionController struct {
	channel  signaling.Channel
	api      rtc.API
	devices  rtc.MediaDevices
	session  *models.Session
	rtcCfg   rtc.Config
	interval time.Duration
	logger   *logrus.Logger

	mu            sync.Mutex
	state         models.CallState
	roomCode      string
	sessionID     string
	pc            rtc.PeerConnection
	localStream   rtc.MediaStream
	remoteTracks  []rtc.MediaTrack
	answerApplied bool
	peerCursor    int
	cancel        context.CancelFunc
	wg            sync.WaitGroup

	// ICE can trickle between SetLocalDescription and the offer write, when
	// no room record exists yet. Those candidates are held here and flushed
	// once the record is published.
	roomPublished     bool
	pendingCandidates []rtc.ICECandidateInit

	// writeMu serializes read-modify-write passes over the shared room so
	// concurrent candidate appends don't clobber each other.
	writeMu sync.Mutex

	stateListener func(models.CallState)
}

func NewCallSessionController(channel signaling.Channel, api rtc.API, devices rtc.MediaDevices, session *models.Session, signalingConfig models.SignalingConfig, logger *logrus.Logger) *CallSessionController {
	return &CallSessionController{
		channel:  channel,
		api:      api,
		devices:  devices,
		session:  session,
		rtcCfg:   rtc.Config{STUNServers: signalingConfig.STUNServers},
		interval: time.Duration(signalingConfig.PollIntervalMs) * time.Millisecond,
		logger:   logger,
		state:    models.CallStateIdle,
	}
}

// OnStateChange registers a listener for call state transitions.
func (cs *CallSessionController) OnStateChange(fn func(models.CallState)) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.stateListener = fn
}

// State returns the current call state.
func (cs *CallSessionController) State() models.CallState {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.state
}

// SessionID returns the active call attempt's nonce, empty when idle.
func (cs *CallSessionController) SessionID() string {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.sessionID
}

// StartCall begins a call as the offerer. It overwrites the room with a
// fresh session id, invalidating everything a previous attempt left behind.
func (cs *CallSessionController) StartCall(ctx context.Context, roomCode string) error {
	if !cs.session.Caps.SignalingOfferer {
		return errors.NewPermissionDeniedError(string(cs.session.Role), "start a call")
	}
	return cs.begin(ctx, roomCode, nil, cs.offer)
}

// JoinCall begins a call as the answerer. If the room has no live offer the
// attempt fails with RoomNotReady before any media is acquired, and nothing
// is written.
func (cs *CallSessionController) JoinCall(ctx context.Context, roomCode string) error {
	if cs.session.Caps.SignalingOfferer {
		return errors.NewPermissionDeniedError(string(cs.session.Role), "join a call as answerer")
	}
	return cs.begin(ctx, roomCode, cs.checkRoomJoinable, cs.answer)
}

func (cs *CallSessionController) begin(ctx context.Context, roomCode string, precheck, handshake func(ctx context.Context) error) error {
	roomCode = signaling.NormalizeRoomCode(roomCode)
	if !signaling.ValidateRoomCode(roomCode) {
		return errors.NewValidationError("roomCode", "room code must look like TM-XXXXXX")
	}

	ctx, span := tracing.StartSpan(ctx, "call.begin",
		attribute.String("room_code", roomCode),
		attribute.String("role", string(cs.session.Role)))
	defer span.End()

	metrics.IncrementCounter("call_attempts_total", map[string]string{
		"role": string(cs.session.Role),
	})

	cs.mu.Lock()
	if cs.state != models.CallStateIdle && cs.state != models.CallStateEnded {
		cs.mu.Unlock()
		return fmt.Errorf("a call is already active in state %s", cs.state)
	}
	cs.roomCode = roomCode
	cs.setStateLocked(models.CallStatePreparing)
	cs.mu.Unlock()

	if precheck != nil {
		if err := precheck(ctx); err != nil {
			cs.mu.Lock()
			cs.setStateLocked(models.CallStateIdle)
			cs.mu.Unlock()
			return err
		}
	}

	if err := cs.prepare(ctx); err != nil {
		cs.releaseResources(true)
		cs.mu.Lock()
		cs.setStateLocked(models.CallStateIdle)
		cs.mu.Unlock()
		return err
	}

	if err := handshake(ctx); err != nil {
		cs.releaseResources(true)
		cs.mu.Lock()
		cs.setStateLocked(models.CallStateIdle)
		cs.mu.Unlock()
		return err
	}

	cs.mu.Lock()
	cs.setStateLocked(models.CallStateNegotiating)
	pollCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	cs.cancel = cancel
	cs.wg.Add(1)
	cs.mu.Unlock()

	go cs.pollLoop(pollCtx)
	return nil
}

// prepare acquires local media and builds the peer connection. A device
// denial aborts the call before anything touches the room.
func (cs *CallSessionController) prepare(ctx context.Context) error {
	stream, err := cs.devices.AcquireStream(ctx)
	if err != nil {
		return errors.NewPermissionError(err)
	}

	pc, err := cs.api.NewPeerConnection(cs.rtcCfg)
	if err != nil {
		stream.Stop()
		return err
	}

	for _, track := range stream.Tracks() {
		if err := pc.AddTrack(track); err != nil {
			stream.Stop()
			_ = pc.Close()
			return err
		}
	}

	cs.mu.Lock()
	cs.localStream = stream
	cs.pc = pc
	cs.mu.Unlock()

	pc.OnTrack(cs.onRemoteTrack)
	return nil
}

// offer runs the doctor-side handshake: mint a session id, write the offer
// into a fresh room record.
func (cs *CallSessionController) offer(ctx context.Context) error {
	sessionID := uuid.NewString()

	cs.mu.Lock()
	cs.sessionID = sessionID
	cs.roomPublished = false
	pc := cs.pc
	roomCode := cs.roomCode
	cs.mu.Unlock()

	pc.OnICECandidate(func(candidate rtc.ICECandidateInit) {
		cs.appendLocalCandidate(sessionID, candidate)
	})

	offer, err := pc.CreateOffer(ctx)
	if err != nil {
		return fmt.Errorf("failed to create offer: %w", err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("failed to set local description: %w", err)
	}

	room := &models.SignalingRoom{
		RoomCode:  roomCode,
		SessionID: sessionID,
		Offer: &models.SessionDescription{
			SessionID: sessionID,
			Type:      offer.Type,
			SDP:       offer.SDP,
		},
	}

	cs.writeMu.Lock()
	err = cs.channel.WriteRoom(ctx, room)
	cs.writeMu.Unlock()
	if err != nil {
		return err
	}

	cs.mu.Lock()
	cs.roomPublished = true
	pending := cs.pendingCandidates
	cs.pendingCandidates = nil
	cs.mu.Unlock()
	for _, candidate := range pending {
		cs.appendLocalCandidate(sessionID, candidate)
	}

	cs.logger.WithFields(logrus.Fields{
		"room_code":  roomCode,
		"session_id": sessionID,
	}).Info("Call offer published")
	return nil
}

// answer runs the patient-side handshake: adopt the room's session id, apply
// the offer and publish the answer.
func (cs *CallSessionController) answer(ctx context.Context) error {
	cs.mu.Lock()
	pc := cs.pc
	roomCode := cs.roomCode
	cs.mu.Unlock()

	room, err := cs.channel.ReadRoom(ctx, roomCode)
	if err != nil {
		return err
	}
	if room == nil || room.Offer == nil || room.SessionID == "" || room.Ended() {
		return errors.NewRoomNotReadyError(roomCode)
	}

	sessionID := room.SessionID

	cs.mu.Lock()
	cs.sessionID = sessionID
	cs.roomPublished = true
	cs.mu.Unlock()

	pc.OnICECandidate(func(candidate rtc.ICECandidateInit) {
		cs.appendLocalCandidate(sessionID, candidate)
	})

	if err := pc.SetRemoteDescription(rtc.SessionDescription{
		Type: room.Offer.Type,
		SDP:  room.Offer.SDP,
	}); err != nil {
		return fmt.Errorf("failed to apply offer: %w", err)
	}

	answer, err := pc.CreateAnswer(ctx)
	if err != nil {
		return fmt.Errorf("failed to create answer: %w", err)
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("failed to set local description: %w", err)
	}

	err = cs.mutateRoom(ctx, sessionID, func(room *models.SignalingRoom) {
		room.Answer = &models.SessionDescription{
			SessionID: sessionID,
			Type:      answer.Type,
			SDP:       answer.SDP,
		}
	})
	if err != nil {
		return err
	}

	cs.logger.WithFields(logrus.Fields{
		"room_code":  roomCode,
		"session_id": sessionID,
	}).Info("Call answer published")
	return nil
}

// checkRoomJoinable verifies the room holds a live offer. A missing offer or
// a terminal endedAt both mean there is nothing to join until the offerer
// starts a new attempt.
func (cs *CallSessionController) checkRoomJoinable(ctx context.Context) error {
	cs.mu.Lock()
	roomCode := cs.roomCode
	cs.mu.Unlock()

	room, err := cs.channel.ReadRoom(ctx, roomCode)
	if err != nil {
		return err
	}
	if room == nil || room.Offer == nil || room.SessionID == "" || room.Ended() {
		return errors.NewRoomNotReadyError(roomCode)
	}
	return nil
}

// pollLoop reads the room on a fixed interval until the call ends.
func (cs *CallSessionController) pollLoop(ctx context.Context) {
	defer cs.wg.Done()

	ticker := time.NewTicker(cs.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if ended := cs.pollOnce(ctx); ended {
				return
			}
		}
	}
}

// pollOnce processes one room snapshot: remote hangup first, then the answer
// (offerer only), then any new peer candidates. Returns true when the call
// has ended and polling must stop.
func (cs *CallSessionController) pollOnce(ctx context.Context) bool {
	cs.mu.Lock()
	roomCode := cs.roomCode
	sessionID := cs.sessionID
	state := cs.state
	cs.mu.Unlock()

	if state == models.CallStateEnded || state == models.CallStateIdle {
		return true
	}

	room, err := cs.channel.ReadRoom(ctx, roomCode)
	if err != nil {
		cs.logger.WithError(err).Debug("Signaling poll failed; retrying next tick")
		return false
	}
	if room == nil {
		return false
	}

	if room.Ended() && room.SessionID == sessionID {
		cs.logger.WithField("room_code", roomCode).Info("Peer ended the call")
		cs.teardown(context.WithoutCancel(ctx), false)
		return true
	}

	cs.applyAnswer(room, sessionID)
	cs.drainPeerCandidates(room, sessionID)
	return false
}

// applyAnswer applies the peer's answer exactly once on the offerer side.
func (cs *CallSessionController) applyAnswer(room *models.SignalingRoom, sessionID string) {
	if !cs.session.Caps.SignalingOfferer || room.Answer == nil {
		return
	}

	cs.mu.Lock()
	applied := cs.answerApplied
	pc := cs.pc
	cs.mu.Unlock()
	if applied || pc == nil {
		return
	}

	if room.Answer.SessionID != sessionID {
		cs.logger.WithError(errors.NewStaleSessionError(sessionID, room.Answer.SessionID)).
			Debug("Dropping stale answer")
		return
	}

	if err := pc.SetRemoteDescription(rtc.SessionDescription{
		Type: room.Answer.Type,
		SDP:  room.Answer.SDP,
	}); err != nil {
		cs.logger.WithError(err).Error("Failed to apply answer")
		return
	}

	cs.mu.Lock()
	cs.answerApplied = true
	cs.mu.Unlock()
	cs.logger.Info("Answer applied; awaiting media")
}

// drainPeerCandidates applies candidates from the peer's list beyond the
// cursor. The cursor advances over stale entries too, so each index is
// visited at most once per session.
func (cs *CallSessionController) drainPeerCandidates(room *models.SignalingRoom, sessionID string) {
	peerRole := models.RoleDoctor
	if cs.session.Caps.SignalingOfferer {
		peerRole = models.RolePatient
	}
	candidates := room.CandidatesFor(peerRole)

	cs.mu.Lock()
	cursor := cs.peerCursor
	pc := cs.pc
	cs.mu.Unlock()
	if pc == nil {
		return
	}

	for ; cursor < len(candidates); cursor++ {
		c := candidates[cursor]
		if c.SessionID != sessionID {
			cs.logger.WithError(errors.NewStaleSessionError(sessionID, c.SessionID)).
				Debug("Dropping stale candidate")
			continue
		}
		if err := pc.AddICECandidate(rtc.ICECandidateInit{
			Candidate:     c.Candidate,
			SDPMid:        c.SDPMid,
			SDPMLineIndex: c.SDPMLineIndex,
		}); err != nil {
			cs.logger.WithError(err).Warn("Failed to apply peer candidate")
		}
	}

	cs.mu.Lock()
	if cursor > cs.peerCursor {
		cs.peerCursor = cursor
	}
	cs.mu.Unlock()
}

// appendLocalCandidate writes one discovered candidate into our side of the
// room. Candidates surfacing after teardown or after a session restart are
// dropped instead of written.
func (cs *CallSessionController) appendLocalCandidate(sessionID string, candidate rtc.ICECandidateInit) {
	cs.mu.Lock()
	active := cs.sessionID
	state := cs.state
	if active == sessionID && !cs.roomPublished &&
		state != models.CallStateEnded && state != models.CallStateIdle {
		cs.pendingCandidates = append(cs.pendingCandidates, candidate)
		cs.mu.Unlock()
		return
	}
	cs.mu.Unlock()

	if active != sessionID || state == models.CallStateEnded || state == models.CallStateIdle {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := cs.mutateRoom(ctx, sessionID, func(room *models.SignalingRoom) {
		tagged := models.ICECandidate{
			SessionID:     sessionID,
			Candidate:     candidate.Candidate,
			SDPMid:        candidate.SDPMid,
			SDPMLineIndex: candidate.SDPMLineIndex,
		}
		if cs.session.Caps.SignalingOfferer {
			room.DoctorCandidates = append(room.DoctorCandidates, tagged)
		} else {
			room.PatientCandidates = append(room.PatientCandidates, tagged)
		}
	})
	if err != nil {
		cs.logger.WithError(err).Warn("Failed to publish local candidate")
	}
}

// mutateRoom performs a serialized read-modify-write on the room, aborting
// when the room's session no longer matches ours.
func (cs *CallSessionController) mutateRoom(ctx context.Context, sessionID string, mutate func(*models.SignalingRoom)) error {
	cs.writeMu.Lock()
	defer cs.writeMu.Unlock()

	cs.mu.Lock()
	roomCode := cs.roomCode
	cs.mu.Unlock()

	room, err := cs.channel.ReadRoom(ctx, roomCode)
	if err != nil {
		return err
	}
	if room == nil || room.SessionID != sessionID {
		return errors.NewStaleSessionError(sessionID, roomSessionID(room))
	}

	mutate(room)
	return cs.channel.WriteRoom(ctx, room)
}

func (cs *CallSessionController) onRemoteTrack(track rtc.MediaTrack) {
	cs.mu.Lock()
	cs.remoteTracks = append(cs.remoteTracks, track)
	connected := cs.state == models.CallStateNegotiating
	if connected {
		cs.setStateLocked(models.CallStateConnected)
	}
	cs.mu.Unlock()

	if connected {
		cs.logger.WithField("kind", track.Kind()).Info("First remote track received; call connected")
	}
}

// EndCall hangs up locally and flags the room so the peer's poller tears
// down too.
func (cs *CallSessionController) EndCall(ctx context.Context) {
	cs.teardown(ctx, true)
}

// teardown releases every acquired resource and resets the controller so a
// new attempt can start. writeEnded distinguishes a user-initiated hangup,
// which must flag the room, from a teardown triggered by observing the flag,
// which must not rewrite it.
func (cs *CallSessionController) teardown(ctx context.Context, writeEnded bool) {
	cs.mu.Lock()
	if cs.state == models.CallStateEnded || cs.state == models.CallStateIdle {
		cs.mu.Unlock()
		return
	}
	sessionID := cs.sessionID
	cancel := cs.cancel
	cs.cancel = nil
	cs.setStateLocked(models.CallStateEnded)
	cs.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	if writeEnded && sessionID != "" {
		err := cs.mutateRoom(ctx, sessionID, func(room *models.SignalingRoom) {
			now := time.Now().UTC()
			room.EndedAt = &now
		})
		if err != nil {
			cs.logger.WithError(err).Warn("Failed to flag room as ended")
		}
	}

	cs.releaseResources(true)
	cs.logger.Info("Call ended")
}

// releaseResources stops media, closes the connection and resets negotiation
// bookkeeping. Losing track of a media handle here leaks the device lock, so
// every exit path funnels through this.
func (cs *CallSessionController) releaseResources(clearSession bool) {
	cs.mu.Lock()
	stream := cs.localStream
	remote := cs.remoteTracks
	pc := cs.pc
	cs.localStream = nil
	cs.remoteTracks = nil
	cs.pc = nil
	cs.answerApplied = false
	cs.peerCursor = 0
	cs.roomPublished = false
	cs.pendingCandidates = nil
	if clearSession {
		cs.sessionID = ""
	}
	cs.mu.Unlock()

	if stream != nil {
		stream.Stop()
	}
	for _, track := range remote {
		track.Stop()
	}
	if pc != nil {
		if err := pc.Close(); err != nil {
			cs.logger.WithError(err).Warn("Failed to close peer connection")
		}
	}
}

// SetCameraEnabled toggles the local video track without renegotiating.
func (cs *CallSessionController) SetCameraEnabled(enabled bool) {
	cs.setLocalTrackEnabled(rtc.TrackKindVideo, enabled)
}

// SetMicEnabled toggles the local audio track without renegotiating.
func (cs *CallSessionController) SetMicEnabled(enabled bool) {
	cs.setLocalTrackEnabled(rtc.TrackKindAudio, enabled)
}

func (cs *CallSessionController) setLocalTrackEnabled(kind rtc.TrackKind, enabled bool) {
	cs.mu.Lock()
	stream := cs.localStream
	cs.mu.Unlock()
	if stream == nil {
		return
	}
	for _, track := range stream.Tracks() {
		if track.Kind() == kind {
			track.SetEnabled(enabled)
		}
	}
}

// Wait blocks until the poll loop has exited. Intended for tests and
// graceful shutdown.
func (cs *CallSessionController) Wait() {
	cs.wg.Wait()
}

func (cs *CallSessionController) setStateLocked(state models.CallState) {
	if cs.state == state {
		return
	}
	cs.state = state
	if cs.stateListener != nil {
		listener := cs.stateListener
		go listener(state)
	}
}

func roomSessionID(room *models.SignalingRoom) string {
	if room == nil {
		return ""
	}
	return room.SessionID
}
