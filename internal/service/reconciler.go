package service

import (
	"context"
	"strings"
	"sync"
	"time"

	"telemedsync/internal/database"
	"telemedsync/internal/metrics"
	"telemedsync/internal/models"
	"telemedsync/internal/tracing"
	"telemedsync/pkg/cloud"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
)

// Reconciler converges the local and remote appointment sets for one logged-in
// session. Reads always come from the local store; remote work happens in
// discrete cycles that push queued local creates first, then pull and merge
// the remote view, so a record pushed in a cycle is matched by remote id
// during the same cycle's pull.
//
// A failed cycle is never fatal: the local view stays authoritative to the
// caller and unsynced records keep their pending marker until a later cycle
// succeeds.
type Reconciler struct {
	db           *database.Database
	cloud        cloud.Client
	connectivity *ConnectivityMonitor
	session      *models.Session
	logger       *logrus.Logger

	// cycleMu serializes reconciliation cycles; user writes through the
	// lifecycle controller intentionally do not take it.
	cycleMu sync.Mutex

	listenerMu   sync.RWMutex
	viewListener func([]models.Appointment)
}

// NewReconciler creates a reconciler for the given session. A nil cloud
// client pins the reconciler to local-only operation.
func NewReconciler(db *database.Database, cloudClient cloud.Client, connectivity *ConnectivityMonitor, session *models.Session, logger *logrus.Logger) *Reconciler {
	return &Reconciler{
		db:           db,
		cloud:        cloudClient,
		connectivity: connectivity,
		session:      session,
		logger:       logger,
	}
}

// OnViewUpdate registers a listener invoked with the fresh role-scoped view
// after every completed cycle.
func (r *Reconciler) OnViewUpdate(fn func([]models.Appointment)) {
	r.listenerMu.Lock()
	defer r.listenerMu.Unlock()
	r.viewListener = fn
}

// Session returns the login context this reconciler serves.
func (r *Reconciler) Session() *models.Session {
	return r.session
}

// View computes the role-scoped appointment view from the local store alone.
// It never touches the network and is safe to call while a cycle is running.
func (r *Reconciler) View(ctx context.Context) ([]models.Appointment, error) {
	switch {
	case r.session.Caps.CanViewAll:
		return r.db.GetAllAppointments(ctx)
	case r.session.Caps.CanRunConsult:
		return r.db.GetAppointmentsForDoctor(ctx, r.session.UserID)
	case r.session.Caps.CanBook:
		return r.db.GetAppointmentsForPatient(ctx, r.session.UserID, r.session.DisplayName)
	default:
		return nil, nil
	}
}

// ReconcileCycle runs one full push/pull pass and returns the refreshed
// role-scoped view. When offline or when no cloud is configured it degrades
// to a plain local read.
func (r *Reconciler) ReconcileCycle(ctx context.Context) ([]models.Appointment, error) {
	r.cycleMu.Lock()
	defer r.cycleMu.Unlock()

	if !r.remoteAvailable() {
		return r.View(ctx)
	}

	ctx, span := tracing.StartSpan(ctx, "reconciler.cycle",
		attribute.String("role", string(r.session.Role)))
	defer span.End()

	start := time.Now()
	defer func() {
		metrics.RecordTimer("sync_cycle_duration", time.Since(start), nil)
	}()
	metrics.IncrementCounter("sync_cycles_total", nil)

	r.pushPending(ctx)
	r.pullRemote(ctx)

	view, err := r.View(ctx)
	if err != nil {
		tracing.RecordError(ctx, err)
		return nil, err
	}
	r.publish(view)
	return view, nil
}

// PushAppointment makes a best-effort attempt to propagate one local record
// to the remote store right away instead of waiting for the next cycle.
// Failures are logged and deferred; the record stays pending locally.
func (r *Reconciler) PushAppointment(ctx context.Context, localID int64) {
	if !r.remoteAvailable() {
		return
	}

	appt, err := r.db.GetAppointment(ctx, localID)
	if err != nil || appt == nil {
		return
	}

	if appt.IsPending() {
		if err := r.pushOne(ctx, appt); err != nil {
			r.logger.WithError(err).WithField("local_id", localID).
				Debug("Immediate push failed; deferring to next sync cycle")
		}
		return
	}

	if appt.RemoteID == nil {
		return
	}
	if _, err := r.cloud.UpdateAppointment(ctx, *appt.RemoteID, updateFromAppointment(appt)); err != nil {
		r.logger.WithError(err).WithField("remote_id", *appt.RemoteID).
			Debug("Remote update failed; deferring to next sync cycle")
	}
}

func (r *Reconciler) remoteAvailable() bool {
	return r.cloud != nil && r.connectivity.Online()
}

// pushPending uploads every local record still awaiting its remote identity.
// The pending set is re-read here rather than taken from any earlier
// snapshot, so records booked while a cycle was already in flight are picked
// up too. Per-record failures leave that record pending and move on.
func (r *Reconciler) pushPending(ctx context.Context) {
	pending, err := r.db.GetPendingAppointments(ctx)
	if err != nil {
		r.logger.WithError(err).Error("Failed to load pending appointments for push")
		return
	}

	for i := range pending {
		if err := r.pushOne(ctx, &pending[i]); err != nil {
			r.logger.WithError(err).WithField("local_id", pending[i].ID).
				Warn("Push failed; record stays pending")
		}
	}
}

func (r *Reconciler) pushOne(ctx context.Context, appt *models.Appointment) error {
	created, err := r.cloud.CreateAppointment(ctx, appt)
	if err != nil {
		return err
	}

	update := authoritativeUpdate(created)
	if _, err := r.db.UpdateAppointment(ctx, appt.ID, update, 0); err != nil {
		return err
	}

	r.logger.WithFields(logrus.Fields{
		"local_id":  appt.ID,
		"remote_id": derefString(created.RemoteID),
	}).Info("Appointment pushed to remote store")
	return nil
}

// pullRemote merges the role-scoped remote view into the local store.
// Resolution order per remote record: exact remote id match, then the
// content-equality heuristic against unsynced locals only, then insert as a
// new synced record originating elsewhere.
func (r *Reconciler) pullRemote(ctx context.Context) {
	remote, err := r.fetchRemoteView(ctx)
	if err != nil {
		r.logger.WithError(err).Warn("Pull failed; keeping local view")
		return
	}

	locals, err := r.db.GetAllAppointments(ctx)
	if err != nil {
		r.logger.WithError(err).Error("Failed to load local appointments for merge")
		return
	}

	byRemoteID := make(map[string]*models.Appointment, len(locals))
	for i := range locals {
		if locals[i].RemoteID != nil {
			byRemoteID[*locals[i].RemoteID] = &locals[i]
		}
	}

	for i := range remote {
		rec := &remote[i]
		if rec.RemoteID == nil {
			continue
		}

		if local, ok := byRemoteID[*rec.RemoteID]; ok {
			// Skip the write when nothing changed so repeated cycles with a
			// quiet backend leave no trace.
			if needsMerge(local, rec) {
				r.mergeRemote(ctx, local.ID, rec)
			}
			continue
		}

		if local := matchUnsynced(locals, rec); local != nil {
			r.mergeRemote(ctx, local.ID, rec)
			// The local record now carries a remote id; later remote rows in
			// this batch must not heuristic-match it again.
			local.RemoteID = rec.RemoteID
			byRemoteID[*rec.RemoteID] = local
			continue
		}

		r.insertRemote(ctx, rec)
	}
}

func (r *Reconciler) fetchRemoteView(ctx context.Context) ([]models.Appointment, error) {
	switch {
	case r.session.Caps.CanViewAll:
		return r.cloud.GetAllAppointments(ctx)
	case r.session.Caps.CanRunConsult:
		return r.cloud.GetAppointmentsForDoctor(ctx, r.session.UserID)
	case r.session.Caps.CanBook:
		return r.cloud.GetAppointmentsForPatient(ctx, r.session.UserID, r.session.DisplayName)
	default:
		return nil, nil
	}
}

// mergeRemote overwrites a matched local record with the remote's
// authoritative fields. The version check is bypassed: the remote store is
// the source of truth for synced records.
func (r *Reconciler) mergeRemote(ctx context.Context, localID int64, remote *models.Appointment) {
	if _, err := r.db.UpdateAppointment(ctx, localID, authoritativeUpdate(remote), 0); err != nil {
		r.logger.WithError(err).WithField("local_id", localID).
			Error("Failed to merge remote appointment")
	}
}

// insertRemote stores a record that originated on another device.
func (r *Reconciler) insertRemote(ctx context.Context, remote *models.Appointment) {
	appt := *remote
	appt.ID = 0
	appt.SyncState = models.SyncStateSynced
	if _, err := r.db.CreateAppointment(ctx, &appt); err != nil {
		r.logger.WithError(err).WithField("remote_id", derefString(remote.RemoteID)).
			Error("Failed to insert remote appointment")
	}
}

func (r *Reconciler) publish(view []models.Appointment) {
	r.listenerMu.RLock()
	fn := r.viewListener
	r.listenerMu.RUnlock()
	if fn != nil {
		fn(view)
	}
}

// needsMerge reports whether the remote row carries anything the local
// record does not already have.
func needsMerge(local, remote *models.Appointment) bool {
	if local.SyncState != models.SyncStateSynced {
		return true
	}
	if local.Status != remote.Status ||
		local.ConsultMode != remote.ConsultMode ||
		local.ConsultCode != remote.ConsultCode ||
		local.TokenNumber != remote.TokenNumber ||
		local.Date != remote.Date ||
		local.Time != remote.Time ||
		strings.TrimSpace(local.Symptoms) != strings.TrimSpace(remote.Symptoms) {
		return true
	}
	return timePtrDiffers(local.CodeSharedAt, remote.CodeSharedAt)
}

func timePtrDiffers(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a != b
	}
	return !a.Equal(*b)
}

// matchUnsynced applies the content-equality heuristic. It only ever
// considers records still awaiting a remote identity: two legitimate
// duplicate bookings must not be collapsed once either carries a remote id.
func matchUnsynced(locals []models.Appointment, remote *models.Appointment) *models.Appointment {
	for i := range locals {
		local := &locals[i]
		if !local.IsPending() {
			continue
		}
		if sameAppointment(local, remote) {
			return local
		}
	}
	return nil
}

// sameAppointment reports whether two records describe the same booking:
// same patient, doctor, slot and symptom text.
func sameAppointment(a, b *models.Appointment) bool {
	if !samePatient(a, b) {
		return false
	}
	return a.DoctorID == b.DoctorID &&
		a.Date == b.Date &&
		a.Time == b.Time &&
		strings.TrimSpace(a.Symptoms) == strings.TrimSpace(b.Symptoms)
}

func samePatient(a, b *models.Appointment) bool {
	if a.PatientID != "" && b.PatientID != "" {
		return a.PatientID == b.PatientID
	}
	return strings.EqualFold(strings.TrimSpace(a.PatientName), strings.TrimSpace(b.PatientName))
}

// authoritativeUpdate builds the local overwrite for a remote row: the
// server identity, sync state and every server-owned field.
func authoritativeUpdate(remote *models.Appointment) models.AppointmentUpdate {
	synced := models.SyncStateSynced
	return models.AppointmentUpdate{
		RemoteID:        remote.RemoteID,
		PatientName:     &remote.PatientName,
		DoctorName:      &remote.DoctorName,
		DoctorSpecialty: &remote.DoctorSpecialty,
		Date:            &remote.Date,
		Time:            &remote.Time,
		Symptoms:        &remote.Symptoms,
		TokenNumber:     &remote.TokenNumber,
		Status:          &remote.Status,
		ConsultMode:     &remote.ConsultMode,
		ConsultCode:     &remote.ConsultCode,
		CodeSharedAt:    remote.CodeSharedAt,
		SyncState:       &synced,
	}
}

// updateFromAppointment projects a local record into the partial update sent
// to the remote store when propagating a lifecycle change.
func updateFromAppointment(appt *models.Appointment) models.AppointmentUpdate {
	return models.AppointmentUpdate{
		Status:       &appt.Status,
		ConsultMode:  &appt.ConsultMode,
		ConsultCode:  &appt.ConsultCode,
		CodeSharedAt: appt.CodeSharedAt,
		TokenNumber:  &appt.TokenNumber,
	}
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
