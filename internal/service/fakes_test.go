package service

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"telemedsync/internal/database"
	"telemedsync/internal/errors"
	"telemedsync/internal/models"
	"telemedsync/pkg/rtc"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func setupTestDB(t *testing.T) *database.Database {
	t.Helper()
	db, err := database.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func patientSession(t *testing.T) *models.Session {
	t.Helper()
	s, err := models.NewSession(models.RolePatient, "9876543210", "Asha Rao")
	require.NoError(t, err)
	return s
}

func doctorSession(t *testing.T) *models.Session {
	t.Helper()
	s, err := models.NewSession(models.RoleDoctor, "doc-7", "Dr. Mehta")
	require.NoError(t, err)
	return s
}

func adminSession(t *testing.T) *models.Session {
	t.Helper()
	s, err := models.NewSession(models.RoleAdmin, "admin-1", "Admin")
	require.NoError(t, err)
	return s
}

// manualConnectivity builds a monitor driven entirely by SetOnline.
func manualConnectivity() *ConnectivityMonitor {
	return NewConnectivityMonitor(nil, 0, 0, testLogger())
}

// fakeCloudClient is an in-memory authoritative store.
type fakeCloudClient struct {
	mu          sync.Mutex
	nextID      int
	rows        map[string]models.Appointment
	order       []string
	messages    map[string][]models.ChatMessage
	failCreate  bool
	createCalls int
	listCalls   int
}

func newFakeCloud() *fakeCloudClient {
	return &fakeCloudClient{
		rows:     make(map[string]models.Appointment),
		messages: make(map[string][]models.ChatMessage),
	}
}

// seed plants a remote-origin row and returns its remote id.
func (f *fakeCloudClient) seed(appt models.Appointment) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	remoteID := fmt.Sprintf("cloud-%d", f.nextID)
	appt.ID = 0
	appt.RemoteID = &remoteID
	f.rows[remoteID] = appt
	f.order = append(f.order, remoteID)
	return remoteID
}

func (f *fakeCloudClient) rowCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.rows)
}

func (f *fakeCloudClient) CreateAppointment(ctx context.Context, appt *models.Appointment) (*models.Appointment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createCalls++
	if f.failCreate {
		return nil, errors.NewNetworkError("/appointments", fmt.Errorf("connection refused"))
	}

	f.nextID++
	remoteID := fmt.Sprintf("cloud-%d", f.nextID)
	stored := *appt
	stored.ID = 0
	stored.RemoteID = &remoteID
	stored.SyncState = ""
	f.rows[remoteID] = stored
	f.order = append(f.order, remoteID)

	created := stored
	return &created, nil
}

func (f *fakeCloudClient) UpdateAppointment(ctx context.Context, remoteID string, update models.AppointmentUpdate) (*models.Appointment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.rows[remoteID]
	if !ok {
		return nil, errors.NewCloudAPIError("/appointments/"+remoteID, 404, fmt.Errorf("no such row"))
	}
	if update.Status != nil {
		row.Status = *update.Status
	}
	if update.ConsultMode != nil {
		row.ConsultMode = *update.ConsultMode
	}
	if update.ConsultCode != nil {
		row.ConsultCode = *update.ConsultCode
	}
	if update.CodeSharedAt != nil {
		row.CodeSharedAt = update.CodeSharedAt
	}
	if update.TokenNumber != nil {
		row.TokenNumber = *update.TokenNumber
	}
	f.rows[remoteID] = row
	updated := row
	return &updated, nil
}

func (f *fakeCloudClient) GetAllAppointments(ctx context.Context) ([]models.Appointment, error) {
	return f.filter(func(models.Appointment) bool { return true })
}

func (f *fakeCloudClient) GetAppointmentsForDoctor(ctx context.Context, doctorID string) ([]models.Appointment, error) {
	return f.filter(func(a models.Appointment) bool { return a.DoctorID == doctorID })
}

func (f *fakeCloudClient) GetAppointmentsForPatient(ctx context.Context, patientID, patientName string) ([]models.Appointment, error) {
	if patientID != "" {
		return f.filter(func(a models.Appointment) bool { return a.PatientID == patientID })
	}
	return f.filter(func(a models.Appointment) bool { return a.PatientName == patientName })
}

func (f *fakeCloudClient) listCallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listCalls
}

func (f *fakeCloudClient) filter(keep func(models.Appointment) bool) ([]models.Appointment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls++
	var out []models.Appointment
	for _, remoteID := range f.order {
		if row, ok := f.rows[remoteID]; ok && keep(row) {
			out = append(out, row)
		}
	}
	return out, nil
}

func (f *fakeCloudClient) CreateChatMessage(ctx context.Context, remoteAppointmentID string, msg *models.ChatMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages[remoteAppointmentID] = append(f.messages[remoteAppointmentID], *msg)
	return nil
}

func (f *fakeCloudClient) GetChatMessages(ctx context.Context, remoteAppointmentID string, localAppointmentID int64) ([]models.ChatMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.ChatMessage(nil), f.messages[remoteAppointmentID]...), nil
}

// Fake WebRTC layer.

type fakeTrack struct {
	mu      sync.Mutex
	kind    rtc.TrackKind
	enabled bool
	stopped bool
}

func newFakeTrack(kind rtc.TrackKind) *fakeTrack {
	return &fakeTrack{kind: kind, enabled: true}
}

func (t *fakeTrack) Kind() rtc.TrackKind { return t.kind }

func (t *fakeTrack) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled && !t.stopped
}

func (t *fakeTrack) SetEnabled(enabled bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.enabled = enabled
}

func (t *fakeTrack) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
}

func (t *fakeTrack) Stopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

type fakeStream struct {
	tracks []rtc.MediaTrack
}

func newFakeStream() *fakeStream {
	return &fakeStream{tracks: []rtc.MediaTrack{
		newFakeTrack(rtc.TrackKindAudio),
		newFakeTrack(rtc.TrackKindVideo),
	}}
}

func (s *fakeStream) Tracks() []rtc.MediaTrack { return s.tracks }

func (s *fakeStream) Stop() {
	for _, t := range s.tracks {
		t.Stop()
	}
}

func (s *fakeStream) stopped() bool {
	for _, t := range s.tracks {
		if !t.(*fakeTrack).Stopped() {
			return false
		}
	}
	return true
}

type fakeDevices struct {
	mu      sync.Mutex
	fail    bool
	streams []*fakeStream
}

func (d *fakeDevices) AcquireStream(ctx context.Context) (rtc.MediaStream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fail {
		return nil, fmt.Errorf("device busy")
	}
	stream := newFakeStream()
	d.streams = append(d.streams, stream)
	return stream, nil
}

func (d *fakeDevices) lastStream() *fakeStream {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.streams) == 0 {
		return nil
	}
	return d.streams[len(d.streams)-1]
}

type fakePeerConnection struct {
	mu          sync.Mutex
	localDesc   *rtc.SessionDescription
	remoteDesc  *rtc.SessionDescription
	candidates  []rtc.ICECandidateInit
	localTracks []rtc.MediaTrack
	onICE       func(rtc.ICECandidateInit)
	onTrack     func(rtc.MediaTrack)
	closed      bool

	// emitOnSetLocal simulates trickle ICE firing the moment the local
	// description is set.
	emitOnSetLocal []rtc.ICECandidateInit
}

func (p *fakePeerConnection) CreateOffer(ctx context.Context) (rtc.SessionDescription, error) {
	return rtc.SessionDescription{Type: "offer", SDP: "v=0 offer"}, nil
}

func (p *fakePeerConnection) CreateAnswer(ctx context.Context) (rtc.SessionDescription, error) {
	return rtc.SessionDescription{Type: "answer", SDP: "v=0 answer"}, nil
}

func (p *fakePeerConnection) SetLocalDescription(desc rtc.SessionDescription) error {
	p.mu.Lock()
	p.localDesc = &desc
	early := p.emitOnSetLocal
	p.emitOnSetLocal = nil
	p.mu.Unlock()
	for _, candidate := range early {
		p.emitCandidate(candidate)
	}
	return nil
}

func (p *fakePeerConnection) SetRemoteDescription(desc rtc.SessionDescription) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.remoteDesc = &desc
	return nil
}

func (p *fakePeerConnection) AddICECandidate(candidate rtc.ICECandidateInit) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.candidates = append(p.candidates, candidate)
	return nil
}

func (p *fakePeerConnection) AddTrack(track rtc.MediaTrack) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.localTracks = append(p.localTracks, track)
	return nil
}

func (p *fakePeerConnection) OnICECandidate(handler func(rtc.ICECandidateInit)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onICE = handler
}

func (p *fakePeerConnection) OnTrack(handler func(rtc.MediaTrack)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onTrack = handler
}

func (p *fakePeerConnection) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *fakePeerConnection) emitCandidate(candidate rtc.ICECandidateInit) {
	p.mu.Lock()
	handler := p.onICE
	p.mu.Unlock()
	if handler != nil {
		handler(candidate)
	}
}

func (p *fakePeerConnection) emitRemoteTrack(kind rtc.TrackKind) {
	p.mu.Lock()
	handler := p.onTrack
	p.mu.Unlock()
	if handler != nil {
		handler(newFakeTrack(kind))
	}
}

func (p *fakePeerConnection) appliedCandidates() []rtc.ICECandidateInit {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]rtc.ICECandidateInit(nil), p.candidates...)
}

func (p *fakePeerConnection) remoteDescription() *rtc.SessionDescription {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.remoteDesc
}

func (p *fakePeerConnection) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

type fakeRTCAPI struct {
	mu             sync.Mutex
	pcs            []*fakePeerConnection
	emitOnSetLocal []rtc.ICECandidateInit
}

func (a *fakeRTCAPI) NewPeerConnection(cfg rtc.Config) (rtc.PeerConnection, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	pc := &fakePeerConnection{emitOnSetLocal: a.emitOnSetLocal}
	a.pcs = append(a.pcs, pc)
	return pc, nil
}

func (a *fakeRTCAPI) lastPC() *fakePeerConnection {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.pcs) == 0 {
		return nil
	}
	return a.pcs[len(a.pcs)-1]
}
