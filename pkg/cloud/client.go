package cloud

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"telemedsync/internal/errors"
	"telemedsync/internal/models"
	"telemedsync/pkg/circuitbreaker"
)

// Client is the authoritative remote store. Every successful create or
// update returns the canonical row including its server identity. All calls
// fail with a network error when the backend is unreachable.
type Client interface {
	CreateAppointment(ctx context.Context, appt *models.Appointment) (*models.Appointment, error)
	UpdateAppointment(ctx context.Context, remoteID string, update models.AppointmentUpdate) (*models.Appointment, error)
	GetAllAppointments(ctx context.Context) ([]models.Appointment, error)
	GetAppointmentsForDoctor(ctx context.Context, doctorID string) ([]models.Appointment, error)
	GetAppointmentsForPatient(ctx context.Context, patientID, patientName string) ([]models.Appointment, error)
	CreateChatMessage(ctx context.Context, remoteAppointmentID string, msg *models.ChatMessage) error
	GetChatMessages(ctx context.Context, remoteAppointmentID string, localAppointmentID int64) ([]models.ChatMessage, error)
}

type RESTClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
	breaker *circuitbreaker.CircuitBreaker
}

func NewClient(baseURL, apiKey string, timeout time.Duration, breaker *circuitbreaker.CircuitBreaker) *RESTClient {
	return &RESTClient{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
		breaker: breaker,
	}
}

func (c *RESTClient) CreateAppointment(ctx context.Context, appt *models.Appointment) (*models.Appointment, error) {
	var row appointmentRow
	if err := c.do(ctx, http.MethodPost, "/appointments", toRow(appt), &row); err != nil {
		return nil, err
	}
	created := fromRow(row)
	return &created, nil
}

func (c *RESTClient) UpdateAppointment(ctx context.Context, remoteID string, update models.AppointmentUpdate) (*models.Appointment, error) {
	var row appointmentRow
	path := "/appointments/" + url.PathEscape(remoteID)
	if err := c.do(ctx, http.MethodPatch, path, toUpdatePayload(update), &row); err != nil {
		return nil, err
	}
	updated := fromRow(row)
	return &updated, nil
}

func (c *RESTClient) GetAllAppointments(ctx context.Context) ([]models.Appointment, error) {
	return c.listAppointments(ctx, "/appointments")
}

func (c *RESTClient) GetAppointmentsForDoctor(ctx context.Context, doctorID string) ([]models.Appointment, error) {
	return c.listAppointments(ctx, "/appointments?doctor_id="+url.QueryEscape(doctorID))
}

func (c *RESTClient) GetAppointmentsForPatient(ctx context.Context, patientID, patientName string) ([]models.Appointment, error) {
	if patientID != "" {
		return c.listAppointments(ctx, "/appointments?patient_mobile="+url.QueryEscape(patientID))
	}
	return c.listAppointments(ctx, "/appointments?patient_name="+url.QueryEscape(patientName))
}

func (c *RESTClient) listAppointments(ctx context.Context, path string) ([]models.Appointment, error) {
	var rows []appointmentRow
	if err := c.do(ctx, http.MethodGet, path, nil, &rows); err != nil {
		return nil, err
	}
	appointments := make([]models.Appointment, 0, len(rows))
	for _, row := range rows {
		appointments = append(appointments, fromRow(row))
	}
	return appointments, nil
}

func (c *RESTClient) CreateChatMessage(ctx context.Context, remoteAppointmentID string, msg *models.ChatMessage) error {
	payload := messageRow{
		AppointmentID: remoteAppointmentID,
		SenderRole:    string(msg.SenderRole),
		SenderName:    msg.SenderName,
		Text:          msg.Text,
	}
	var row messageRow
	return c.do(ctx, http.MethodPost, "/messages", payload, &row)
}

func (c *RESTClient) GetChatMessages(ctx context.Context, remoteAppointmentID string, localAppointmentID int64) ([]models.ChatMessage, error) {
	var rows []messageRow
	path := "/messages?appointment_id=" + url.QueryEscape(remoteAppointmentID)
	if err := c.do(ctx, http.MethodGet, path, nil, &rows); err != nil {
		return nil, err
	}
	messages := make([]models.ChatMessage, 0, len(rows))
	for _, row := range rows {
		messages = append(messages, fromMessageRow(row, localAppointmentID))
	}
	return messages, nil
}

func (c *RESTClient) do(ctx context.Context, method, path string, payload, result interface{}) error {
	call := func(ctx context.Context) error {
		var body *bytes.Buffer
		if payload != nil {
			data, err := json.Marshal(payload)
			if err != nil {
				return fmt.Errorf("failed to marshal payload: %w", err)
			}
			body = bytes.NewBuffer(data)
		} else {
			body = &bytes.Buffer{}
		}

		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		if c.apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+c.apiKey)
		}

		resp, err := c.client.Do(req)
		if err != nil {
			return errors.NewNetworkError(path, err)
		}
		defer func() { _ = resp.Body.Close() }()

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			var errResp errorResponse
			_ = json.NewDecoder(resp.Body).Decode(&errResp)
			return errors.NewCloudAPIError(path, resp.StatusCode,
				fmt.Errorf("backend rejected request: %s", nonEmpty(errResp.Message, strconv.Itoa(resp.StatusCode))))
		}

		if result != nil {
			if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
				return errors.Wrap(err, errors.ErrCodeCloudAPI, "failed to decode response")
			}
		}
		return nil
	}

	if c.breaker != nil {
		return c.breaker.Execute(ctx, call)
	}
	return call(ctx)
}

func nonEmpty(s, fallback string) string {
	if s != "" {
		return s
	}
	return fallback
}
