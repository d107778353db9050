package notification

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"github.com/sendgrid/rest"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
	openapi "github.com/twilio/twilio-go/rest/api/v2010"
)

type emailCall struct{ To, Name, Subject, Body string }

type mockEmail struct {
	mu        sync.Mutex
	calls     []emailCall
	failFirst int
}

func (m *mockEmail) SendEmail(_ context.Context, to, name, subject, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, emailCall{to, name, subject, body})
	if len(m.calls) <= m.failFirst {
		return errors.New("503 service unavailable")
	}
	return nil
}

type mockSMS struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (m *mockSMS) SendSMS(_ context.Context, to, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, to)
	return m.err
}

func newTestManager(email EmailSender, sms SMSSender) *Manager {
	return NewManager(email, sms, zerolog.Nop(), WithRetry(3, 0))
}

func TestSend_RetriesUntilSuccess(t *testing.T) {
	email := &mockEmail{failFirst: 2}
	m := newTestManager(email, nil)

	rec, err := m.Send(context.Background(), Message{Channel: ChannelEmail, Recipient: "a@example.com", Subject: "s", Body: "b"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Status != StatusSent || rec.Attempts != 3 || rec.SentAt == nil {
		t.Errorf("unexpected record %+v", rec)
	}
}

func TestSend_GivesUpAfterAttempts(t *testing.T) {
	sms := &mockSMS{err: errors.New("invalid number")}
	m := newTestManager(nil, sms)

	rec, err := m.Send(context.Background(), Message{Channel: ChannelSMS, Recipient: "+15550100", Body: "b"})
	if err == nil {
		t.Fatal("expected error")
	}
	if rec.Status != StatusFailed || rec.Attempts != 3 || rec.Error == "" {
		t.Errorf("unexpected record %+v", rec)
	}
	if stats := m.Stats(); stats[StatusFailed] != 1 || stats[StatusSent] != 0 {
		t.Errorf("unexpected stats %v", stats)
	}
}

func TestSend_StopsOnCancelledContext(t *testing.T) {
	sms := &mockSMS{err: errors.New("down")}
	m := NewManager(nil, sms, zerolog.Nop(), WithRetry(5, time.Hour))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rec, _ := m.Send(ctx, Message{Channel: ChannelSMS, Recipient: "+15550100"})
	if rec.Attempts != 1 {
		t.Errorf("expected a single attempt after cancellation, got %d", rec.Attempts)
	}
}

func TestSend_DisabledChannel(t *testing.T) {
	m := newTestManager(nil, nil)
	if _, err := m.Send(context.Background(), Message{Channel: ChannelEmail, Recipient: "x"}); err == nil {
		t.Error("expected error for unconfigured channel")
	}
	if m.Enabled(ChannelEmail) || m.Enabled(ChannelSMS) {
		t.Error("no channel should be enabled")
	}
}

func TestRetry(t *testing.T) {
	sms := &mockSMS{err: errors.New("down")}
	m := newTestManager(nil, sms)
	rec, _ := m.Send(context.Background(), Message{Channel: ChannelSMS, Recipient: "+15550100"})

	sms.err = nil
	retried, err := m.Retry(context.Background(), rec.ID)
	if err != nil || retried.Status != StatusSent {
		t.Fatalf("expected retry to succeed, got %+v %v", retried, err)
	}
	if _, err := m.Retry(context.Background(), rec.ID); err == nil {
		t.Error("a sent record must not be retried")
	}
	if _, err := m.Retry(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestHistoryIsBounded(t *testing.T) {
	m := NewManager(&mockEmail{}, nil, zerolog.Nop(), WithHistory(2))
	for _, to := range []string{"a", "b", "c"} {
		_, _ = m.Send(context.Background(), Message{Channel: ChannelEmail, Recipient: to})
	}
	recent := m.Recent("", 10)
	if len(recent) != 2 || recent[0].Message.Recipient != "c" || recent[1].Message.Recipient != "b" {
		t.Errorf("expected newest two records, got %+v", recent)
	}
	if got := m.Recent("b", 10); len(got) != 1 {
		t.Errorf("expected recipient filter, got %d", len(got))
	}
}

func testBooking() Booking {
	ny, _ := time.LoadLocation("America/New_York")
	return Booking{
		AppointmentID:   "appt-1",
		Patient:         Party{Name: "Sam Lee", Email: "sam@example.com", Phone: "+15550101"},
		Practitioners:   []Party{{Name: "Dr. Rivera", Email: "rivera@example.com"}, {Name: "Dr. Okafor"}},
		Start:           time.Date(2024, 3, 4, 14, 0, 0, 0, ny),
		DurationMinutes: 30,
		Mode:            "virtual",
		Status:          "confirmed",
	}
}

func TestBookingMessages(t *testing.T) {
	msgs := BookingMessages(testBooking())
	if len(msgs) != 3 {
		t.Fatalf("expected patient email, patient sms and one practitioner email, got %d", len(msgs))
	}
	if msgs[0].Channel != ChannelEmail || !strings.Contains(msgs[0].Body, "Monday 4 March 2024 at 14:00 (EST, 30 min)") {
		t.Errorf("unexpected patient email %+v", msgs[0])
	}
	if !strings.Contains(msgs[0].Body, "Dr. Rivera, Dr. Okafor") {
		t.Errorf("patient email should name all practitioners: %s", msgs[0].Body)
	}
	if msgs[1].Channel != ChannelSMS || msgs[1].Recipient != "+15550101" {
		t.Errorf("unexpected sms %+v", msgs[1])
	}
	if msgs[2].Recipient != "rivera@example.com" || !strings.Contains(msgs[2].Subject, "Sam Lee") {
		t.Errorf("unexpected practitioner email %+v", msgs[2])
	}
}

func TestNotifyBooking_OnlyEnabledChannels(t *testing.T) {
	email := &mockEmail{}
	m := newTestManager(email, nil)
	if err := m.NotifyBooking(context.Background(), testBooking()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(email.calls) != 2 {
		t.Errorf("expected two emails, got %d", len(email.calls))
	}
}

type fakeSendGrid struct {
	status int
	got    *mail.SGMailV3
}

func (f *fakeSendGrid) SendWithContext(_ context.Context, m *mail.SGMailV3) (*rest.Response, error) {
	f.got = m
	return &rest.Response{StatusCode: f.status, Body: "{}"}, nil
}

func TestSendGrid(t *testing.T) {
	fake := &fakeSendGrid{status: http.StatusAccepted}
	s := &SendGrid{client: fake, from: mail.NewEmail("Practice", "no-reply@example.com")}
	if err := s.SendEmail(context.Background(), "sam@example.com", "Sam", "Hi", "Body"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fake.got.Subject != "Hi" || fake.got.From.Address != "no-reply@example.com" {
		t.Errorf("unexpected message %+v", fake.got)
	}

	fake.status = http.StatusUnauthorized
	if err := s.SendEmail(context.Background(), "sam@example.com", "Sam", "Hi", "Body"); err == nil {
		t.Error("expected error for non-2xx status")
	}
}

type fakeTwilio struct {
	params *openapi.CreateMessageParams
}

func (f *fakeTwilio) CreateMessage(p *openapi.CreateMessageParams) (*openapi.ApiV2010Message, error) {
	f.params = p
	sid := "SM123"
	return &openapi.ApiV2010Message{Sid: &sid}, nil
}

func TestTwilio(t *testing.T) {
	fake := &fakeTwilio{}
	tw := &Twilio{api: fake, from: "+15550000"}
	if err := tw.SendSMS(context.Background(), "+15550101", "hello"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if *fake.params.To != "+15550101" || *fake.params.From != "+15550000" || *fake.params.Body != "hello" {
		t.Errorf("unexpected params %+v", fake.params)
	}
	if err := tw.SendSMS(context.Background(), "5550101", "hello"); err == nil {
		t.Error("expected error for non E.164 number")
	}
}

func TestHandler(t *testing.T) {
	sms := &mockSMS{err: errors.New("down")}
	m := newTestManager(nil, sms)
	rec, _ := m.Send(context.Background(), Message{Channel: ChannelSMS, Recipient: "+15550100"})
	h := NewHandler(m)
	e := echo.New()

	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/?recipient=%2B15550100", nil), httptest.NewRecorder())
	if err := h.List(c); err != nil {
		t.Fatalf("list: %v", err)
	}

	recorder := httptest.NewRecorder()
	c = e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), recorder)
	if err := h.Stats(c); err != nil {
		t.Fatalf("stats: %v", err)
	}
	var stats map[string]int
	if err := json.Unmarshal(recorder.Body.Bytes(), &stats); err != nil || stats[StatusFailed] != 1 {
		t.Errorf("unexpected stats %v %v", stats, err)
	}

	sms.err = nil
	c = e.NewContext(httptest.NewRequest(http.MethodPost, "/", nil), httptest.NewRecorder())
	c.SetParamNames("id")
	c.SetParamValues(rec.ID)
	if err := h.Retry(c); err != nil {
		t.Fatalf("retry: %v", err)
	}

	c = e.NewContext(httptest.NewRequest(http.MethodPost, "/", nil), httptest.NewRecorder())
	c.SetParamNames("id")
	c.SetParamValues(rec.ID)
	if he, ok := h.Retry(c).(*echo.HTTPError); !ok || he.Code != http.StatusConflict {
		t.Errorf("expected 409 retrying a sent record, got %v", he)
	}

	c = e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())
	c.SetParamNames("id")
	c.SetParamValues("missing")
	if he, ok := h.Get(c).(*echo.HTTPError); !ok || he.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %v", he)
	}
}
