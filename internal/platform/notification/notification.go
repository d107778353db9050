// Package notification sends booking messages by email and SMS and keeps a
// bounded in-memory record of recent sends.
package notification

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type Channel string

const (
	ChannelEmail Channel = "email"
	ChannelSMS   Channel = "sms"
)

const (
	StatusSent   = "sent"
	StatusFailed = "failed"
)

var ErrNotFound = errors.New("notification not found")

// Message is one outbound email or SMS.
type Message struct {
	Channel       Channel `json:"channel"`
	Recipient     string  `json:"recipient"`
	RecipientName string  `json:"recipient_name,omitempty"`
	Subject       string  `json:"subject,omitempty"`
	Body          string  `json:"body"`
}

// Record is a sent or failed message.
type Record struct {
	ID        string     `json:"id"`
	Message   Message    `json:"message"`
	Status    string     `json:"status"`
	Attempts  int        `json:"attempts"`
	Error     string     `json:"error,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	SentAt    *time.Time `json:"sent_at,omitempty"`
}

type EmailSender interface {
	SendEmail(ctx context.Context, to, toName, subject, body string) error
}

type SMSSender interface {
	SendSMS(ctx context.Context, to, body string) error
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithRetry sets how many times a message is attempted and the base delay
// between attempts. The delay grows linearly.
func WithRetry(attempts int, backoff time.Duration) ManagerOption {
	return func(m *Manager) {
		if attempts > 0 {
			m.attempts = attempts
		}
		m.backoff = backoff
	}
}

// WithHistory caps the number of records kept in memory.
func WithHistory(n int) ManagerOption {
	return func(m *Manager) {
		if n > 0 {
			m.history = n
		}
	}
}

// Manager delivers messages through the configured senders. A nil sender
// disables its channel.
type Manager struct {
	email    EmailSender
	sms      SMSSender
	logger   zerolog.Logger
	attempts int
	backoff  time.Duration
	history  int

	mu      sync.RWMutex
	records map[string]*Record
	order   []string
}

func NewManager(email EmailSender, sms SMSSender, logger zerolog.Logger, opts ...ManagerOption) *Manager {
	m := &Manager{
		email:    email,
		sms:      sms,
		logger:   logger.With().Str("component", "notification").Logger(),
		attempts: 3,
		backoff:  500 * time.Millisecond,
		history:  1000,
		records:  make(map[string]*Record),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Enabled reports whether a channel has a sender.
func (m *Manager) Enabled(ch Channel) bool {
	switch ch {
	case ChannelEmail:
		return m.email != nil
	case ChannelSMS:
		return m.sms != nil
	}
	return false
}

func (m *Manager) deliver(ctx context.Context, msg Message) error {
	switch msg.Channel {
	case ChannelEmail:
		if m.email == nil {
			return fmt.Errorf("email channel not configured")
		}
		return m.email.SendEmail(ctx, msg.Recipient, msg.RecipientName, msg.Subject, msg.Body)
	case ChannelSMS:
		if m.sms == nil {
			return fmt.Errorf("sms channel not configured")
		}
		return m.sms.SendSMS(ctx, msg.Recipient, msg.Body)
	}
	return fmt.Errorf("unsupported channel %q", msg.Channel)
}

// Send delivers msg, retrying failures, and records the outcome.
func (m *Manager) Send(ctx context.Context, msg Message) (*Record, error) {
	rec := &Record{ID: uuid.NewString(), Message: msg, CreatedAt: time.Now().UTC()}
	err := m.attempt(ctx, rec)
	m.store(rec)
	return rec, err
}

func (m *Manager) attempt(ctx context.Context, rec *Record) error {
	var err error
	for i := 1; ; i++ {
		rec.Attempts++
		if err = m.deliver(ctx, rec.Message); err == nil {
			now := time.Now().UTC()
			rec.Status = StatusSent
			rec.SentAt = &now
			rec.Error = ""
			return nil
		}
		m.logger.Debug().Err(err).Str("channel", string(rec.Message.Channel)).Int("attempt", i).Msg("delivery attempt failed")
		if i >= m.attempts || !sleep(ctx, time.Duration(i)*m.backoff) {
			break
		}
	}
	rec.Status = StatusFailed
	rec.Error = err.Error()
	return err
}

// sleep waits for d and reports false if ctx ended first.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (m *Manager) store(rec *Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[rec.ID]; !ok {
		m.order = append(m.order, rec.ID)
	}
	m.records[rec.ID] = rec
	for len(m.order) > m.history {
		delete(m.records, m.order[0])
		m.order = m.order[1:]
	}
}

// Retry re-sends a failed record.
func (m *Manager) Retry(ctx context.Context, id string) (*Record, error) {
	m.mu.RLock()
	rec, ok := m.records[id]
	var cp Record
	if ok {
		cp = *rec
	}
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	if cp.Status != StatusFailed {
		return nil, fmt.Errorf("notification %s is %s, only failed sends can be retried", id, cp.Status)
	}
	err := m.attempt(ctx, &cp)
	m.store(&cp)
	return &cp, err
}

func (m *Manager) Get(id string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

// Recent returns up to limit records, newest first, optionally filtered by
// recipient.
func (m *Manager) Recent(recipient string, limit int) []Record {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Record, 0, limit)
	for i := len(m.order) - 1; i >= 0 && len(out) < limit; i-- {
		rec := m.records[m.order[i]]
		if recipient != "" && rec.Message.Recipient != recipient {
			continue
		}
		out = append(out, *rec)
	}
	return out
}

// Stats counts records per status.
func (m *Manager) Stats() map[string]int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	stats := map[string]int{StatusSent: 0, StatusFailed: 0}
	for _, rec := range m.records {
		stats[rec.Status]++
	}
	return stats
}

// SendAll delivers every message and joins the failures.
func (m *Manager) SendAll(ctx context.Context, msgs []Message) error {
	var errs []error
	for _, msg := range msgs {
		if _, err := m.Send(ctx, msg); err != nil {
			errs = append(errs, fmt.Errorf("%s to %s: %w", msg.Channel, msg.Recipient, err))
		}
	}
	return errors.Join(errs...)
}
