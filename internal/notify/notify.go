// Package notify delivers invitation emails and PIN SMS messages.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/smtp"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Sms is a single outbound text message.
type Sms struct {
	To   string // E.164
	Body string
}

// Email is a single outbound email.
type Email struct {
	To      string
	Subject string
	Body    string
}

// SmsSender delivers SMS messages.
type SmsSender interface {
	SendSms(ctx context.Context, sms Sms) error
}

// EmailSender delivers emails and reports whether the provider accepted the message.
type EmailSender interface {
	SendEmail(ctx context.Context, email Email) bool
}

// HTTPSmsSender posts messages to an SMS gateway JSON API.
type HTTPSmsSender struct {
	client *http.Client
	url    string
	token  string
	sender string
}

// NewHTTPSmsSender constructs a gateway client with a bounded request timeout.
func NewHTTPSmsSender(url, token, sender string, timeout time.Duration) *HTTPSmsSender {
	return &HTTPSmsSender{client: &http.Client{Timeout: timeout}, url: url, token: token, sender: sender}
}

// SendSms implements SmsSender. Any non-2xx response is a failure.
func (s *HTTPSmsSender) SendSms(ctx context.Context, sms Sms) error {
	body, err := json.Marshal(map[string]string{"from": s.sender, "to": sms.To, "text": sms.Body})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.token)
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("sms gateway: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("sms gateway: status %d", resp.StatusCode)
	}
	return nil
}

// SMTPEmailSender delivers mail through an SMTP relay with PLAIN auth.
type SMTPEmailSender struct {
	log  *zap.Logger
	addr string
	auth smtp.Auth
	from string
}

// NewSMTPEmailSender constructs an SMTP sender. addr is host:port.
func NewSMTPEmailSender(log *zap.Logger, addr, user, password, from string) *SMTPEmailSender {
	host := addr
	if i := strings.LastIndex(addr, ":"); i > 0 {
		host = addr[:i]
	}
	var auth smtp.Auth
	if user != "" {
		auth = smtp.PlainAuth("", user, password, host)
	}
	return &SMTPEmailSender{log: log, addr: addr, auth: auth, from: from}
}

// SendEmail implements EmailSender.
func (s *SMTPEmailSender) SendEmail(_ context.Context, e Email) bool {
	var msg bytes.Buffer
	fmt.Fprintf(&msg, "From: %s\r\nTo: %s\r\nSubject: %s\r\n", s.from, e.To, e.Subject)
	msg.WriteString("MIME-Version: 1.0\r\nContent-Type: text/plain; charset=UTF-8\r\n\r\n")
	msg.WriteString(e.Body)
	if err := smtp.SendMail(s.addr, s.auth, s.from, []string{e.To}, msg.Bytes()); err != nil {
		s.log.Warn("smtp send failed", zap.Error(err))
		return false
	}
	return true
}

// MockSmsSender records messages instead of sending them.
type MockSmsSender struct {
	log *zap.Logger

	mu   sync.Mutex
	sent []Sms
	Err  error
}

// NewMockSmsSender constructs a recording SMS sender.
func NewMockSmsSender(log *zap.Logger) *MockSmsSender { return &MockSmsSender{log: log} }

// SendSms implements SmsSender.
func (m *MockSmsSender) SendSms(_ context.Context, sms Sms) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.sent = append(m.sent, sms)
	m.log.Info("mock sms", zap.Int("len", len(sms.Body)))
	return nil
}

// Sent returns a copy of the recorded messages.
func (m *MockSmsSender) Sent() []Sms {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Sms(nil), m.sent...)
}

// MockEmailSender records emails instead of sending them.
type MockEmailSender struct {
	log *zap.Logger

	mu   sync.Mutex
	sent []Email
	Fail bool
}

// NewMockEmailSender constructs a recording email sender.
func NewMockEmailSender(log *zap.Logger) *MockEmailSender { return &MockEmailSender{log: log} }

// SendEmail implements EmailSender.
func (m *MockEmailSender) SendEmail(_ context.Context, e Email) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Fail {
		return false
	}
	m.sent = append(m.sent, e)
	m.log.Info("mock email", zap.String("subject", e.Subject))
	return true
}

// Sent returns a copy of the recorded emails.
func (m *MockEmailSender) Sent() []Email {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Email(nil), m.sent...)
}
