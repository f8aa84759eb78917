package notify

import "sync"

// Mailer delivers one rendered guest email.
type Mailer interface {
	Send(to, subject, body string) error
}

// SentMail is a message captured by MemoryMailer.
type SentMail struct {
	To      string
	Subject string
	Body    string
}

// MemoryMailer keeps messages in memory. The worker falls back to it when no
// SMTP host is configured, so local runs exercise the outbox end to end.
type MemoryMailer struct {
	// Fail, when set, is returned instead of recording the message.
	Fail error

	mu   sync.Mutex
	sent []SentMail
}

func (m *MemoryMailer) Send(to, subject, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Fail != nil {
		return m.Fail
	}
	m.sent = append(m.sent, SentMail{To: to, Subject: subject, Body: body})
	return nil
}

// Sent returns a snapshot of delivered messages.
func (m *MemoryMailer) Sent() []SentMail {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]SentMail(nil), m.sent...)
}
