package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/smtp"
	"net/textproto"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-message/mail"

	"meshward/internal/config"
	logx "meshward/pkg/logx"
)

// EmailAdapter submits alert mail to the configured SMTP relay. Each send is
// a fresh session; the homestead relay is close by and sessions are cheap.
type EmailAdapter struct {
	mu  sync.RWMutex
	cfg config.EmailConfig
	log logx.Logger
}

func NewEmailAdapter(cfg config.EmailConfig, log logx.Logger) *EmailAdapter {
	return &EmailAdapter{cfg: cfg, log: log.With(logx.String("adapter", "email"))}
}

// Apply swaps in a new relay configuration for subsequent sends.
func (e *EmailAdapter) Apply(cfg config.EmailConfig) {
	e.mu.Lock()
	e.cfg = cfg
	e.mu.Unlock()
}

func (e *EmailAdapter) Send(ctx context.Context, destination string, p Payload) Outcome {
	e.mu.RLock()
	cfg := e.cfg
	e.mu.RUnlock()

	if strings.TrimSpace(cfg.Host) == "" {
		return Permanent("email relay not configured")
	}
	if strings.TrimSpace(destination) == "" {
		return Permanent("empty recipient address")
	}

	msg, err := buildMessage(cfg.From, destination, p)
	if err != nil {
		return Permanent(fmt.Sprintf("building message: %v", err))
	}

	port := cfg.Port
	if port == 0 {
		port = 587
	}
	addr := fmt.Sprintf("%s:%d", cfg.Host, port)
	var auth smtp.Auth
	if cfg.Username != "" {
		auth = smtp.PlainAuth("", cfg.Username, cfg.Password, cfg.Host)
	}

	// net/smtp has no context hook; run the session in a goroutine and let
	// the caller's deadline abandon it.
	done := make(chan error, 1)
	go func() {
		done <- smtp.SendMail(addr, auth, cfg.From, []string{destination}, msg)
	}()
	select {
	case <-ctx.Done():
		return Transient("smtp session timed out")
	case err = <-done:
	}
	if err == nil {
		return Delivered()
	}

	var tpErr *textproto.Error
	if errors.As(err, &tpErr) && tpErr.Code >= 500 {
		return Permanent(fmt.Sprintf("smtp %d: %s", tpErr.Code, tpErr.Msg))
	}
	e.log.Debug("smtp send failed", logx.String("relay", addr), logx.Err(err))
	return Transient(err.Error())
}

func buildMessage(from, to string, p Payload) ([]byte, error) {
	var h mail.Header
	h.SetDate(time.Now())
	h.SetAddressList("From", []*mail.Address{{Address: from}})
	h.SetAddressList("To", []*mail.Address{{Address: to}})
	subject := p.Subject
	if subject == "" {
		subject = firstLine(p.Body)
	}
	h.SetSubject(subject)

	var buf bytes.Buffer
	w, err := mail.CreateSingleInlineWriter(&buf, h)
	if err != nil {
		return nil, err
	}
	if _, err := io.WriteString(w, p.Body); err != nil {
		_ = w.Close()
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}
