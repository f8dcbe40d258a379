package accounts

import (
	"bytes"
	"context"
	"io/fs"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gofiber/template/django/v3"
	goerrors "github.com/goliatone/go-errors"
	"gopkg.in/gomail.v2"
)

// MailMessage is what the lifecycle hands to the mail dispatcher
type MailMessage struct {
	Purpose   TokenPurpose
	Pseudo    string
	To        string
	Token     string
	ExpiresAt time.Time
}

// MailConfig configures SMTPMailer
type MailConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	// BaseURL is prepended to the activation and reset links
	BaseURL string
	// Templates overrides the embedded templates. It must contain
	// activation.html and reset.html.
	Templates fs.FS
}

var mailSubjects = map[TokenPurpose]string{
	PurposeActivation: "Activate your account",
	PurposeReset:      "Reset your password",
}

// MailLink builds the link embedded in the message for the token
func MailLink(baseURL string, purpose TokenPurpose, token string) string {
	base := strings.TrimRight(baseURL, "/")
	switch purpose {
	case PurposeReset:
		return base + "/password-reset/" + url.PathEscape(token)
	default:
		return base + "/activate?token=" + url.QueryEscape(token)
	}
}

// SMTPMailer renders django templates and delivers them over SMTP
type SMTPMailer struct {
	dialer  *gomail.Dialer
	from    string
	baseURL string
	views   *django.Engine
	logger  Logger
}

var _ Mailer = (*SMTPMailer)(nil)

func NewSMTPMailer(cfg MailConfig) (*SMTPMailer, error) {
	templates := cfg.Templates
	if templates == nil {
		var err error
		if templates, err = GetMailTemplatesFS(); err != nil {
			return nil, err
		}
	}

	views := django.NewFileSystem(http.FS(templates), ".html")
	if err := views.Load(); err != nil {
		return nil, goerrors.Wrap(err, goerrors.CategoryInternal, "failed to load mail templates")
	}

	from := cfg.From
	if from == "" {
		from = cfg.Username
	}

	return &SMTPMailer{
		dialer:  gomail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password),
		from:    from,
		baseURL: cfg.BaseURL,
		views:   views,
		logger:  defLogger(),
	}, nil
}

func (m *SMTPMailer) WithLogger(logger Logger) *SMTPMailer {
	m.logger = normalizeLogger(logger)
	return m
}

// Render returns the subject and HTML body for msg
func (m *SMTPMailer) Render(msg MailMessage) (string, string, error) {
	subject, ok := mailSubjects[msg.Purpose]
	if !ok {
		return "", "", goerrors.New("unknown mail purpose", goerrors.CategoryBadInput).
			WithMetadata(map[string]any{"purpose": msg.Purpose})
	}

	var out bytes.Buffer
	err := m.views.Render(&out, string(msg.Purpose), map[string]any{
		"pseudo":     msg.Pseudo,
		"link":       MailLink(m.baseURL, msg.Purpose, msg.Token),
		"expires_at": msg.ExpiresAt.UTC().Format(time.RFC1123),
	})
	if err != nil {
		return "", "", goerrors.Wrap(err, goerrors.CategoryInternal, "failed to render mail").
			WithMetadata(map[string]any{"purpose": msg.Purpose})
	}

	return subject, out.String(), nil
}

func (m *SMTPMailer) Send(ctx context.Context, msg MailMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	subject, body, err := m.Render(msg)
	if err != nil {
		return goerrors.Wrap(err, goerrors.CategoryInternal, "failed to render mail")
	}

	gm := gomail.NewMessage()
	gm.SetHeader("From", m.from)
	gm.SetHeader("To", msg.To)
	gm.SetHeader("Subject", subject)
	gm.SetBody("text/html", body)

	if err := m.dialer.DialAndSend(gm); err != nil {
		return goerrors.Wrap(err, goerrors.CategoryOperation, "failed to deliver mail")
	}

	m.logger.Debug("mail sent", "purpose", msg.Purpose, "pseudo", msg.Pseudo, "token", fingerprint(msg.Token))
	return nil
}

// LogMailer only logs the message metadata. The server falls back to it
// when no SMTP host is configured.
type LogMailer struct {
	Logger Logger
}

func (m LogMailer) Send(_ context.Context, msg MailMessage) error {
	normalizeLogger(m.Logger).Info("mail delivery disabled",
		"purpose", msg.Purpose,
		"pseudo", msg.Pseudo,
		"to", msg.To,
		"token", fingerprint(msg.Token),
	)
	return nil
}

// CaptureMailer records every message in memory. Err, when set, is
// returned by Send and nothing is recorded.
type CaptureMailer struct {
	mu       sync.Mutex
	messages []MailMessage
	Err      error
}

func (m *CaptureMailer) Send(_ context.Context, msg MailMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.messages = append(m.messages, msg)
	return nil
}

// Messages returns a copy of the recorded messages
func (m *CaptureMailer) Messages() []MailMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]MailMessage(nil), m.messages...)
}

// Last returns the latest recorded message
func (m *CaptureMailer) Last() (MailMessage, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.messages) == 0 {
		return MailMessage{}, false
	}
	return m.messages[len(m.messages)-1], true
}

// SetErr sets the error returned by Send
func (m *CaptureMailer) SetErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Err = err
}
