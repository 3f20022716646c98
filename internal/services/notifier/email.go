// -----------------------------------------------------------------------
// Email channel - SMTP delivery of HTML + text notifications
// -----------------------------------------------------------------------

package notifier

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/renderer/html"

	"github.com/ternarybob/authkeeper/internal/common"
	"github.com/ternarybob/authkeeper/internal/models"
)

const smtpTimeout = 30 * time.Second

// SMTPSettings are the resolved email channel settings, secrets included
type SMTPSettings struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	FromName string
	To       []string
	UseTLS   bool
}

// SMTPSettingsFromConfig resolves credential env references with getenv
func SMTPSettingsFromConfig(config common.EmailChannelConfig, getenv func(string) string) SMTPSettings {
	s := SMTPSettings{
		Host:     config.Host,
		Port:     config.Port,
		From:     config.From,
		FromName: config.FromName,
		To:       append([]string(nil), config.To...),
		UseTLS:   config.UseTLS,
	}
	if s.Port == 0 {
		s.Port = 587
	}
	if s.FromName == "" {
		s.FromName = "Authkeeper"
	}
	if config.UsernameEnv != "" {
		s.Username = getenv(config.UsernameEnv)
	}
	if config.PasswordEnv != "" {
		s.Password = getenv(config.PasswordEnv)
	}
	if s.From == "" {
		s.From = s.Username
	}
	return s
}

// sendFunc delivers a rendered message; replaced in tests
type sendFunc func(ctx context.Context, settings SMTPSettings, msg []byte) error

// EmailChannel sends each event as a multipart email
type EmailChannel struct {
	enabled  bool
	minLevel models.Level
	settings SMTPSettings
	markdown goldmark.Markdown
	send     sendFunc
}

func NewEmailChannel(enabled bool, minLevel string, settings SMTPSettings) *EmailChannel {
	return &EmailChannel{
		enabled:  enabled,
		minLevel: models.ParseLevel(minLevel),
		settings: settings,
		markdown: goldmark.New(
			goldmark.WithExtensions(extension.GFM),
			goldmark.WithRendererOptions(
				html.WithHardWraps(),
				html.WithXHTML(),
			),
		),
		send: sendSMTP,
	}
}

func (e *EmailChannel) Name() string { return "email" }
func (e *EmailChannel) Enabled() bool { return e.enabled }
func (e *EmailChannel) MinLevel() models.Level { return e.minLevel }

// Available reports whether host, sender and recipients are known
func (e *EmailChannel) Available() bool {
	return e.settings.Host != "" && e.settings.From != "" && len(e.settings.To) > 0
}

func (e *EmailChannel) Send(ctx context.Context, event models.NotificationEvent) error {
	msg, err := e.render(event)
	if err != nil {
		return err
	}
	return e.send(ctx, e.settings, msg)
}

// markdownBody is the text part; the HTML part is rendered from it
func markdownBody(event models.NotificationEvent) string {
	var b strings.Builder
	b.WriteString(fmt.Sprintf("## %s: %s\n\n", event.Level, event.Service))
	b.WriteString(event.Message + "\n\n")
	b.WriteString("| Field | Value |\n|---|---|\n")
	b.WriteString(fmt.Sprintf("| Service | %s |\n", event.Service))
	if event.Account != "" {
		b.WriteString(fmt.Sprintf("| Account | %s |\n", event.Account))
	}
	b.WriteString(fmt.Sprintf("| Level | %s |\n", event.Level))
	b.WriteString(fmt.Sprintf("| Time | %s |\n", event.Timestamp.Format(time.RFC3339)))
	for _, k := range sortedKeys(event.Details) {
		b.WriteString(fmt.Sprintf("| %s | %s |\n", tableCell(k), tableCell(fmt.Sprint(event.Details[k]))))
	}
	return b.String()
}

// tableCell keeps a value inside one markdown table cell
func tableCell(v string) string {
	v = strings.ReplaceAll(v, "|", `\|`)
	return strings.Join(strings.Fields(v), " ")
}

func (e *EmailChannel) render(event models.NotificationEvent) ([]byte, error) {
	text := markdownBody(event)
	var htmlBody bytes.Buffer
	if err := e.markdown.Convert([]byte(text), &htmlBody); err != nil {
		return nil, fmt.Errorf("failed to render email body: %w", err)
	}

	var h mail.Header
	h.SetDate(event.Timestamp)
	h.SetSubject(event.Subject())
	h.SetAddressList("From", []*mail.Address{{Name: e.settings.FromName, Address: e.settings.From}})
	to := make([]*mail.Address, 0, len(e.settings.To))
	for _, addr := range e.settings.To {
		to = append(to, &mail.Address{Address: addr})
	}
	h.SetAddressList("To", to)

	var buf bytes.Buffer
	mw, err := mail.CreateWriter(&buf, h)
	if err != nil {
		return nil, fmt.Errorf("failed to create message: %w", err)
	}
	tw, err := mw.CreateInline()
	if err != nil {
		return nil, fmt.Errorf("failed to create message body: %w", err)
	}
	if err := writePart(tw, "text/plain", text); err != nil {
		return nil, err
	}
	if err := writePart(tw, "text/html", htmlBody.String()); err != nil {
		return nil, err
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writePart(tw *mail.InlineWriter, contentType, body string) error {
	var ph mail.InlineHeader
	ph.SetContentType(contentType, map[string]string{"charset": "utf-8"})
	w, err := tw.CreatePart(ph)
	if err != nil {
		return fmt.Errorf("failed to create %s part: %w", contentType, err)
	}
	if _, err := io.WriteString(w, body); err != nil {
		return fmt.Errorf("failed to write %s part: %w", contentType, err)
	}
	return w.Close()
}

// sendSMTP uses implicit TLS on port 465, STARTTLS when TLS is requested on other ports,
// and plain SMTP otherwise
func sendSMTP(ctx context.Context, settings SMTPSettings, msg []byte) error {
	addr := net.JoinHostPort(settings.Host, strconv.Itoa(settings.Port))
	dialer := &net.Dialer{Timeout: smtpTimeout}
	tlsConfig := &tls.Config{ServerName: settings.Host}

	var (
		conn net.Conn
		err  error
	)
	if settings.UseTLS && settings.Port == 465 {
		conn, err = tls.DialWithDialer(dialer, "tcp", addr, tlsConfig)
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return fmt.Errorf("failed to connect to SMTP server: %w", err)
	}

	deadline := time.Now().Add(smtpTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetDeadline(deadline)

	client, err := smtp.NewClient(conn, settings.Host)
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to create SMTP client: %w", err)
	}
	defer client.Close()

	if settings.UseTLS && settings.Port != 465 {
		if err := client.StartTLS(tlsConfig); err != nil {
			return fmt.Errorf("failed to start TLS: %w", err)
		}
	}

	if settings.Username != "" && settings.Password != "" {
		if err := client.Auth(smtp.PlainAuth("", settings.Username, settings.Password, settings.Host)); err != nil {
			return fmt.Errorf("SMTP authentication failed: %w", err)
		}
	}
	if err := client.Mail(settings.From); err != nil {
		return fmt.Errorf("failed to set mail from: %w", err)
	}
	for _, to := range settings.To {
		if err := client.Rcpt(to); err != nil {
			return fmt.Errorf("failed to set mail recipient %s: %w", to, err)
		}
	}

	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("failed to start data: %w", err)
	}
	if _, err := w.Write(msg); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to close data writer: %w", err)
	}
	return client.Quit()
}
