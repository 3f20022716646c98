// -----------------------------------------------------------------------
// IMAP mailbox - reads verification emails with go-imap
// -----------------------------------------------------------------------

package twofactor

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/emersion/go-message/mail"
	"github.com/ternarybob/arbor"
)

// Email is a fetched verification message
type Email struct {
	ID      uint32
	From    string
	Subject string
	Body    string
	Date    time.Time
}

// Mailbox is the inbox the provider polls
type Mailbox interface {
	FetchUnseen(ctx context.Context, subjectFilter string) ([]Email, error)
	MarkSeen(ctx context.Context, id uint32) error
}

// IMAPCredentials are resolved from the environment at startup
type IMAPCredentials struct {
	Host     string
	Port     int
	Username string
	Password string
	UseTLS   bool
}

// IMAPMailbox reads the INBOX over IMAP, one connection per call
type IMAPMailbox struct {
	creds  IMAPCredentials
	logger arbor.ILogger
}

// NewIMAPMailbox creates a mailbox for the given credentials
func NewIMAPMailbox(creds IMAPCredentials, logger arbor.ILogger) *IMAPMailbox {
	return &IMAPMailbox{creds: creds, logger: logger}
}

func (m *IMAPMailbox) connect() (*client.Client, error) {
	if m.creds.Host == "" || m.creds.Username == "" || m.creds.Password == "" {
		return nil, fmt.Errorf("IMAP not configured")
	}

	addr := fmt.Sprintf("%s:%d", m.creds.Host, m.creds.Port)
	var (
		c   *client.Client
		err error
	)
	if m.creds.UseTLS {
		c, err = client.DialTLS(addr, nil)
	} else {
		c, err = client.Dial(addr)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to IMAP server: %w", err)
	}

	if err := c.Login(m.creds.Username, m.creds.Password); err != nil {
		_ = c.Logout()
		return nil, fmt.Errorf("IMAP login failed: %w", err)
	}
	if _, err := c.Select("INBOX", false); err != nil {
		_ = c.Logout()
		return nil, fmt.Errorf("failed to select INBOX: %w", err)
	}
	return c, nil
}

// FetchUnseen returns unseen INBOX messages whose subject contains subjectFilter
func (m *IMAPMailbox) FetchUnseen(ctx context.Context, subjectFilter string) ([]Email, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c, err := m.connect()
	if err != nil {
		return nil, err
	}
	defer c.Logout()

	criteria := imap.NewSearchCriteria()
	criteria.WithoutFlags = []string{imap.SeenFlag}

	seqNums, err := c.Search(criteria)
	if err != nil {
		return nil, fmt.Errorf("failed to search for unseen messages: %w", err)
	}
	if len(seqNums) == 0 {
		return nil, nil
	}

	seqSet := new(imap.SeqSet)
	seqSet.AddNum(seqNums...)

	messages := make(chan *imap.Message, len(seqNums))
	section := &imap.BodySectionName{Peek: true}

	done := make(chan error, 1)
	go func() {
		done <- c.Fetch(seqSet, []imap.FetchItem{imap.FetchEnvelope, section.FetchItem()}, messages)
	}()

	var emails []Email
	for msg := range messages {
		if msg == nil || msg.Envelope == nil {
			continue
		}

		subject := msg.Envelope.Subject
		if subjectFilter != "" && !strings.Contains(strings.ToLower(subject), strings.ToLower(subjectFilter)) {
			continue
		}

		body, err := parseMessageBody(msg, section)
		if err != nil {
			m.logger.Warn().Err(err).Int("seq", int(msg.SeqNum)).Msg("Failed to parse message body")
			continue
		}

		from := ""
		if len(msg.Envelope.From) > 0 {
			from = msg.Envelope.From[0].Address()
		}

		emails = append(emails, Email{
			ID:      msg.SeqNum,
			From:    from,
			Subject: subject,
			Body:    body,
			Date:    msg.Envelope.Date,
		})
	}

	if err := <-done; err != nil {
		return nil, fmt.Errorf("failed to fetch messages: %w", err)
	}
	return emails, nil
}

// MarkSeen flags a message as read so the same code is never used twice
func (m *IMAPMailbox) MarkSeen(ctx context.Context, id uint32) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c, err := m.connect()
	if err != nil {
		return err
	}
	defer c.Logout()

	seqSet := new(imap.SeqSet)
	seqSet.AddNum(id)

	item := imap.FormatFlagsOp(imap.AddFlags, true)
	if err := c.Store(seqSet, item, []interface{}{imap.SeenFlag}, nil); err != nil {
		return fmt.Errorf("failed to mark message as read: %w", err)
	}
	return nil
}

// parseMessageBody extracts the text body, falling back to the HTML part
func parseMessageBody(msg *imap.Message, section *imap.BodySectionName) (string, error) {
	r := msg.GetBody(section)
	if r == nil {
		return "", fmt.Errorf("no body section")
	}

	mr, err := mail.CreateReader(r)
	if err != nil {
		return "", fmt.Errorf("failed to create mail reader: %w", err)
	}

	var text, html string
	for {
		p, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", fmt.Errorf("failed to read next part: %w", err)
		}

		h, ok := p.Header.(*mail.InlineHeader)
		if !ok {
			continue
		}
		contentType, _, _ := h.ContentType()
		b, err := io.ReadAll(p.Body)
		if err != nil {
			return "", fmt.Errorf("failed to read body: %w", err)
		}
		switch {
		case strings.HasPrefix(contentType, "text/plain"):
			text = string(b)
		case strings.HasPrefix(contentType, "text/html"):
			html = string(b)
		}
	}

	if text != "" {
		return strings.TrimSpace(text), nil
	}
	return strings.TrimSpace(html), nil
}
