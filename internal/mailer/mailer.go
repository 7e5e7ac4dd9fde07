// Package mailer delivers magic sign-in links.
package mailer

import (
	"bytes"
	"context"
	"fmt"
	"html/template"

	logging "github.com/ipfs/go-log/v2"
	"gopkg.in/gomail.v2"
)

var log = logging.Logger("mailer")

type Mailer interface {
	SendMagicLink(ctx context.Context, to, link string) error
}

var magicLinkTemplate = template.Must(template.New("magic").Parse(`<p>Hello,</p>
<p>Use the link below to sign in to Vaulted. It works once.</p>
<p><a href="{{.Link}}">{{.Link}}</a></p>
<p>If you did not request this, ignore this email.</p>
`))

type SMTPMailer struct {
	dialer *gomail.Dialer
	from   string
}

func NewSMTPMailer(host string, port int, username, password, from string) *SMTPMailer {
	return &SMTPMailer{
		dialer: gomail.NewDialer(host, port, username, password),
		from:   from,
	}
}

func (m *SMTPMailer) SendMagicLink(_ context.Context, to, link string) error {
	body, err := renderMagicLink(link)
	if err != nil {
		return err
	}

	msg := gomail.NewMessage()
	msg.SetHeader("From", m.from)
	msg.SetHeader("To", to)
	msg.SetHeader("Subject", "Your Vaulted sign-in link")
	msg.SetBody("text/html", body)

	if err := m.dialer.DialAndSend(msg); err != nil {
		return fmt.Errorf("send magic link: %w", err)
	}
	log.Infow("magic link sent", "to", to)
	return nil
}

// LogMailer writes the link to the log instead of sending it. Used when no
// SMTP server is configured.
type LogMailer struct{}

func (LogMailer) SendMagicLink(_ context.Context, to, link string) error {
	log.Infow("magic link", "to", to, "link", link)
	return nil
}

func renderMagicLink(link string) (string, error) {
	var buf bytes.Buffer
	if err := magicLinkTemplate.Execute(&buf, map[string]string{"Link": link}); err != nil {
		return "", fmt.Errorf("render magic link: %w", err)
	}
	return buf.String(), nil
}
