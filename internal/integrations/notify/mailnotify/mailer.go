// Package mailnotify emails concern notifications to suppliers over SMTP.
package mailnotify

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"strings"

	"github.com/BearBump/CustodyBox/internal/broker/messages"
	"github.com/BearBump/CustodyBox/internal/integrations/notify"
	"github.com/BearBump/CustodyBox/internal/models"
	"github.com/pkg/errors"
	"gopkg.in/gomail.v2"
)

var ErrNoRecipient = errors.New("no email configured for wallet")

// Sender is satisfied by *gomail.Dialer.
type Sender interface {
	DialAndSend(m ...*gomail.Message) error
}

type Config struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	// Recipients maps wallet -> email; wallets compare case-insensitively.
	Recipients map[string]string
}

type Mailer struct {
	from       string
	recipients map[string]string
	sender     Sender
}

func New(cfg Config) *Mailer {
	return NewWithSender(cfg, gomail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password))
}

func NewWithSender(cfg Config, s Sender) *Mailer {
	rcpt := make(map[string]string, len(cfg.Recipients))
	for wallet, email := range cfg.Recipients {
		rcpt[strings.ToLower(strings.TrimSpace(wallet))] = email
	}
	return &Mailer{from: cfg.From, recipients: rcpt, sender: s}
}

var bodyTmpl = template.Must(template.New("concern").Parse(`
<html>
  <body>
    <h3>New {{.Severity}} concern on shipment {{.ShipmentHash}}</h3>
    <p>Container: <b>{{.ContainerID}}</b> (scan {{.ScanID}})</p>
    <p>Type: {{.Type}}</p>
    <p>Reported by {{.ReporterRole}} {{.ReporterWallet}} at {{.CreatedAt.Format "2006-01-02 15:04:05 MST"}}</p>
    {{if .Description}}<p>{{.Description}}</p>{{end}}
  </body>
</html>
`))

// Send emails the supplier named in the message.
func (m *Mailer) Send(ctx context.Context, msg messages.ConcernRaised) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	to, ok := m.recipients[strings.ToLower(strings.TrimSpace(msg.SupplierWallet))]
	if !ok || to == "" {
		return errors.Wrapf(ErrNoRecipient, "wallet %s", msg.SupplierWallet)
	}

	var body bytes.Buffer
	if err := bodyTmpl.Execute(&body, msg); err != nil {
		return errors.Wrap(err, "render concern email")
	}

	em := gomail.NewMessage()
	em.SetHeader("From", m.from)
	em.SetHeader("To", to)
	em.SetHeader("Subject", fmt.Sprintf("[%s] %s concern on shipment %s", msg.Severity, msg.Type, msg.ShipmentHash))
	em.SetBody("text/html", body.String())

	if err := m.sender.DialAndSend(em); err != nil {
		return errors.Wrap(err, "send concern email")
	}
	return nil
}

// Dispatch lets the mailer stand in as a direct dispatcher.
func (m *Mailer) Dispatch(ctx context.Context, c *models.ShipmentConcern, targetWallet string) error {
	msg := notify.RaisedMessage(c)
	if targetWallet != "" {
		msg.SupplierWallet = targetWallet
	}
	return m.Send(ctx, msg)
}
