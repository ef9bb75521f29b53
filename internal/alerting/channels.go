package alerting

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"log"
	"time"

	"github.com/go-resty/resty/v2"
	"gopkg.in/gomail.v2"

	"github.com/intellioptics/platform/internal/errs"
)

// DeliveryTimeout bounds every outbound HTTP delivery call.
const DeliveryTimeout = 10 * time.Second

// Mailer sends HTML mail over SMTP. DefaultTo receives operational
// notifications that carry no per-rule recipient list.
type Mailer struct {
	Host      string
	Port      int
	Username  string
	Password  string
	From      string
	DefaultTo []string
}

// Send delivers one HTML message to the given recipients.
func (m *Mailer) Send(ctx context.Context, to []string, subject, htmlBody string) error {
	if m.Host == "" || m.From == "" {
		return errs.New(errs.KindExternalUnavailable, "smtp not configured")
	}
	if len(to) == 0 {
		return errs.New(errs.KindBadInput, "no recipients")
	}

	msg := gomail.NewMessage()
	msg.SetHeader("From", m.From)
	msg.SetHeader("To", to...)
	msg.SetHeader("Subject", subject)
	msg.SetBody("text/html", htmlBody)

	d := gomail.NewDialer(m.Host, m.Port, m.Username, m.Password)
	if err := d.DialAndSend(msg); err != nil {
		return errs.Wrap(errs.KindExternalUnavailable, "send mail", err)
	}
	return nil
}

// Notify wraps a plain-text notification in the standard HTML shell and
// sends it to the default recipients.
func (m *Mailer) Notify(ctx context.Context, subject, body string) error {
	return m.Send(ctx, m.DefaultTo, subject, renderAlertHTML(subject, body, "", ""))
}

const twilioAPI = "https://api.twilio.com/2010-04-01"

// SMSSender delivers text alerts through the Twilio Messages REST API, one
// message per recipient. An empty APIBase targets the Twilio cloud.
type SMSSender struct {
	AccountSID string
	AuthToken  string
	From       string
	APIBase    string
}

// Send ships body to every phone number in to. A non-empty imageURL is
// attached as MediaUrl, upgrading the message to MMS.
func (s *SMSSender) Send(ctx context.Context, to []string, body, imageURL string) error {
	if s.AccountSID == "" || s.AuthToken == "" || s.From == "" {
		return errs.New(errs.KindExternalUnavailable, "twilio not configured")
	}
	if len(to) == 0 {
		return errs.New(errs.KindBadInput, "no recipients")
	}
	base := s.APIBase
	if base == "" {
		base = twilioAPI
	}
	client := resty.New().SetTimeout(DeliveryTimeout).SetBasicAuth(s.AccountSID, s.AuthToken)
	url := fmt.Sprintf("%s/Accounts/%s/Messages.json", base, s.AccountSID)

	var firstErr error
	for _, number := range to {
		form := map[string]string{"To": number, "From": s.From, "Body": body}
		if imageURL != "" {
			form["MediaUrl"] = imageURL
		}
		resp, err := client.R().SetContext(ctx).SetFormData(form).Post(url)
		switch {
		case err != nil:
			err = errs.Wrap(errs.KindExternalUnavailable, "post twilio", err)
		case resp.IsError():
			err = errs.Newf(errs.KindExternalUnavailable, "twilio returned %s", resp.Status())
		default:
			continue
		}
		log.Printf("[Alerts] SMS to %s: %v", number, err)
		if firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// WebhookSender posts alert payloads as JSON.
type WebhookSender struct {
	http *resty.Client
}

// NewWebhookSender returns a sender with the standard delivery timeout.
func NewWebhookSender() *WebhookSender {
	return &WebhookSender{http: resty.New().SetTimeout(DeliveryTimeout)}
}

// Post delivers one payload to one URL.
func (w *WebhookSender) Post(ctx context.Context, url string, payload interface{}) error {
	resp, err := w.http.R().
		SetContext(ctx).
		SetBody(payload).
		Post(url)
	if err != nil {
		return errs.Wrap(errs.KindExternalUnavailable, "post webhook", err)
	}
	if resp.IsError() {
		return errs.Newf(errs.KindExternalUnavailable, "webhook returned %s", resp.Status())
	}
	return nil
}

var alertTmpl = template.Must(template.New("alert").Parse(`<html>
<body style="font-family: Arial, sans-serif; color: #333;">
  <h2>{{.Title}}</h2>
  <p>{{.Message}}</p>
  {{if .ImageURL}}<p><a href="{{.ImageURL}}">View detection image</a></p>{{end}}
  {{if .Severity}}<p style="color: #888;">Severity: {{.Severity}}</p>{{end}}
</body>
</html>`))

func renderAlertHTML(title, message, severity, imageURL string) string {
	var buf bytes.Buffer
	err := alertTmpl.Execute(&buf, struct {
		Title    string
		Message  string
		Severity string
		ImageURL string
	}{title, message, severity, imageURL})
	if err != nil {
		log.Printf("[Alerts] render mail: %v", err)
		return message
	}
	return buf.String()
}
