package notify

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"time"

	"github.com/ariefcatur/go-streamhub/internal/orders"
)

var credentialsHTML = template.Must(template.New("credentials").Parse(`<!DOCTYPE html>
<html><body style="font-family:sans-serif">
<h1>Payment confirmed</h1>
<p>Hello <strong>{{.Order.CustomerName}}</strong>, here are the access details for your order.</p>
{{range .Order.CredentialsSent}}
<h2>{{.ProductName}}</h2>
{{range .Credentials}}
<div style="border-left:4px solid #667eea;padding:8px;margin:8px 0">
  <div>Login: <code>{{.Email}}</code></div>
  <div>Password: <code>{{.Password}}</code></div>
  {{if .Notes}}<div>{{.Notes}}</div>{{end}}
</div>
{{end}}
{{end}}
<p>Keep these details safe and do not share them.</p>
<p>Order #{{.Order.ID}} | Total: {{.Total}}</p>
<p>&copy; {{.Year}} {{.Store}}</p>
</body></html>`))

var verificationHTML = template.Must(template.New("verification").Parse(`<!DOCTYPE html>
<html><body style="font-family:sans-serif;text-align:center">
<h1>Email verification</h1>
<p>Hello <strong>{{.Name}}</strong>, use the code below to finish signing up.</p>
<p style="font-size:40px;letter-spacing:8px;font-family:monospace">{{.Code}}</p>
<p>This code expires in {{.Minutes}} minutes.</p>
<p>&copy; {{.Year}} {{.Store}}</p>
</body></html>`))

// Dispatcher turns domain events into emails.
type Dispatcher struct {
	Sender EmailSender
	Store  string
}

func FormatCents(c int) string {
	sign := ""
	if c < 0 {
		sign, c = "-", -c
	}
	return fmt.Sprintf("%sR$ %d.%02d", sign, c/100, c%100)
}

// SendCredentials mails the allocated credentials of a completed order.
func (d *Dispatcher) SendCredentials(ctx context.Context, o *orders.Order) error {
	if len(o.CredentialsSent) == 0 {
		return fmt.Errorf("order %s has no credentials to send", o.ID)
	}
	var html bytes.Buffer
	err := credentialsHTML.Execute(&html, map[string]any{
		"Order": o,
		"Total": FormatCents(o.TotalCents),
		"Year":  time.Now().Year(),
		"Store": d.Store,
	})
	if err != nil {
		return fmt.Errorf("render credentials email: %w", err)
	}

	var text bytes.Buffer
	fmt.Fprintf(&text, "Hello %s, your payment was confirmed.\n\n", o.CustomerName)
	for _, b := range o.CredentialsSent {
		fmt.Fprintf(&text, "%s\n", b.ProductName)
		for _, c := range b.Credentials {
			fmt.Fprintf(&text, "  login: %s  password: %s\n", c.Email, c.Password)
		}
	}
	fmt.Fprintf(&text, "\nOrder #%s | Total: %s\n", o.ID, FormatCents(o.TotalCents))

	_, err = d.Sender.Send(ctx, Message{
		To:      o.CustomerEmail,
		Subject: fmt.Sprintf("Your streaming access - order #%s", o.ID),
		HTML:    html.String(),
		Text:    text.String(),
	})
	return err
}

func (d *Dispatcher) SendVerificationCode(ctx context.Context, to, name, code string, ttl time.Duration) error {
	var html bytes.Buffer
	err := verificationHTML.Execute(&html, map[string]any{
		"Name":    name,
		"Code":    code,
		"Minutes": int(ttl.Minutes()),
		"Year":    time.Now().Year(),
		"Store":   d.Store,
	})
	if err != nil {
		return fmt.Errorf("render verification email: %w", err)
	}
	_, err = d.Sender.Send(ctx, Message{
		To:      to,
		Subject: fmt.Sprintf("Verification code - %s", d.Store),
		HTML:    html.String(),
		Text:    fmt.Sprintf("Your verification code is %s. It expires in %d minutes.", code, int(ttl.Minutes())),
	})
	return err
}
