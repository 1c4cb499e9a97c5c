// Package sendgrid delivers security notifications through the SendGrid v3
// mail API.
package sendgrid

import (
	"context"
	"errors"
	"fmt"

	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"

	"github.com/kestrelsec/authcore/notify"
)

// Notifier implements [notify.Notifier] on SendGrid.
type Notifier struct {
	client    *sendgrid.Client
	fromName  string
	fromEmail string
}

// New builds a Notifier. The API key usually comes from the environment
// (SENDGRID_API_KEY).
func New(apiKey, fromName, fromEmail string) (*Notifier, error) {
	if apiKey == "" {
		return nil, errors.New("sendgrid api key is required")
	}
	if fromEmail == "" {
		return nil, errors.New("sender email is required")
	}

	return &Notifier{
		client:    sendgrid.NewSendClient(apiKey),
		fromName:  fromName,
		fromEmail: fromEmail,
	}, nil
}

// Notify sends one event as a plain transactional email.
func (n *Notifier) Notify(ctx context.Context, ev notify.Event) error {
	subject, body := render(ev)

	from := mail.NewEmail(n.fromName, n.fromEmail)
	to := mail.NewEmail("", ev.Email)
	message := mail.NewSingleEmail(from, subject, to, body, "<p>"+body+"</p>")

	response, err := n.client.SendWithContext(ctx, message)
	if err != nil {
		return err
	}
	if response.StatusCode >= 400 {
		return fmt.Errorf("sendgrid rejected message: status %d", response.StatusCode)
	}
	return nil
}

func render(ev notify.Event) (subject, body string) {
	switch ev.Kind {
	case notify.KindPasswordReset:
		return "Password reset requested",
			fmt.Sprintf("Use this code to reset your password: %s\nIt expires shortly. If you did not request this, you can ignore this message.", ev.Token)
	case notify.KindEmailVerification:
		return "Verify your email address",
			fmt.Sprintf("Use this code to verify your address: %s", ev.Token)
	case notify.KindPasswordChanged:
		return "Your password was changed",
			"Your account password was just changed. If this was not you, reset your password immediately."
	case notify.KindAnomalousLogin:
		return "Unusual sign-in activity",
			"We noticed sign-in activity from a new location and signed out your other sessions."
	case notify.KindAccountBlocked:
		return "Sign-in temporarily blocked",
			"Repeated failed attempts have temporarily blocked sign-in from your network."
	default:
		return "Security notice", "There was recent security activity on your account."
	}
}
