package notify

import (
	"context"
	"fmt"
	"net"
	"net/smtp"
	"strings"

	"github.com/ndovu/selfheal/internal/domain"
)

// EmailChannel delivers status events over SMTP.
type EmailChannel struct {
	addr     string
	from     string
	to       []string
	user     string
	password string

	// send is swappable in tests; defaults to smtp.SendMail.
	send func(addr string, auth smtp.Auth, from string, to []string, msg []byte) error
}

// NewEmailChannel constructs an SMTP channel. to accepts a comma-separated
// recipient list.
func NewEmailChannel(addr, from, to, user, password string) *EmailChannel {
	var recipients []string
	for _, r := range strings.Split(to, ",") {
		if r = strings.TrimSpace(r); r != "" {
			recipients = append(recipients, r)
		}
	}
	return &EmailChannel{
		addr:     strings.TrimSpace(addr),
		from:     strings.TrimSpace(from),
		to:       recipients,
		user:     user,
		password: password,
		send:     smtp.SendMail,
	}
}

func (c *EmailChannel) Name() domain.NotificationChannel { return domain.ChannelEmail }

// Send formats and mails the event.
func (c *EmailChannel) Send(ctx context.Context, event Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.addr == "" || c.from == "" || len(c.to) == 0 {
		return fmt.Errorf("email channel not fully configured")
	}
	var auth smtp.Auth
	if c.user != "" {
		host, _, err := net.SplitHostPort(c.addr)
		if err != nil {
			host = c.addr
		}
		auth = smtp.PlainAuth("", c.user, c.password, host)
	}

	subject := fmt.Sprintf("[selfheal] %s %s -> %s", event.Target, event.Revision, event.Status)
	var body strings.Builder
	fmt.Fprintf(&body, "From: %s\r\n", c.from)
	fmt.Fprintf(&body, "To: %s\r\n", strings.Join(c.to, ", "))
	fmt.Fprintf(&body, "Subject: %s\r\n\r\n", subject)
	fmt.Fprintf(&body, "Attempt %s (try %d) on target %s is now %s.\r\n", event.AttemptID, event.AttemptNumber, event.Target, event.Status)
	if event.Message != "" {
		fmt.Fprintf(&body, "\r\n%s\r\n", event.Message)
	}
	for key, value := range event.Diagnostics {
		fmt.Fprintf(&body, "%s: %s\r\n", key, value)
	}

	return c.send(c.addr, auth, c.from, c.to, []byte(body.String()))
}
