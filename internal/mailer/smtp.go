// Package mailer delivers email notifications through a pool of SMTP
// providers with priority/usage based routing and failover.
package mailer

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	"gopkg.in/mail.v2"

	"github.com/tphakala/notify-go/internal/datastore"
	"github.com/tphakala/notify-go/internal/errors"
)

// Sender transmits one email through a specific provider. It exists as an
// interface so the router and health checker can be tested without a
// live SMTP server.
type Sender interface {
	// Send delivers the notification through the given provider.
	Send(ctx context.Context, provider *datastore.EmailProvider, n *datastore.Notification) error
	// Probe verifies the provider's reachability and credentials.
	Probe(ctx context.Context, provider *datastore.EmailProvider) error
}

// SMTPSender implements Sender on top of gopkg.in/mail.v2.
type SMTPSender struct{}

// NewSMTPSender returns a stateless SMTP sender.
func NewSMTPSender() *SMTPSender {
	return &SMTPSender{}
}

// dialer builds a mail dialer from the provider's connection parameters.
func (s *SMTPSender) dialer(provider *datastore.EmailProvider) *mail.Dialer {
	d := mail.NewDialer(provider.Host, provider.Port, provider.Username, provider.Password)
	d.SSL = provider.UseSSL
	if provider.UseTLS {
		d.StartTLSPolicy = mail.MandatoryStartTLS
		d.TLSConfig = &tls.Config{ServerName: provider.Host, MinVersion: tls.VersionTLS12}
	}
	if provider.ConnectTimeoutMs > 0 {
		d.Timeout = time.Duration(provider.ConnectTimeoutMs) * time.Millisecond
	}
	return d
}

// Send builds the message and performs a single dial-and-send. Transport
// errors come back typed as delivery errors so the processor records the
// attempt as FAILED instead of swallowing it.
func (s *SMTPSender) Send(ctx context.Context, provider *datastore.EmailProvider, n *datastore.Notification) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m := mail.NewMessage()
	if provider.FromName != "" {
		m.SetAddressHeader("From", provider.FromEmail, provider.FromName)
	} else {
		m.SetHeader("From", provider.FromEmail)
	}
	m.SetHeader("To", n.Recipient)
	m.SetHeader("Subject", n.Subject)
	m.SetBody("text/html", n.Message)

	if err := s.dialer(provider).DialAndSend(m); err != nil {
		return errors.New(err).
			Component("mailer").
			Category(errors.CategoryDelivery).
			Context("provider", provider.Name).
			Context("recipient", n.Recipient).
			Build()
	}
	return nil
}

// Probe dials the provider and closes the connection without sending.
func (s *SMTPSender) Probe(ctx context.Context, provider *datastore.EmailProvider) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	closer, err := s.dialer(provider).Dial()
	if err != nil {
		return errors.New(fmt.Errorf("probe failed: %w", err)).
			Component("mailer").
			Category(errors.CategoryNetwork).
			Context("provider", provider.Name).
			Build()
	}
	return closer.Close()
}
