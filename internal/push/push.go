// Package push delivers push notifications through an external HTTP gateway.
package push

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/tphakala/notify-go/internal/datastore"
	"github.com/tphakala/notify-go/internal/errors"
	"github.com/tphakala/notify-go/internal/logging"
)

// payload is the gateway's wire format for one push message.
type payload struct {
	Recipient string `json:"recipient"`
	Title     string `json:"title"`
	Message   string `json:"message"`
	Priority  string `json:"priority,omitempty"`
}

// Sender posts push notifications to the configured gateway endpoint.
type Sender struct {
	gatewayURL string
	client     *http.Client
	logger     *slog.Logger
}

// NewSender creates a push sender. The HTTP client transport is shared
// so tests can intercept it.
func NewSender(gatewayURL string, timeout time.Duration) *Sender {
	return &Sender{
		gatewayURL: gatewayURL,
		client:     &http.Client{Timeout: timeout},
		logger:     logging.ForService("push"),
	}
}

// Send posts the notification to the gateway. Best effort: any transport
// error or non-2xx response becomes a typed delivery error for the
// processor to record.
func (s *Sender) Send(ctx context.Context, n *datastore.Notification) error {
	body, err := json.Marshal(payload{
		Recipient: n.Recipient,
		Title:     n.Title,
		Message:   n.Message,
		Priority:  n.Priority,
	})
	if err != nil {
		return errors.New(err).
			Component("push").
			Category(errors.CategoryDelivery).
			Context("notification_id", n.ID).
			Build()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.gatewayURL, bytes.NewReader(body))
	if err != nil {
		return errors.New(err).
			Component("push").
			Category(errors.CategoryDelivery).
			Context("notification_id", n.ID).
			Build()
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return errors.New(err).
			Component("push").
			Category(errors.CategoryNetwork).
			Context("notification_id", n.ID).
			Context("gateway_url", s.gatewayURL).
			Build()
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return errors.New(fmt.Errorf("push gateway returned status %d", resp.StatusCode)).
			Component("push").
			Category(errors.CategoryDelivery).
			Context("notification_id", n.ID).
			Context("status_code", resp.StatusCode).
			Build()
	}

	s.logger.Debug("push delivered", "notification_id", n.ID, "recipient", n.Recipient)
	return nil
}
