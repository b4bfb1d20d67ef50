// Package notification owns the notification lifecycle: submission,
// the status state machine, and the bookkeeping around delivery outcomes.
package notification

import (
	"context"
	"time"

	"github.com/tphakala/notify-go/internal/datastore"
)

// Publisher abstracts the dispatch queue from the lifecycle service.
type Publisher interface {
	// Publish enqueues a notification id for asynchronous delivery,
	// routed by the notification's type.
	Publish(ctx context.Context, n *datastore.Notification) error
	// PublishDeadLetter routes a notification id to the dead-letter path.
	PublishDeadLetter(ctx context.Context, id string) error
}

// EmailRequest is a validated-at-the-boundary email submission.
type EmailRequest struct {
	Recipient  string `json:"recipient"`
	Subject    string `json:"subject"`
	Message    string `json:"message"`
	TemplateID string `json:"templateId,omitempty"`
	Priority   string `json:"priority,omitempty"`
}

// PushRequest is a push notification submission.
type PushRequest struct {
	Recipient string `json:"recipient"`
	Title     string `json:"title"`
	Message   string `json:"message"`
	Priority  string `json:"priority,omitempty"`
}

// Response reports the outcome of a single submission. Submission never
// returns a Go error for a bad request; failures surface here so bulk
// operations can keep going.
type Response struct {
	ID      string `json:"id,omitempty"`
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// Accepted reports whether the submission produced a queued record.
func (r *Response) Accepted() bool {
	return r.Status == datastore.StatusPending
}

// BulkEmailRequest carries a batch of independent email submissions.
type BulkEmailRequest struct {
	Items []EmailRequest `json:"items"`
}

// BulkStats summarizes a bulk submission pass.
type BulkStats struct {
	Total     int           `json:"total"`
	Succeeded int           `json:"succeeded"`
	Failed    int           `json:"failed"`
	Duration  time.Duration `json:"duration"`
}

// BulkResponse holds per-item outcomes plus aggregate stats.
type BulkResponse struct {
	Responses []Response `json:"responses"`
	Stats     BulkStats  `json:"stats"`
}
