// entities.go: database entities for notifications and email providers
package datastore

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Notification types.
const (
	TypeEmail = "EMAIL"
	TypePush  = "PUSH"
)

// Notification lifecycle statuses. The lifecycle is monotonic: a record
// never returns to PENDING once it has left it.
const (
	StatusPending           = "PENDING"
	StatusSent              = "SENT"
	StatusFailed            = "FAILED"
	StatusFailedPermanently = "FAILED_PERMANENTLY"
)

// Notification priorities. Informational only, the queue does not reorder.
const (
	PriorityLow    = "LOW"
	PriorityNormal = "NORMAL"
	PriorityHigh   = "HIGH"
)

// Notification is a single delivery request and its lifecycle record.
type Notification struct {
	ID               string     `gorm:"primaryKey;size:36"`
	Type             string     `gorm:"size:50;not null;index"`
	Status           string     `gorm:"size:50;not null;index:idx_notifications_status_created"`
	Recipient        string     `gorm:"size:255;not null"`
	Subject          string     `gorm:"size:500"`
	Title            string     `gorm:"size:500"`
	Message          string     `gorm:"type:text"`
	TemplateID       string     `gorm:"size:36"`
	ErrorMessage     string     `gorm:"type:text"`
	RetryCount       int        `gorm:"not null;default:0"`
	Priority         string     `gorm:"size:20;not null;default:NORMAL"`
	CreatedAt        time.Time  `gorm:"index:idx_notifications_status_created"`
	UpdatedAt        time.Time
	SentAt           *time.Time
	ProcessingTimeMs int64
}

// NewEmailNotification builds a validated PENDING email notification.
func NewEmailNotification(recipient, subject, message, templateID, priority string) (*Notification, error) {
	n := &Notification{
		ID:         uuid.NewString(),
		Type:       TypeEmail,
		Status:     StatusPending,
		Recipient:  recipient,
		Subject:    subject,
		Message:    message,
		TemplateID: templateID,
		Priority:   normalizePriority(priority),
	}
	if err := n.validate(); err != nil {
		return nil, err
	}
	return n, nil
}

// NewPushNotification builds a validated PENDING push notification.
func NewPushNotification(recipient, title, message, priority string) (*Notification, error) {
	n := &Notification{
		ID:        uuid.NewString(),
		Type:      TypePush,
		Status:    StatusPending,
		Recipient: recipient,
		Title:     title,
		Message:   message,
		Priority:  normalizePriority(priority),
	}
	if err := n.validate(); err != nil {
		return nil, err
	}
	return n, nil
}

// validate enforces the write-path invariants previously handled by
// persistence lifecycle hooks.
func (n *Notification) validate() error {
	if strings.TrimSpace(n.Recipient) == "" {
		return fmt.Errorf("recipient is required")
	}
	if strings.TrimSpace(n.Message) == "" {
		return fmt.Errorf("message is required")
	}
	switch n.Type {
	case TypeEmail:
		if strings.TrimSpace(n.Subject) == "" {
			return fmt.Errorf("subject is required for email notifications")
		}
	case TypePush:
		if strings.TrimSpace(n.Title) == "" {
			return fmt.Errorf("title is required for push notifications")
		}
	default:
		return fmt.Errorf("unsupported notification type: %s", n.Type)
	}
	return nil
}

// IsPending reports whether the record is still awaiting its first
// successful processing.
func (n *Notification) IsPending() bool {
	return n.Status == StatusPending
}

// IsTerminal reports whether the record can no longer change status.
func (n *Notification) IsTerminal() bool {
	return n.Status == StatusSent || n.Status == StatusFailedPermanently
}

func normalizePriority(priority string) string {
	switch strings.ToUpper(strings.TrimSpace(priority)) {
	case PriorityLow:
		return PriorityLow
	case PriorityHigh:
		return PriorityHigh
	default:
		return PriorityNormal
	}
}

// EmailProvider holds SMTP credentials and routing state for one
// member of the provider pool.
type EmailProvider struct {
	ID               string `gorm:"primaryKey;size:36"`
	Name             string `gorm:"size:255;not null;uniqueIndex"`
	Host             string `gorm:"size:255;not null"`
	Port             int    `gorm:"not null"`
	Username         string `gorm:"size:255;not null"`
	Password         string `gorm:"size:255;not null"`
	FromEmail        string `gorm:"size:255;not null"`
	FromName         string `gorm:"size:255"`
	Active           bool   `gorm:"not null;default:true;index"`
	Priority         int    `gorm:"not null;default:1"`
	DailyLimit       int    `gorm:"not null;default:1000"`
	CurrentUsage     int    `gorm:"not null;default:0"`
	MaxConnections   int    `gorm:"default:5"`
	ConnectTimeoutMs int    `gorm:"default:5000"`
	SendTimeoutMs    int    `gorm:"default:5000"`
	UseSSL           bool   `gorm:"default:false"`
	UseTLS           bool   `gorm:"default:true"`
	LastUsed         *time.Time
	LastReset        *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Validate enforces the provider configuration invariants on the write path.
func (p *EmailProvider) Validate() error {
	if strings.TrimSpace(p.Name) == "" {
		return fmt.Errorf("provider name is required")
	}
	if p.Priority < 1 {
		return fmt.Errorf("priority must be at least 1, got %d", p.Priority)
	}
	if p.DailyLimit < 0 {
		return fmt.Errorf("daily limit cannot be negative, got %d", p.DailyLimit)
	}
	if p.CurrentUsage < 0 {
		return fmt.Errorf("current usage cannot be negative, got %d", p.CurrentUsage)
	}
	if p.MaxConnections < 0 {
		return fmt.Errorf("max connections cannot be negative, got %d", p.MaxConnections)
	}
	if p.Port < 1 || p.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", p.Port)
	}
	return nil
}

// Available reports whether the provider may be selected by the router.
func (p *EmailProvider) Available() bool {
	return p.Active && p.CurrentUsage < p.DailyLimit
}

// UsageRatio returns the fraction of the daily limit already consumed.
func (p *EmailProvider) UsageRatio() float64 {
	if p.DailyLimit == 0 {
		return 0
	}
	return float64(p.CurrentUsage) / float64(p.DailyLimit)
}

// NeedsReset reports whether the usage counter belongs to a previous day.
func (p *EmailProvider) NeedsReset(now time.Time) bool {
	if p.LastReset == nil {
		return true
	}
	resetY, resetM, resetD := p.LastReset.Date()
	nowY, nowM, nowD := now.Date()
	if resetY != nowY {
		return resetY < nowY
	}
	if resetM != nowM {
		return resetM < nowM
	}
	return resetD < nowD
}
