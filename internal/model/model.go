// Package model holds the types shared by the reminder pipeline: rules read
// from upstream, the ephemeral candidates derived from them, and the delivery
// records persisted by the ledger.
package model

import (
	"time"
)

type Channel string

const (
	ChannelEmail Channel = "email"
	ChannelSMS   Channel = "sms"
)

func (c Channel) Valid() bool {
	return c == ChannelEmail || c == ChannelSMS
}

// PolicyKind selects how fire times are derived from a rule's deadline.
type PolicyKind string

const (
	// PolicyBefore fires once per offset at deadline-offset.
	PolicyBefore PolicyKind = "before"
	// PolicyRecurring fires every Every from Start (or deadline-Lead) until the
	// deadline, or until the rule is acknowledged.
	PolicyRecurring PolicyKind = "recurring"
)

type OffsetPolicy struct {
	Kind    PolicyKind      `json:"kind" yaml:"kind"`
	Offsets []time.Duration `json:"offsets,omitempty" yaml:"offsets,omitempty"`
	Every   time.Duration   `json:"every,omitempty" yaml:"every,omitempty"`
	Lead    time.Duration   `json:"lead,omitempty" yaml:"lead,omitempty"`
	Start   time.Time       `json:"start,omitempty" yaml:"start,omitempty"`
}

// Contact carries the addresses a rule may be delivered to.
type Contact struct {
	Name  string `json:"name,omitempty" yaml:"name,omitempty"`
	Email string `json:"email,omitempty" yaml:"email,omitempty"`
	Phone string `json:"phone,omitempty" yaml:"phone,omitempty"`
}

// Address returns the recipient for ch, or "" if the contact has none.
func (c Contact) Address(ch Channel) string {
	switch ch {
	case ChannelEmail:
		return c.Email
	case ChannelSMS:
		return c.Phone
	default:
		return ""
	}
}

// ReminderRule is owned by the upstream domain; the pipeline only reads it.
type ReminderRule struct {
	ID             string            `json:"id" yaml:"id"`
	EntityID       string            `json:"entity_id" yaml:"entity_id"`
	Deadline       time.Time         `json:"deadline" yaml:"deadline"`
	Policy         OffsetPolicy      `json:"policy" yaml:"policy"`
	Contact        Contact           `json:"contact" yaml:"contact"`
	Channels       []Channel         `json:"channels" yaml:"channels"`
	TemplateKey    string            `json:"template" yaml:"template"`
	Locale         string            `json:"locale,omitempty" yaml:"locale,omitempty"`
	Variables      map[string]string `json:"variables,omitempty" yaml:"variables,omitempty"`
	AcknowledgedAt *time.Time        `json:"acknowledged_at,omitempty" yaml:"acknowledged_at,omitempty"`
}

// Candidate is a notification that is due "now". It is produced fresh by every
// evaluation and never persisted.
type Candidate struct {
	RuleID       string
	EntityID     string
	Channel      Channel
	Recipient    string
	ScheduledFor time.Time
	TemplateKey  string
	Locale       string
	Variables    map[string]string
	Key          string
}

// Status of a DeliveryRecord.
type Status string

const (
	StatusPending   Status = "pending"
	StatusSent      Status = "sent"
	StatusFailed    Status = "failed"
	StatusExhausted Status = "exhausted"
)

// Terminal reports whether no further transition may happen.
func (s Status) Terminal() bool {
	return s == StatusSent || s == StatusExhausted
}

// DeliveryRecord is the audit trail entry for one logical notification.
// Records are never deleted.
type DeliveryRecord struct {
	Key           string    `json:"key" db:"key"`
	RuleID        string    `json:"rule_id" db:"rule_id"`
	EntityID      string    `json:"entity_id" db:"entity_id"`
	Channel       Channel   `json:"channel" db:"channel"`
	ScheduledFor  time.Time `json:"scheduled_for" db:"scheduled_for"`
	Status        Status    `json:"status" db:"status"`
	Attempts      int       `json:"attempts" db:"attempts"`
	LastAttemptAt time.Time `json:"last_attempt_at,omitempty" db:"last_attempt_at"`
	// NotBefore is both the claim lease of an in-flight send and the time a
	// scheduled retry becomes due.
	NotBefore time.Time `json:"not_before,omitempty" db:"not_before"`
	LastError string    `json:"last_error,omitempty" db:"last_error"`
	Version   int64     `json:"version" db:"version"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// TemplateKey identifies a template independent of locale.
type TemplateKey struct {
	Purpose string
	Channel Channel
}

func (k TemplateKey) String() string { return k.Purpose + "." + string(k.Channel) }

// Template is immutable once loaded.
type Template struct {
	Purpose string
	Channel Channel
	Locale  string
	Subject string
	Body    string
	Version string
}

// RenderedMessage is consumed once by the dispatcher.
type RenderedMessage struct {
	Channel         Channel
	Recipient       string
	Subject         string
	Body            string
	TemplateVersion string
}

// Exhaustion is reported to the alerting collaborator when a record becomes
// exhausted.
type Exhaustion struct {
	Key       string    `json:"key"`
	RuleID    string    `json:"rule_id"`
	EntityID  string    `json:"entity_id"`
	Channel   Channel   `json:"channel"`
	Attempts  int       `json:"attempts"`
	LastError string    `json:"last_error"`
	At        time.Time `json:"at"`
}
