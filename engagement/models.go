package engagement

import "time"

// TriggerEmailClick is the trigger source recorded for click-driven tasks.
const TriggerEmailClick = "email_click"

// CallTaskResult reports the outcome of CreateEngagementCallTask. Exactly
// one of Created, AlreadyExists and Skipped is set.
type CallTaskResult struct {
	Created       bool   `json:"created"`
	AlreadyExists bool   `json:"alreadyExists"`
	Skipped       bool   `json:"skipped"`
	Reason        string `json:"reason,omitempty"`
	LogID         string `json:"logId,omitempty"`
	ContactID     string `json:"contactId,omitempty"`
}

// DeliveryEvent is the subset of a provider event this service reads.
type DeliveryEvent struct {
	Type      string    `json:"type"`
	CreatedAt time.Time `json:"created_at"`
	Data      struct {
		EmailID string `json:"email_id"`
		Click   *struct {
			Link      string    `json:"link"`
			Timestamp time.Time `json:"timestamp"`
			UserAgent string    `json:"userAgent"`
		} `json:"click"`
	} `json:"data"`
}

// EventResult is the outcome of one delivery event.
type EventResult struct {
	Received  bool            `json:"received"`
	Duplicate bool            `json:"duplicate,omitempty"`
	Matched   bool            `json:"matched,omitempty"`
	Ignored   bool            `json:"ignored,omitempty"`
	CallTask  *CallTaskResult `json:"callTask,omitempty"`
}

const (
	EventOpened  = "email.opened"
	EventClicked = "email.clicked"
)
