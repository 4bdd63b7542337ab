package cadence

import (
	"time"

	"prospectflow/contact"
	"prospectflow/outreach"
)

type SequenceStatus string

const (
	SequenceDrafted    SequenceStatus = "DRAFTED"
	SequenceQueued     SequenceStatus = "QUEUED"
	SequenceActive     SequenceStatus = "ACTIVE"
	SequenceBooking    SequenceStatus = "BOOKING"
	SequenceConverted  SequenceStatus = "CONVERTED"
	SequenceClosedLost SequenceStatus = "CLOSED_LOST"
)

type StepStatus string

const (
	StepDrafted    StepStatus = "DRAFTED"
	StepQueued     StepStatus = "QUEUED"
	StepSent       StepStatus = "SENT"
	StepCancelled  StepStatus = "CANCELLED"
	StepClosedLost StepStatus = "CLOSED_LOST"
)

// Close reasons recorded on outreach_sequences.close_reason.
const (
	ReasonOptedOut       = "opted_out"
	ReasonNotFit         = "not_fit"
	ReasonCompleted      = "cadence_completed"
	ReasonDeliveryFailed = "delivery_failed"
	ReasonUndeliverable  = "undeliverable"
	ReasonManual         = "manual"
)

type Sequence struct {
	ID          string
	ContactID   string
	ProspectID  *string
	Status      SequenceStatus
	CloseReason string
	ClosedAt    *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

type Step struct {
	ID         string
	SequenceID string
	StepOrder  int
	Channel    outreach.Channel
	Status     StepStatus
	DelayDays  int
	DueAt      *time.Time
	Subject    string
	BodyHTML   string
	BodyText   string
	Attempts   int
	LastError  string
	SentAt     *time.Time
	LogID      *string
}

// DueStep is a claimed step joined with its sequence and contact, all
// locked by the claiming transaction.
type DueStep struct {
	Step          Step
	ContactID     string
	ContactStatus contact.Status
	ProspectID    *string
	SequenceState SequenceStatus
}

// StepDraft is one touch of a new sequence.
type StepDraft struct {
	Channel   outreach.Channel
	DelayDays int
	Subject   string
	BodyHTML  string
	BodyText  string
}

// NewSequence is the input to Service.Create.
type NewSequence struct {
	ContactID  string
	ProspectID string
	Steps      []StepDraft
}

// SweepSummary is returned by Sweep and serialized by the cron endpoint.
type SweepSummary struct {
	Processed  int `json:"processed"`
	Sent       int `json:"sent"`
	Failed     int `json:"failed"`
	Reconciled int `json:"reconciled"`
	CallTasks  int `json:"callTasks"`
	Blocked    int `json:"blocked"`
	Closed     int `json:"closed"`
	Errors     int `json:"errors"`
}
