package outreach

import "time"

type Channel string

const (
	ChannelEmail Channel = "email"
	ChannelCall  Channel = "call"
)

// LogStatus is the state of one outreach_logs row.
type LogStatus string

const (
	LogDraft     LogStatus = "draft"
	LogQueued    LogStatus = "queued"
	LogSent      LogStatus = "sent"
	LogFailed    LogStatus = "failed"
	LogCancelled LogStatus = "cancelled"
	LogTouchOpen LogStatus = "touch_open"
	LogTouchDone LogStatus = "touch_done"
)

// Log is an immutable record of a dispatch attempt or manual task. Only
// delivery telemetry is filled in after insert.
type Log struct {
	ID         string
	ContactID  string
	ProspectID *string
	SequenceID *string
	StepID     *string
	Channel    Channel
	Type       string
	Status     LogStatus
	Subject    string
	BodyHTML   string
	BodyText   string
	Metadata   map[string]any
	SentAt     *time.Time
	OpenedAt   *time.Time
	CreatedAt  time.Time
}

// ProviderMessageID returns the id the mail provider assigned, if any.
func (l Log) ProviderMessageID() string {
	id, _ := l.Metadata["provider_message_id"].(string)
	return id
}

// SendRequest is one outbound email. To defaults to the contact's address.
type SendRequest struct {
	ContactID      string
	ProspectID     string
	SequenceID     string
	StepID         string
	To             string
	Subject        string
	HTML           string
	Text           string
	Type           string
	Metadata       map[string]any
	IdempotencyKey string
}

// SendResult describes the log row written for a send attempt.
type SendResult struct {
	LogID             string
	Status            LogStatus
	ProviderMessageID string
	Error             string
	EmailVerdict      EmailVerdict
}

func (r SendResult) Sent() bool {
	return r.Status == LogSent
}
