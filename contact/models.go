package contact

import "time"

// Status is the outreach lifecycle of a contact. OPTED_OUT is terminal.
type Status string

const (
	StatusNotContacted Status = "NOT_CONTACTED"
	StatusQueued       Status = "QUEUED"
	StatusEmailSent    Status = "EMAIL_SENT"
	StatusReplied      Status = "REPLIED"
	StatusConverted    Status = "CONVERTED"
	StatusOptedOut     Status = "OPTED_OUT"
)

// Contact is a person at a prospect.
type Contact struct {
	ID              string
	ProspectID      *string
	FirstName       string
	LastName        string
	Email           string
	Phone           string
	OutreachStatus  Status
	OutreachNotes   string
	LastContactedAt *time.Time
	OptedOutAt      *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

func (c Contact) OptedOut() bool {
	return c.OutreachStatus == StatusOptedOut
}

// FullName joins first and last name, skipping blanks.
func (c Contact) FullName() string {
	switch {
	case c.FirstName == "":
		return c.LastName
	case c.LastName == "":
		return c.FirstName
	default:
		return c.FirstName + " " + c.LastName
	}
}
