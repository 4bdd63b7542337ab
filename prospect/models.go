package prospect

import "time"

// Status is the pipeline stage of a prospect. Stages only move forward;
// ARCHIVED replaces deletion.
type Status string

const (
	StatusDraft      Status = "DRAFT"
	StatusEnriched   Status = "ENRICHED"
	StatusGenerating Status = "GENERATING"
	StatusReady      Status = "READY"
	StatusSent       Status = "SENT"
	StatusViewed     Status = "VIEWED"
	StatusEngaged    Status = "ENGAGED"
	StatusConverted  Status = "CONVERTED"
	StatusArchived   Status = "ARCHIVED"
)

var rank = map[Status]int{
	StatusDraft:      0,
	StatusEnriched:   1,
	StatusGenerating: 2,
	StatusReady:      3,
	StatusSent:       4,
	StatusViewed:     5,
	StatusEngaged:    6,
	StatusConverted:  7,
}

// Prospect is a company being pursued.
type Prospect struct {
	ID            string
	Domain        string
	CompanyName   string
	Industry      string
	EmployeeRange string
	City          string
	Country       string
	Status        Status
	ResearchRunID *string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Before returns the statuses a prospect may advance to next from. Archived
// prospects never move.
func (s Status) Before() []Status {
	target, ok := rank[s]
	if !ok {
		return nil
	}
	out := make([]Status, 0, target)
	for st, r := range rank {
		if r < target {
			out = append(out, st)
		}
	}
	return out
}
