package quality

import "time"

// SourceType is the channel an evidence item was gathered from.
type SourceType string

const (
	SourceWebsite  SourceType = "WEBSITE"
	SourceCareers  SourceType = "CAREERS"
	SourceLinkedIn SourceType = "LINKEDIN"
	SourceNews     SourceType = "NEWS"
	SourceReviews  SourceType = "REVIEWS"
	SourceRegistry SourceType = "REGISTRY"
	SourceJobBoard SourceType = "JOB_BOARD"
	SourceManual   SourceType = "MANUAL"
)

func (s SourceType) Valid() bool {
	switch s {
	case SourceWebsite, SourceCareers, SourceLinkedIn, SourceNews, SourceReviews, SourceRegistry, SourceJobBoard, SourceManual:
		return true
	default:
		return false
	}
}

// EvidenceItem mirrors the evidence_items table.
type EvidenceItem struct {
	ID              string
	ProspectID      string
	ResearchRunID   string
	SourceType      SourceType
	SourceURL       string
	Snippet         string
	WorkflowTag     string
	ConfidenceScore float64
	AIRelevance     *float64
	Metadata        map[string]any
	CreatedAt       time.Time
}

// EvidenceDraft is what an enrichment adapter hands over before persistence.
type EvidenceDraft struct {
	SourceType      SourceType
	SourceURL       string
	Snippet         string
	WorkflowTag     string
	ConfidenceScore float64
	AIRelevance     *float64
	Metadata        map[string]any
}

// RunStatus is the lifecycle of one enrichment pass.
type RunStatus string

const (
	RunPending    RunStatus = "PENDING"
	RunCrawling   RunStatus = "CRAWLING"
	RunExtracting RunStatus = "EXTRACTING"
	RunHypothesis RunStatus = "HYPOTHESIS"
	RunBriefing   RunStatus = "BRIEFING"
	RunCompleted  RunStatus = "COMPLETED"
	RunFailed     RunStatus = "FAILED"
)

// ResearchRun mirrors the research_runs table. QualityApproved stays nil
// until an admin reviews the run.
type ResearchRun struct {
	ID                string
	ProspectID        string
	Status            RunStatus
	QualityApproved   *bool
	QualityReviewedBy *string
	QualityReviewedAt *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Level is the traffic-light verdict.
type Level string

const (
	LevelRed   Level = "RED"
	LevelAmber Level = "AMBER"
	LevelGreen Level = "GREEN"
)

// Verdict is the output of Evaluate.
type Verdict struct {
	Level             Level
	EvidenceCount     int
	SourceTypeCount   int
	AverageConfidence float64
	ScoredCount       int
	Reasons           []string
}

// TagSignal summarises one workflow tag across sources.
type TagSignal struct {
	Tag         string
	SourceTypes []SourceType
	ItemCount   int
	Confirmed   bool
}

// Assessment is a verdict bundled with the run it gates.
type Assessment struct {
	ProspectID    string
	Verdict       Verdict
	ConfirmedTags []TagSignal
	Run           *ResearchRun
	OutreachOK    bool
	BlockedReason string
}
