package report

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"prospectflow/prospect"
	"prospectflow/quality"
)

// BuildProspectText formats the quality picture of one prospect as the
// plain text RenderReport consumes.
func BuildProspectText(p prospect.Prospect, a quality.Assessment, evidence []quality.EvidenceItem, generatedAt time.Time) string {
	var b strings.Builder

	name := p.CompanyName
	if name == "" {
		name = p.Domain
	}
	fmt.Fprintf(&b, "Prospect report: %s\n", name)
	fmt.Fprintf(&b, "Domain: %s\n", p.Domain)
	if loc := strings.Trim(strings.Join([]string{p.City, p.Country}, ", "), ", "); loc != "" {
		fmt.Fprintf(&b, "Location: %s\n", loc)
	}
	if p.Industry != "" {
		fmt.Fprintf(&b, "Industry: %s\n", p.Industry)
	}
	fmt.Fprintf(&b, "Status: %s\n", p.Status)
	fmt.Fprintf(&b, "Generated: %s\n\n", generatedAt.UTC().Format(time.RFC3339))

	v := a.Verdict
	fmt.Fprintf(&b, "Quality verdict: %s\n", v.Level)
	fmt.Fprintf(&b, "Evidence items: %d from %d source types\n", v.EvidenceCount, v.SourceTypeCount)
	fmt.Fprintf(&b, "Average confidence: %.2f\n", v.AverageConfidence)
	for _, r := range v.Reasons {
		fmt.Fprintf(&b, "- %s\n", r)
	}
	if a.Run != nil {
		approval := "not reviewed"
		if a.Run.QualityApproved != nil {
			approval = "rejected"
			if *a.Run.QualityApproved {
				approval = "approved"
			}
		}
		fmt.Fprintf(&b, "Research run %s: %s, %s\n", a.Run.ID, a.Run.Status, approval)
	}
	if a.OutreachOK {
		b.WriteString("Outreach: allowed\n")
	} else {
		fmt.Fprintf(&b, "Outreach: blocked (%s)\n", a.BlockedReason)
	}

	if len(a.ConfirmedTags) > 0 {
		b.WriteString("\nWorkflow signals\n")
		for _, t := range a.ConfirmedTags {
			mark := "unconfirmed"
			if t.Confirmed {
				mark = "confirmed"
			}
			sources := make([]string, len(t.SourceTypes))
			for i, s := range t.SourceTypes {
				sources[i] = string(s)
			}
			fmt.Fprintf(&b, "- %s: %s, %d items (%s)\n", t.Tag, mark, t.ItemCount, strings.Join(sources, ", "))
		}
	}

	if len(evidence) > 0 {
		items := append([]quality.EvidenceItem(nil), evidence...)
		sort.SliceStable(items, func(i, j int) bool {
			return items[i].ConfidenceScore > items[j].ConfidenceScore
		})
		b.WriteString("\nEvidence\n")
		for _, e := range items {
			fmt.Fprintf(&b, "[%s %.2f] %s\n", e.SourceType, e.ConfidenceScore, e.SourceURL)
			if s := strings.TrimSpace(e.Snippet); s != "" {
				fmt.Fprintf(&b, "  %s\n", s)
			}
		}
	}
	return b.String()
}
