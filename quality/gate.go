package quality

import (
	"fmt"
	"math"
	"sort"
	"strings"
)

const (
	MinEvidenceCount     = 3
	MinSourceTypeCount   = 1
	DiverseSourceCount   = 3
	MinAverageConfidence = 0.55
	RelevanceFloor       = 0.50
	ConfirmedTagSources  = 2
)

// Evaluate maps an evidence set onto RED/AMBER/GREEN.
//
// Source-type diversity is the primary signal. Confidence only drags a
// verdict to AMBER. The confidence average covers items whose AI relevance
// is at least RelevanceFloor; items not yet scored for relevance count as
// relevant, and low-relevance items are left out of the average rather than
// counted as zero.
func Evaluate(items []EvidenceItem) Verdict {
	sources := make(map[SourceType]struct{}, len(items))
	var (
		sum    float64
		scored int
	)
	for _, item := range items {
		sources[item.SourceType] = struct{}{}
		if item.AIRelevance != nil && *item.AIRelevance < RelevanceFloor {
			continue
		}
		sum += item.ConfidenceScore
		scored++
	}

	v := Verdict{
		EvidenceCount:   len(items),
		SourceTypeCount: len(sources),
		ScoredCount:     scored,
	}
	if scored > 0 {
		// Four decimals keeps 0.55 from landing on 0.5499999.
		v.AverageConfidence = math.Round(sum/float64(scored)*10000) / 10000
	}

	switch {
	case v.EvidenceCount < MinEvidenceCount || v.SourceTypeCount < MinSourceTypeCount:
		v.Level = LevelRed
		if v.EvidenceCount < MinEvidenceCount {
			v.Reasons = append(v.Reasons, fmt.Sprintf("only %d evidence items (need %d)", v.EvidenceCount, MinEvidenceCount))
		}
		if v.SourceTypeCount < MinSourceTypeCount {
			v.Reasons = append(v.Reasons, "no source types")
		}
	case v.SourceTypeCount < DiverseSourceCount || v.AverageConfidence < MinAverageConfidence:
		v.Level = LevelAmber
		if v.SourceTypeCount < DiverseSourceCount {
			v.Reasons = append(v.Reasons, fmt.Sprintf("only %d source types (need %d)", v.SourceTypeCount, DiverseSourceCount))
		}
		if v.AverageConfidence < MinAverageConfidence {
			v.Reasons = append(v.Reasons, fmt.Sprintf("average confidence %.2f below %.2f", v.AverageConfidence, MinAverageConfidence))
		}
	default:
		v.Level = LevelGreen
	}
	return v
}

// ConfirmedWorkflowTags groups items by workflow tag and flags tags backed
// by at least ConfirmedTagSources distinct source types. Informational only.
func ConfirmedWorkflowTags(items []EvidenceItem) []TagSignal {
	type acc struct {
		display string
		sources map[SourceType]struct{}
		count   int
	}
	byTag := make(map[string]*acc)
	for _, item := range items {
		tag := strings.TrimSpace(item.WorkflowTag)
		if tag == "" {
			continue
		}
		key := strings.ToLower(tag)
		a, ok := byTag[key]
		if !ok {
			a = &acc{display: tag, sources: make(map[SourceType]struct{})}
			byTag[key] = a
		}
		a.sources[item.SourceType] = struct{}{}
		a.count++
	}

	out := make([]TagSignal, 0, len(byTag))
	for _, a := range byTag {
		sig := TagSignal{
			Tag:       a.display,
			ItemCount: a.count,
			Confirmed: len(a.sources) >= ConfirmedTagSources,
		}
		for st := range a.sources {
			sig.SourceTypes = append(sig.SourceTypes, st)
		}
		sort.Slice(sig.SourceTypes, func(i, j int) bool { return sig.SourceTypes[i] < sig.SourceTypes[j] })
		out = append(out, sig)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Confirmed != out[j].Confirmed {
			return out[i].Confirmed
		}
		if len(out[i].SourceTypes) != len(out[j].SourceTypes) {
			return len(out[i].SourceTypes) > len(out[j].SourceTypes)
		}
		return strings.ToLower(out[i].Tag) < strings.ToLower(out[j].Tag)
	})
	return out
}

// OutreachAllowed applies the hard gate: GREEN passes, AMBER passes only
// after an explicit admin approval on the run, RED never passes.
func OutreachAllowed(v Verdict, run *ResearchRun) (bool, string) {
	switch v.Level {
	case LevelGreen:
		return true, ""
	case LevelAmber:
		if run != nil && run.QualityApproved != nil && *run.QualityApproved {
			return true, ""
		}
		if run != nil && run.QualityApproved != nil {
			return false, "amber evidence rejected by reviewer"
		}
		return false, "amber evidence awaiting admin approval"
	default:
		return false, "red evidence quality"
	}
}
