package report

import (
	"bytes"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"prospectflow/prospect"
	"prospectflow/quality"
)

var xrefEntry = regexp.MustCompile(`^(\d{10}) 00000 n $`)

// checkStructure asserts every xref offset lands on its "N 0 obj" header and
// startxref points at the xref table. It returns the object count.
func checkStructure(t *testing.T, doc []byte) int {
	t.Helper()
	require.True(t, bytes.HasPrefix(doc, []byte("%PDF-1.4\n")))
	require.True(t, bytes.HasSuffix(doc, []byte("%%EOF\n")))

	tail := doc[bytes.LastIndex(doc, []byte("startxref\n"))+len("startxref\n"):]
	xrefAt, err := strconv.Atoi(strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(string(tail)), "%%EOF")))
	require.NoError(t, err)
	require.True(t, bytes.HasPrefix(doc[xrefAt:], []byte("xref\n")), "startxref must point at xref")

	lines := strings.Split(string(doc[xrefAt:]), "\n")
	var size int
	_, err = fmt.Sscanf(lines[1], "0 %d", &size)
	require.NoError(t, err)
	require.Equal(t, "0000000000 65535 f ", lines[2])

	for n := 1; n < size; n++ {
		m := xrefEntry.FindStringSubmatch(lines[2+n])
		require.NotNil(t, m, "xref line %d: %q", n, lines[2+n])
		off, _ := strconv.Atoi(m[1])
		header := fmt.Sprintf("%d 0 obj\n", n)
		assert.True(t, bytes.HasPrefix(doc[off:], []byte(header)), "object %d offset %d", n, off)
	}
	return size - 1
}

func TestRenderReportOffsetsMatch(t *testing.T) {
	doc := RenderReport("Hello (world)\nBackslash \\ here")
	objects := checkStructure(t, doc)

	assert.Equal(t, 5, objects)
	assert.Contains(t, string(doc), `(Hello \(world\)) Tj`)
	assert.Contains(t, string(doc), `(Backslash \\ here) Tj`)
}

func TestRenderReportStripsNonASCII(t *testing.T) {
	doc := RenderReport("Café Zürich – “quoted” 東京")

	for _, c := range doc {
		require.Less(t, c, byte(0x80))
	}
	assert.Contains(t, string(doc), `(Cafe Zurich - "quoted") Tj`)
	checkStructure(t, doc)
}

func TestRenderReportPaginates(t *testing.T) {
	var b strings.Builder
	for i := 0; i < LinesPerPage*2+3; i++ {
		fmt.Fprintf(&b, "line %d\n", i)
	}
	doc := RenderReport(strings.TrimSuffix(b.String(), "\n"))

	objects := checkStructure(t, doc)
	assert.Equal(t, 3+2*3, objects)
	assert.Contains(t, string(doc), "/Count 3")
	assert.Equal(t, LinesPerPage*2+3, strings.Count(string(doc), ") Tj T*"))
}

func TestRenderReportEmptyTextHasOnePage(t *testing.T) {
	doc := RenderReport("")
	assert.Equal(t, 5, checkStructure(t, doc))
	assert.Contains(t, string(doc), "/Count 1")
}

func TestRenderReportDeterministic(t *testing.T) {
	assert.Equal(t, RenderReport("same text"), RenderReport("same text"))
}

func TestWrap(t *testing.T) {
	long := strings.Repeat("word ", 40)
	for _, line := range wrap(long) {
		assert.LessOrEqual(t, len(line), LineWidth)
		assert.False(t, strings.HasPrefix(line, " "))
	}

	unbroken := strings.Repeat("x", LineWidth*2+5)
	got := wrap(unbroken)
	require.Len(t, got, 3)
	assert.Len(t, got[0], LineWidth)
	assert.Len(t, got[2], 5)

	assert.Equal(t, []string{"a", "", "b"}, wrap("a\n\nb"))
}

func TestBuildProspectText(t *testing.T) {
	approved := true
	rel := 0.9
	p := prospect.Prospect{ID: "p1", Domain: "bakkerij.nl", CompanyName: "Bakkerij Jansen", City: "Utrecht", Country: "NL", Status: prospect.StatusReady}
	a := quality.Assessment{
		Verdict:       quality.Verdict{Level: quality.LevelAmber, EvidenceCount: 2, SourceTypeCount: 1, AverageConfidence: 0.7, Reasons: []string{"fewer than 2 source types"}},
		ConfirmedTags: []quality.TagSignal{{Tag: "invoicing", SourceTypes: []quality.SourceType{quality.SourceWebsite}, ItemCount: 2}},
		Run:           &quality.ResearchRun{ID: "r1", Status: quality.RunCompleted, QualityApproved: &approved},
		OutreachOK:    true,
	}
	evidence := []quality.EvidenceItem{
		{SourceType: quality.SourceWebsite, SourceURL: "https://bakkerij.nl/a", Snippet: "low", ConfidenceScore: 0.5, AIRelevance: &rel},
		{SourceType: quality.SourceWebsite, SourceURL: "https://bakkerij.nl/b", Snippet: "high", ConfidenceScore: 0.9},
	}

	text := BuildProspectText(p, a, evidence, time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC))

	assert.Contains(t, text, "Prospect report: Bakkerij Jansen")
	assert.Contains(t, text, "Location: Utrecht, NL")
	assert.Contains(t, text, "Quality verdict: AMBER")
	assert.Contains(t, text, "Research run r1: COMPLETED, approved")
	assert.Contains(t, text, "- invoicing: unconfirmed, 2 items (WEBSITE)")
	assert.Less(t, strings.Index(text, "bakkerij.nl/b"), strings.Index(text, "bakkerij.nl/a"))

	checkStructure(t, RenderReport(text))
}
