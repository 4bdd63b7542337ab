// Package report renders plain text into a minimal PDF document.
package report

import (
	"bytes"
	"fmt"
	"strings"

	"prospectflow/textnorm"
)

const (
	// LineWidth is the wrap width in characters.
	LineWidth = 90
	// LinesPerPage caps the lines placed on one page.
	LinesPerPage = 52

	fontSize   = 10
	leading    = 14
	marginLeft = 50
	firstLineY = 800
)

// RenderReport lays text out on A4 pages in Helvetica. Input is folded to
// ASCII first; the output is deterministic for a given text.
func RenderReport(text string) []byte {
	pages := paginate(wrap(textnorm.ASCII(text)))

	w := &pdfWriter{}
	w.buf.WriteString("%PDF-1.4\n")

	pageCount := len(pages)
	kids := make([]string, pageCount)
	for i := range pages {
		kids[i] = fmt.Sprintf("%d 0 R", pageObject(i))
	}

	w.object(1, "<< /Type /Catalog /Pages 2 0 R >>")
	w.object(2, fmt.Sprintf("<< /Type /Pages /Kids [%s] /Count %d >>", strings.Join(kids, " "), pageCount))
	w.object(3, "<< /Type /Font /Subtype /Type1 /BaseFont /Helvetica >>")
	for i, lines := range pages {
		w.object(pageObject(i), fmt.Sprintf(
			"<< /Type /Page /Parent 2 0 R /MediaBox [0 0 595 842] /Resources << /Font << /F1 3 0 R >> >> /Contents %d 0 R >>",
			pageObject(i)+1))
		stream := contentStream(lines)
		w.object(pageObject(i)+1, fmt.Sprintf("<< /Length %d >>\nstream\n%s\nendstream", len(stream), stream))
	}

	xref := w.buf.Len()
	size := len(w.offsets) + 1
	fmt.Fprintf(&w.buf, "xref\n0 %d\n", size)
	w.buf.WriteString("0000000000 65535 f \n")
	for _, off := range w.offsets {
		fmt.Fprintf(&w.buf, "%010d 00000 n \n", off)
	}
	fmt.Fprintf(&w.buf, "trailer\n<< /Size %d /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF\n", size, xref)
	return w.buf.Bytes()
}

type pdfWriter struct {
	buf     bytes.Buffer
	offsets []int
}

// object must be called with consecutive numbers starting at 1.
func (w *pdfWriter) object(num int, body string) {
	w.offsets = append(w.offsets, w.buf.Len())
	fmt.Fprintf(&w.buf, "%d 0 obj\n%s\nendobj\n", num, body)
}

func pageObject(i int) int {
	return 4 + 2*i
}

func contentStream(lines []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "BT\n/F1 %d Tf\n%d TL\n%d %d Td\n", fontSize, leading, marginLeft, firstLineY)
	for _, line := range lines {
		b.WriteString("(")
		b.WriteString(escape(line))
		b.WriteString(") Tj T*\n")
	}
	b.WriteString("ET")
	return b.String()
}

var escaper = strings.NewReplacer(`\`, `\\`, "(", `\(`, ")", `\)`)

func escape(s string) string {
	return escaper.Replace(s)
}

// wrap splits text into display lines no longer than LineWidth, breaking at
// spaces where possible.
func wrap(text string) []string {
	var out []string
	for _, raw := range strings.Split(text, "\n") {
		line := strings.TrimRight(strings.ReplaceAll(raw, "\t", "    "), " ")
		if line == "" {
			out = append(out, "")
			continue
		}
		for len(line) > LineWidth {
			cut := strings.LastIndexByte(line[:LineWidth+1], ' ')
			if cut <= 0 {
				out = append(out, line[:LineWidth])
				line = line[LineWidth:]
				continue
			}
			out = append(out, line[:cut])
			line = strings.TrimLeft(line[cut+1:], " ")
		}
		out = append(out, line)
	}
	return out
}

func paginate(lines []string) [][]string {
	if len(lines) == 0 {
		return [][]string{nil}
	}
	var pages [][]string
	for len(lines) > LinesPerPage {
		pages = append(pages, lines[:LinesPerPage])
		lines = lines[LinesPerPage:]
	}
	return append(pages, lines)
}
