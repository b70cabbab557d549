package extract

import (
	"bytes"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/ledongthuc/pdf"
)

// pdfReader adapts a parsed ledongthuc/pdf document to the docReader seam.
type pdfReader struct {
	r *pdf.Reader
}

func openPDF(data []byte) (*pdfReader, error) {
	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, err
	}
	return &pdfReader{r: r}, nil
}

func (p *pdfReader) numPages() int { return p.r.NumPage() }

// pageText returns the page's text items joined with single spaces. The
// underlying parser panics on some malformed content streams; those are
// converted to errors rather than crashing the whole extraction.
func (p *pdfReader) pageText(page int) (text string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("malformed content stream on page %d: %v", page, r)
		}
	}()

	pg := p.r.Page(page)
	if pg.V.IsNull() {
		return "", nil
	}

	content := pg.Content()
	parts := make([]string, 0, len(content.Text))
	for _, item := range content.Text {
		if s := strings.TrimSpace(item.S); s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, " "), nil
}

// metadata reads the Info dictionary best-effort: missing or malformed
// fields are reported as absent, never as an extraction failure.
func (p *pdfReader) metadata() (m Metadata) {
	defer func() {
		// A corrupt Info dictionary must not abort extraction.
		recover()
	}()

	info := p.r.Trailer().Key("Info")
	if info.IsNull() {
		return m
	}

	m.Title = infoString(info, "Title")
	m.Author = infoString(info, "Author")
	m.Subject = infoString(info, "Subject")
	m.Keywords = infoString(info, "Keywords")
	m.Creator = infoString(info, "Creator")
	m.Producer = infoString(info, "Producer")
	m.Created = parsePDFDate(infoString(info, "CreationDate"))
	m.Modified = parsePDFDate(infoString(info, "ModDate"))
	return m
}

func infoString(info pdf.Value, key string) string {
	v := info.Key(key)
	if v.IsNull() || v.Kind() != pdf.String {
		return ""
	}
	return strings.TrimSpace(v.Text())
}

var pdfDatePattern = regexp.MustCompile(`D:(\d{4})(\d{2})(\d{2})(\d{2})(\d{2})(\d{2})`)

// parsePDFDate parses the PDF "D:YYYYMMDDHHMMSS" date form. Anything that
// does not match yields the zero time.
func parsePDFDate(s string) time.Time {
	m := pdfDatePattern.FindStringSubmatch(s)
	if m == nil {
		return time.Time{}
	}
	fields := make([]int, 6)
	for i := range fields {
		n, err := strconv.Atoi(m[i+1])
		if err != nil {
			return time.Time{}
		}
		fields[i] = n
	}
	t := time.Date(fields[0], time.Month(fields[1]), fields[2], fields[3], fields[4], fields[5], 0, time.UTC)
	// Reject nonsense like month 13 that time.Date would normalize.
	if int(t.Month()) != fields[1] || t.Day() != fields[2] || t.Hour() != fields[3] {
		return time.Time{}
	}
	return t
}
