package dataset

import (
	"fmt"
	"os"
	"strings"

	"github.com/ledongthuc/pdf"
)

// readPDF extracts plain text page by page; every non-blank line is a
// sample. Pages with no text layer are counted and reported.
func readPDF(path string, ocrAvailable bool) (out parsed, err error) {
	// The PDF parser panics on some malformed object streams.
	defer func() {
		if r := recover(); r != nil {
			out, err = parsed{}, fmt.Errorf("malformed PDF: %v", r)
		}
	}()

	f, err := os.Open(path)
	if err != nil {
		return parsed{}, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return parsed{}, err
	}

	reader, err := pdf.NewReader(f, info.Size())
	if err != nil {
		return parsed{}, fmt.Errorf("open PDF: %w", err)
	}

	blank := 0
	numPages := reader.NumPage()
	for i := 1; i <= numPages; i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil || strings.TrimSpace(text) == "" {
			blank++
			continue
		}
		for _, line := range strings.Split(text, "\n") {
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			out.records = append(out.records, record{text: line, key: line})
		}
	}

	if blank > 0 {
		rec := "Scanned pages need OCR before they can be used for training"
		if ocrAvailable {
			rec = "Run OCR on the scanned pages and validate the extracted text"
		}
		out.warnings = append(out.warnings, [2]string{
			fmt.Sprintf("%d of %d PDF pages have no extractable text", blank, numPages),
			rec,
		})
	}
	return out, nil
}
