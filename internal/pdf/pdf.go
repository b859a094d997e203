// Package pdf counts and splits PDF pages with pdfcpu.
package pdf

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"github.com/rotisserie/eris"
)

// ContentType is the MIME type of PDF uploads.
const ContentType = "application/pdf"

var magic = []byte("%PDF-")

// IsPDF sniffs the PDF header. Some producers emit leading garbage, so the
// first kilobyte is searched.
func IsPDF(data []byte) bool {
	head := data
	if len(head) > 1024 {
		head = head[:1024]
	}
	return bytes.Contains(head, magic)
}

func config() *model.Configuration {
	cfg := model.NewDefaultConfiguration()
	cfg.ValidationMode = model.ValidationRelaxed
	return cfg
}

// PageCount returns the number of pages in data.
func PageCount(data []byte) (int, error) {
	if !IsPDF(data) {
		return 0, eris.New("pdf: missing %PDF header")
	}
	n, err := api.PageCount(bytes.NewReader(data), config())
	if err != nil {
		return 0, eris.Wrap(err, "pdf: page count")
	}
	return n, nil
}

// Split returns one single-page PDF per page of data, in page order.
func Split(data []byte) ([][]byte, error) {
	n, err := PageCount(data)
	if err != nil {
		return nil, err
	}

	dir, err := os.MkdirTemp("", "docflow-split-*")
	if err != nil {
		return nil, eris.Wrap(err, "pdf: create temp dir")
	}
	defer os.RemoveAll(dir) //nolint:errcheck

	src := filepath.Join(dir, "source.pdf")
	if err := os.WriteFile(src, data, 0o600); err != nil {
		return nil, eris.Wrap(err, "pdf: write source")
	}
	if err := api.SplitFile(src, dir, 1, config()); err != nil {
		return nil, eris.Wrap(err, "pdf: split")
	}

	// pdfcpu names span-1 output files <base>_<page>.pdf.
	pages := make([][]byte, 0, n)
	for i := 1; i <= n; i++ {
		b, err := os.ReadFile(filepath.Join(dir, fmt.Sprintf("source_%d.pdf", i)))
		if err != nil {
			return nil, eris.Wrapf(err, "pdf: read page %d", i)
		}
		pages = append(pages, b)
	}
	return pages, nil
}
