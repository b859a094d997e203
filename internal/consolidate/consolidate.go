// Package consolidate packages a settled session's results: a zip archive of
// the uploaded files with their extracted fields, and an xlsx spreadsheet
// with one row per processed document.
package consolidate

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"sort"
	"strconv"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"
	"go.uber.org/zap"

	"github.com/sells-group/docflow/internal/blob"
	"github.com/sells-group/docflow/internal/model"
	"github.com/sells-group/docflow/internal/session"
)

const (
	ArchiveName     = "archive.zip"
	SpreadsheetName = "results.xlsx"

	xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
)

// Service builds and uploads consolidation outputs.
type Service struct {
	blobs blob.Store
	log   *zap.Logger
}

// New creates a Service writing to blobs.
func New(blobs blob.Store) *Service {
	return &Service{
		blobs: blobs,
		log:   zap.L().With(zap.String("component", "consolidate")),
	}
}

// Consolidate writes the archive and spreadsheet under the session prefix.
// Only COMPLETED jobs contribute. Split parents contribute their original
// file to the archive; their pages contribute rows.
func (s *Service) Consolidate(ctx context.Context, sess *model.Session, jobs []model.Job) (*session.Outputs, error) {
	b := newBundle(jobs)
	if len(b.rows) == 0 {
		return nil, eris.Wrapf(model.ErrConsolidation, "session %s has no completed documents", sess.ID)
	}

	archive, err := s.archive(ctx, b)
	if err != nil {
		return nil, eris.Wrapf(model.ErrConsolidation, "archive: %v", err)
	}
	archiveURL, err := s.blobs.Put(ctx, sess.StoragePrefix+ArchiveName, archive, "application/zip")
	if err != nil {
		return nil, eris.Wrapf(model.ErrStorage, "upload archive: %v", err)
	}

	sheet, err := Spreadsheet(sess, b.rows)
	if err != nil {
		return nil, eris.Wrapf(model.ErrConsolidation, "spreadsheet: %v", err)
	}
	sheetURL, err := s.blobs.Put(ctx, sess.StoragePrefix+SpreadsheetName, sheet, xlsxContentType)
	if err != nil {
		return nil, eris.Wrapf(model.ErrStorage, "upload spreadsheet: %v", err)
	}

	s.log.Info("session consolidated",
		zap.String("session_id", sess.ID),
		zap.Int("documents", len(b.originals)),
		zap.Int("rows", len(b.rows)),
	)
	return &session.Outputs{
		ArchiveURL:     archiveURL,
		SpreadsheetURL: sheetURL,
		Processed:      len(b.rows),
	}, nil
}

// bundle sorts a session's jobs into archive members and spreadsheet rows.
type bundle struct {
	originals []model.Job
	rows      []model.Job
}

func newBundle(jobs []model.Job) bundle {
	byID := make(map[string]*model.Job, len(jobs))
	for i := range jobs {
		byID[jobs[i].ID] = &jobs[i]
	}

	var b bundle
	withPages := map[string]bool{}
	for _, j := range jobs {
		if j.Status != model.JobCompleted || j.PagesProcessed == 0 {
			continue
		}
		b.rows = append(b.rows, j)
		if !j.TopLevel() {
			withPages[*j.ParentJobID] = true
		}
	}
	for _, j := range jobs {
		if !j.TopLevel() || j.BlobURL == "" {
			continue
		}
		if (j.Status == model.JobCompleted && j.PagesProcessed > 0) || withPages[j.ID] {
			b.originals = append(b.originals, j)
		}
	}

	order := func(list []model.Job) {
		sort.SliceStable(list, func(a, c int) bool {
			if list[a].CreatedAt.Equal(list[c].CreatedAt) {
				return list[a].FileName < list[c].FileName
			}
			return list[a].CreatedAt.Before(list[c].CreatedAt)
		})
	}
	order(b.originals)
	order(b.rows)
	return b
}

func (s *Service) archive(ctx context.Context, b bundle) ([]byte, error) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	names := map[string]int{}

	unique := func(name string) string {
		names[name]++
		if n := names[name]; n > 1 {
			ext := path.Ext(name)
			return fmt.Sprintf("%s_%d%s", name[:len(name)-len(ext)], n, ext)
		}
		return name
	}

	for _, j := range b.originals {
		data, err := s.blobs.Get(ctx, j.BlobURL)
		if err != nil {
			return nil, eris.Wrapf(err, "read %s", j.FileName)
		}
		w, err := zw.Create("files/" + unique(blob.SafeName(j.FileName)))
		if err != nil {
			return nil, eris.Wrap(err, "zip entry")
		}
		if _, err := w.Write(data); err != nil {
			return nil, eris.Wrap(err, "zip write")
		}
	}

	for _, j := range b.rows {
		if len(j.Fields) == 0 {
			continue
		}
		base := blob.SafeName(j.FileName)
		w, err := zw.Create("fields/" + unique(base[:len(base)-len(path.Ext(base))]+".json"))
		if err != nil {
			return nil, eris.Wrap(err, "zip entry")
		}
		var pretty bytes.Buffer
		if err := json.Indent(&pretty, j.Fields, "", "  "); err != nil {
			pretty.Reset()
			pretty.Write(j.Fields)
		}
		if _, err := w.Write(pretty.Bytes()); err != nil {
			return nil, eris.Wrap(err, "zip write")
		}
	}

	if err := zw.Close(); err != nil {
		return nil, eris.Wrap(err, "zip close")
	}
	return buf.Bytes(), nil
}

var baseColumns = []string{"File", "Status", "Pages", "Credits", "Needs Review"}

// Spreadsheet renders rows as an xlsx workbook: a Results sheet with one
// column per top-level field key, and a Summary sheet.
func Spreadsheet(sess *model.Session, rows []model.Job) ([]byte, error) {
	f := xlsx.NewFile()

	results, err := f.AddSheet("Results")
	if err != nil {
		return nil, eris.Wrap(err, "xlsx: add results sheet")
	}

	decoded := make([]map[string]any, len(rows))
	keySet := map[string]bool{}
	for i, j := range rows {
		if len(j.Fields) == 0 {
			continue
		}
		var m map[string]any
		if err := json.Unmarshal(j.Fields, &m); err != nil {
			continue
		}
		decoded[i] = m
		for k := range m {
			keySet[k] = true
		}
	}
	keys := make([]string, 0, len(keySet))
	for k := range keySet {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	header := results.AddRow()
	for _, c := range append(append([]string{}, baseColumns...), keys...) {
		header.AddCell().SetString(c)
	}

	var pages int
	var credits int64
	for i, j := range rows {
		row := results.AddRow()
		row.AddCell().SetString(j.FileName)
		row.AddCell().SetString(string(j.Status))
		row.AddCell().SetInt(j.PagesProcessed)
		row.AddCell().SetInt64(j.CreditsUsed)
		row.AddCell().SetBool(j.NeedsReview)
		for _, k := range keys {
			setValue(row.AddCell(), decoded[i][k])
		}
		pages += j.PagesProcessed
		credits += j.CreditsUsed
	}

	summary, err := f.AddSheet("Summary")
	if err != nil {
		return nil, eris.Wrap(err, "xlsx: add summary sheet")
	}
	for _, kv := range [][2]string{
		{"Session", sess.Name},
		{"Session ID", sess.ID},
		{"Files", strconv.Itoa(sess.TotalFiles)},
		{"Documents", strconv.Itoa(len(rows))},
		{"Pages Processed", strconv.Itoa(pages)},
		{"Credits Used", strconv.FormatInt(credits, 10)},
	} {
		r := summary.AddRow()
		r.AddCell().SetString(kv[0])
		r.AddCell().SetString(kv[1])
	}

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return nil, eris.Wrap(err, "xlsx: write")
	}
	return buf.Bytes(), nil
}

func setValue(c *xlsx.Cell, v any) {
	switch t := v.(type) {
	case nil:
		c.SetString("")
	case string:
		c.SetString(t)
	case float64:
		c.SetFloat(t)
	case bool:
		c.SetBool(t)
	default:
		b, _ := json.Marshal(t)
		c.SetString(string(b))
	}
}
