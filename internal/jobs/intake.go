package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strings"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/docflow/internal/blob"
	"github.com/sells-group/docflow/internal/model"
	"github.com/sells-group/docflow/internal/pdf"
)

// CreateRequest describes an upload. When Data is set, FileSize is taken
// from it and a PDF's page count is read from the document.
type CreateRequest struct {
	OwnerID     string
	ModelID     string
	SessionID   string
	FileName    string
	ContentType string
	FileSize    int64
	PageCount   int
	Data        []byte
}

// Create validates req and records a QUEUED job. Nothing is charged.
func (m *Machine) Create(ctx context.Context, req CreateRequest) (*model.Job, error) {
	name := strings.TrimSpace(req.FileName)
	if name == "" {
		return nil, eris.Wrap(model.ErrValidation, "file name is required")
	}

	size := req.FileSize
	contentType := req.ContentType
	pages := req.PageCount
	if req.Data != nil {
		size = int64(len(req.Data))
		if pdf.IsPDF(req.Data) {
			n, err := pdf.PageCount(req.Data)
			if err != nil {
				return nil, eris.Wrapf(model.ErrValidation, "%s is not a readable PDF: %v", name, err)
			}
			pages = n
			contentType = pdf.ContentType
		} else if pages == 0 {
			pages = 1
		}
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	if size <= 0 || size > m.limits.MaxFileSize {
		return nil, eris.Wrapf(model.ErrValidation, "file size %d must be between 1 and %d bytes", size, m.limits.MaxFileSize)
	}

	user, err := m.store.GetUser(ctx, req.OwnerID)
	if err != nil {
		return nil, err
	}
	if !user.Active {
		return nil, eris.Wrapf(model.ErrAccessDenied, "user %s is inactive", user.ID)
	}

	em, err := m.store.GetModel(ctx, req.ModelID)
	if err != nil {
		return nil, err
	}
	if !em.Active {
		return nil, eris.Wrapf(model.ErrValidation, "extraction model %s is inactive", em.ID)
	}
	maxPages := m.limits.MaxPages
	if em.MaxPages > 0 && em.MaxPages < maxPages {
		maxPages = em.MaxPages
	}
	if pages < 1 || pages > maxPages {
		return nil, eris.Wrapf(model.ErrValidation, "page count %d must be between 1 and %d", pages, maxPages)
	}

	if err := m.access.Check(ctx, em.ID, user.ID); err != nil {
		return nil, err
	}

	now := m.clock()
	j := &model.Job{
		ID:          uuid.NewString(),
		OwnerID:     user.ID,
		ModelID:     em.ID,
		Status:      model.JobQueued,
		FileName:    name,
		FileSize:    size,
		ContentType: contentType,
		PageCount:   pages,
		CreatedAt:   now,
		UpdatedAt:   now,
		ExpiresAt:   now.Add(m.limits.Retention),
	}
	if req.SessionID != "" {
		sid := req.SessionID
		j.SessionID = &sid
	}

	if err := m.store.CreateJob(ctx, j); err != nil {
		return nil, err
	}
	m.log.Info("job created",
		zap.String("job_id", j.ID),
		zap.String("owner_id", j.OwnerID),
		zap.String("model_id", j.ModelID),
		zap.Int("pages", j.PageCount),
	)
	return j, nil
}

// prefix is the blob prefix owning j's objects.
func prefix(j *model.Job) string {
	if !j.Standalone() {
		return model.SessionPrefix(*j.SessionID)
	}
	if !j.TopLevel() {
		return model.JobPrefix(*j.ParentJobID)
	}
	return model.JobPrefix(j.ID)
}

func blobKey(j *model.Job) string {
	if j.Standalone() && j.TopLevel() {
		return prefix(j) + blob.SafeName(j.FileName)
	}
	return blob.Key(prefix(j), j.ID, j.FileName)
}

// BeginUpload stores data and moves the job QUEUED→UPLOADING. A storage
// failure fails the job.
func (m *Machine) BeginUpload(ctx context.Context, id string, data []byte) (*model.Job, error) {
	j, err := m.store.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if _, err := model.NextJobStatus(j.Status, model.JobEventUpload); err != nil {
		return j, err
	}
	if len(data) == 0 {
		return j, eris.Wrap(model.ErrValidation, "upload is empty")
	}

	url, err := m.blobs.Put(ctx, blobKey(j), data, j.ContentType)
	if err != nil {
		cause := eris.Wrapf(model.ErrStorage, "upload %s: %v", j.FileName, err)
		failed, ferr := m.fail(ctx, j, cause)
		if ferr != nil {
			return failed, ferr
		}
		return failed, cause
	}

	return m.commit(ctx, j, func(next *model.Job) (*model.Transaction, error) {
		if _, err := next.Apply(model.JobEventUpload, m.clock()); err != nil {
			return nil, err
		}
		next.BlobURL = url
		next.FileSize = int64(len(data))
		return nil, nil
	})
}

// ShouldSplit reports whether Ingest would split j into page jobs.
func (m *Machine) ShouldSplit(j *model.Job, data []byte) bool {
	return m.limits.SplitPages && j.TopLevel() && j.PageCount > 1 && pdf.IsPDF(data)
}

// Split replaces an UPLOADING multi-page PDF job with one UPLOADING child
// job per page. The parent completes with no pages charged; its children
// carry the work.
func (m *Machine) Split(ctx context.Context, id string, data []byte) ([]model.Job, error) {
	children, _, err := m.split(ctx, id, data)
	return children, err
}

func (m *Machine) split(ctx context.Context, id string, data []byte) ([]model.Job, [][]byte, error) {
	parent, err := m.store.GetJob(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if !parent.TopLevel() {
		return nil, nil, eris.Wrapf(model.ErrValidation, "job %s is already a page of %s", id, *parent.ParentJobID)
	}
	if _, err := model.NextJobStatus(parent.Status, model.JobEventSplit); err != nil {
		return nil, nil, err
	}

	pages, err := pdf.Split(data)
	if err != nil {
		return nil, nil, eris.Wrapf(model.ErrValidation, "split %s: %v", parent.FileName, err)
	}

	now := m.clock()
	base := strings.TrimSuffix(parent.FileName, path.Ext(parent.FileName))
	children := make([]model.Job, len(pages))
	for i := range pages {
		pid := parent.ID
		children[i] = model.Job{
			ID:          uuid.NewString(),
			OwnerID:     parent.OwnerID,
			SessionID:   parent.SessionID,
			ParentJobID: &pid,
			ModelID:     parent.ModelID,
			Status:      model.JobUploading,
			FileName:    fmt.Sprintf("%s_p%03d.pdf", base, i+1),
			FileSize:    int64(len(pages[i])),
			ContentType: pdf.ContentType,
			PageCount:   1,
			CreatedAt:   now,
			UpdatedAt:   now,
			ExpiresAt:   parent.ExpiresAt,
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i := range children {
		c := &children[i]
		page := pages[i]
		g.Go(func() error {
			url, err := m.blobs.Put(gctx, blobKey(c), page, pdf.ContentType)
			if err != nil {
				return eris.Wrapf(err, "page %d", i+1)
			}
			c.BlobURL = url
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		cause := eris.Wrapf(model.ErrStorage, "upload pages of %s: %v", parent.FileName, err)
		if _, ferr := m.fail(ctx, parent, cause); ferr != nil {
			return nil, nil, ferr
		}
		return nil, nil, cause
	}

	result, _ := json.Marshal(map[string]int{"split_pages": len(children)})
	for attempt := 0; ; attempt++ {
		next := *parent
		from := next.Status
		if _, err := next.Apply(model.JobEventSplit, m.clock()); err != nil {
			return nil, nil, err
		}
		next.PagesProcessed = 0
		next.CreditsUsed = 0
		next.Result = result

		err := m.store.SplitJob(ctx, &next, from, children)
		if err == nil {
			m.log.Info("job split into pages", zap.String("job_id", parent.ID), zap.Int("pages", len(children)))
			m.fireTerminal(ctx, &next)
			return children, pages, nil
		}
		if !eris.Is(err, model.ErrConflict) || attempt > 0 {
			return nil, nil, err
		}
		if parent, err = m.store.GetJob(ctx, id); err != nil {
			return nil, nil, err
		}
	}
}

// Ingest runs an uploaded file through its first steps: upload, an optional
// page split, and submission. Failures recorded on a job are reported
// through the returned job's status, not as an error.
func (m *Machine) Ingest(ctx context.Context, id string, data []byte) (*model.Job, error) {
	j, err := m.BeginUpload(ctx, id, data)
	if err != nil {
		return recorded(j, err)
	}

	if !m.ShouldSplit(j, data) {
		return recorded(m.submit(ctx, j, data))
	}

	children, pages, err := m.split(ctx, id, data)
	if err != nil {
		fresh, gerr := m.store.GetJob(ctx, id)
		if gerr != nil {
			return j, err
		}
		return recorded(fresh, err)
	}
	for i := range children {
		if _, err := recorded(m.submit(ctx, &children[i], pages[i])); err != nil {
			m.log.Warn("page submission not recorded", zap.String("job_id", children[i].ID), zap.Error(err))
		}
	}
	return m.store.GetJob(ctx, id)
}

// recorded drops err when it has already been written to a terminal job.
func recorded(j *model.Job, err error) (*model.Job, error) {
	if err != nil && j != nil && j.Status == model.JobFailed {
		return j, nil
	}
	return j, err
}
