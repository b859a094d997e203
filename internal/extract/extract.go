// Package extract submits documents to an extraction service and reports
// operation progress.
package extract

import (
	"context"
	"encoding/json"

	"github.com/sells-group/docflow/internal/model"
)

// Request is one document submitted for extraction.
type Request struct {
	JobID       string
	FileName    string
	ContentType string
	PageCount   int
	Data        []byte
	Model       *model.ExtractionModel
}

// Result is the state of a submitted operation. PagesProcessed is zero when
// the service does not report page counts.
type Result struct {
	Status         model.OperationStatus `json:"status"`
	Fields         json.RawMessage       `json:"fields,omitempty"`
	PagesProcessed int                   `json:"pages_processed"`
	Error          string                `json:"error,omitempty"`
}

// Extractor is the extraction service collaborator. Submit errors marked
// transient (resilience.IsTransient) may be retried; any other Submit error
// is a rejection.
type Extractor interface {
	Submit(ctx context.Context, req Request) (operationID string, err error)
	Poll(ctx context.Context, operationID string) (*Result, error)
}
