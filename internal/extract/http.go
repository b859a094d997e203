package extract

import (
	"context"
	"errors"

	"github.com/rotisserie/eris"

	"github.com/sells-group/docflow/internal/model"
	"github.com/sells-group/docflow/internal/resilience"
	"github.com/sells-group/docflow/pkg/docintel"
)

// HTTPExtractor submits documents to a docintel analyze API.
type HTTPExtractor struct {
	client docintel.Client
}

// NewHTTP wraps a docintel client.
func NewHTTP(client docintel.Client) *HTTPExtractor {
	return &HTTPExtractor{client: client}
}

func (e *HTTPExtractor) Submit(ctx context.Context, req Request) (string, error) {
	if req.Model == nil {
		return "", eris.New("extract: request has no model")
	}
	providerModel := req.Model.ProviderModel
	if providerModel == "" {
		providerModel = req.Model.ID
	}

	resp, err := e.client.Analyze(ctx, docintel.NewAnalyzeRequest(
		providerModel, req.FileName, req.ContentType, req.JobID, req.Data))
	if err != nil {
		return "", classifyHTTP(err)
	}
	return resp.OperationID, nil
}

func (e *HTTPExtractor) Poll(ctx context.Context, operationID string) (*Result, error) {
	op, err := e.client.GetOperation(ctx, operationID)
	if err != nil {
		return nil, classifyHTTP(err)
	}

	switch op.Status {
	case docintel.StatusNotStarted, docintel.StatusRunning:
		return &Result{Status: model.OperationRunning}, nil
	case docintel.StatusSucceeded:
		return &Result{
			Status:         model.OperationSucceeded,
			Fields:         op.Fields,
			PagesProcessed: op.PagesProcessed,
		}, nil
	case docintel.StatusFailed:
		msg := op.Error.String()
		if msg == "" {
			msg = "operation failed"
		}
		return &Result{Status: model.OperationFailed, Error: msg}, nil
	default:
		return nil, eris.Errorf("extract: operation %s has unknown status %q", operationID, op.Status)
	}
}

// classifyHTTP marks throttling and server errors as transient.
func classifyHTTP(err error) error {
	var apiErr *docintel.APIError
	if errors.As(err, &apiErr) && resilience.IsTransientStatus(apiErr.StatusCode) {
		return resilience.Transient(err, apiErr.StatusCode)
	}
	return err
}
