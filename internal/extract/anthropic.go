package extract

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/rotisserie/eris"

	"github.com/sells-group/docflow/internal/model"
	"github.com/sells-group/docflow/internal/resilience"
	"github.com/sells-group/docflow/pkg/anthropic"
)

const systemPrompt = "You extract structured data from business documents. " +
	"Reply with a single JSON object and nothing else. Use null for fields that are not present."

// AnthropicExtractor runs each document as a one-item Message Batch. The
// operation id is "<batch id>/<job id>".
type AnthropicExtractor struct {
	client       anthropic.Client
	defaultModel string
	maxTokens    int64
}

// NewAnthropic wraps an Anthropic batch client. defaultModel is used when an
// extraction model names no provider model.
func NewAnthropic(client anthropic.Client, defaultModel string, maxTokens int64) *AnthropicExtractor {
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	return &AnthropicExtractor{client: client, defaultModel: defaultModel, maxTokens: maxTokens}
}

func (e *AnthropicExtractor) Submit(ctx context.Context, req Request) (string, error) {
	if req.Model == nil {
		return "", eris.New("extract: request has no model")
	}
	llm := req.Model.ProviderModel
	if llm == "" {
		llm = e.defaultModel
	}

	batch, err := e.client.CreateBatch(ctx, anthropic.BatchRequest{
		Requests: []anthropic.BatchRequestItem{{
			CustomID: req.JobID,
			Params: anthropic.MessageRequest{
				Model:     llm,
				MaxTokens: e.maxTokens,
				System:    systemPrompt,
				Prompt:    buildPrompt(req),
				Document:  &anthropic.Document{MediaType: req.ContentType, Data: req.Data},
			},
		}},
	})
	if err != nil {
		return "", classifySDK(err)
	}
	return batch.ID + "/" + req.JobID, nil
}

func (e *AnthropicExtractor) Poll(ctx context.Context, operationID string) (*Result, error) {
	batchID, customID, ok := strings.Cut(operationID, "/")
	if !ok || batchID == "" || customID == "" {
		return nil, eris.Errorf("extract: malformed operation id %q", operationID)
	}

	batch, err := e.client.GetBatch(ctx, batchID)
	if err != nil {
		return nil, classifySDK(err)
	}
	if batch.ProcessingStatus != anthropic.BatchEnded {
		return &Result{Status: model.OperationRunning}, nil
	}

	iter, err := e.client.GetBatchResults(ctx, batchID)
	if err != nil {
		return nil, classifySDK(err)
	}
	results, err := anthropic.CollectBatchResults(iter)
	if err != nil {
		return nil, classifySDK(err)
	}

	msg, typ, found := results.Find(customID)
	if !found {
		return nil, eris.Errorf("extract: batch %s has no result for %s", batchID, customID)
	}
	if typ != anthropic.ResultSucceeded {
		return &Result{Status: model.OperationFailed, Error: "batch item " + typ}, nil
	}
	msg.Usage.LogCost(msg.Model, customID)

	fields, err := parseFields(msg.Text)
	if err != nil {
		return &Result{Status: model.OperationFailed, Error: err.Error()}, nil
	}
	return &Result{Status: model.OperationSucceeded, Fields: fields}, nil
}

func buildPrompt(req Request) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Extract the %s fields from the attached document %q.", req.Model.Name, req.FileName)
	if req.Model.Description != "" {
		b.WriteString("\n\n")
		b.WriteString(req.Model.Description)
	}
	if len(req.Model.FieldSchema) > 0 {
		b.WriteString("\n\nThe JSON object must conform to this JSON Schema:\n")
		b.Write(req.Model.FieldSchema)
	}
	return b.String()
}

// parseFields pulls the JSON object out of a model reply, tolerating a
// markdown code fence around it.
func parseFields(text string) (json.RawMessage, error) {
	s := strings.TrimSpace(text)
	if start := strings.Index(s, "{"); start >= 0 {
		if end := strings.LastIndex(s, "}"); end > start {
			s = s[start : end+1]
		}
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(s), &obj); err != nil {
		return nil, eris.New("extract: model reply is not a JSON object")
	}
	return json.RawMessage(s), nil
}

// classifySDK marks throttling, overload and server errors as transient.
func classifySDK(err error) error {
	var apiErr *sdk.Error
	if errors.As(err, &apiErr) && (resilience.IsTransientStatus(apiErr.StatusCode) || apiErr.StatusCode == 529) {
		return resilience.Transient(err, apiErr.StatusCode)
	}
	return err
}
