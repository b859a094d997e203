package anthropic

import (
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// BatchFailure records a single failed batch item.
type BatchFailure struct {
	CustomID string
	Type     string // errored, canceled, expired
}

// BatchCollectResult holds both succeeded and failed items from a batch.
type BatchCollectResult struct {
	Succeeded map[string]*MessageResponse
	Failures  []BatchFailure
}

// Find returns the outcome for customID: the message when it succeeded, or
// the failure type.
func (r *BatchCollectResult) Find(customID string) (*MessageResponse, string, bool) {
	if msg, ok := r.Succeeded[customID]; ok {
		return msg, ResultSucceeded, true
	}
	for _, f := range r.Failures {
		if f.CustomID == customID {
			return nil, f.Type, true
		}
	}
	return nil, "", false
}

// CollectBatchResults drains a BatchResultIterator, keeping succeeded
// messages by custom_id and recording every other item as a failure.
func CollectBatchResults(iter BatchResultIterator) (*BatchCollectResult, error) {
	defer iter.Close() //nolint:errcheck

	result := &BatchCollectResult{
		Succeeded: make(map[string]*MessageResponse),
	}
	for iter.Next() {
		item := iter.Item()
		if item.Type == ResultSucceeded && item.Message != nil {
			result.Succeeded[item.CustomID] = item.Message
			continue
		}
		result.Failures = append(result.Failures, BatchFailure{
			CustomID: item.CustomID,
			Type:     item.Type,
		})
		zap.L().Warn("anthropic: batch item failed",
			zap.String("custom_id", item.CustomID),
			zap.String("type", item.Type),
		)
	}
	if err := iter.Err(); err != nil {
		return nil, eris.Wrap(err, "anthropic: collect batch results")
	}
	return result, nil
}
