package sync

import (
	"encoding/json"
	"time"

	"localtasks/internal/domain"
	"localtasks/internal/remote"
)

// Partition splits items into consecutive batches of at most size items,
// preserving order. The last batch may be smaller.
func Partition(items []domain.QueueItem, size int) [][]domain.QueueItem {
	if size <= 0 {
		size = DefaultBatchSize
	}
	if len(items) == 0 {
		return nil
	}
	batches := make([][]domain.QueueItem, 0, (len(items)+size-1)/size)
	for start := 0; start < len(items); start += size {
		end := min(start+size, len(items))
		batches = append(batches, items[start:end])
	}
	return batches
}

func buildRequest(batch []domain.QueueItem, now time.Time) remote.BatchRequest {
	req := remote.BatchRequest{
		Items:           make([]remote.BatchItem, 0, len(batch)),
		ClientTimestamp: now,
	}
	for _, it := range batch {
		req.Items = append(req.Items, remote.BatchItem{
			ID:         it.ID,
			TaskID:     it.TaskID,
			Operation:  it.Operation,
			Data:       payload(it.Data),
			CreatedAt:  it.CreatedAt,
			RetryCount: it.RetryCount,
		})
	}
	return req
}

// payload passes stored JSON through untouched and ships anything else as a
// JSON string so one corrupt row cannot break the whole request.
func payload(data []byte) json.RawMessage {
	if len(data) > 0 && json.Valid(data) {
		return json.RawMessage(data)
	}
	raw, _ := json.Marshal(string(data))
	return raw
}
