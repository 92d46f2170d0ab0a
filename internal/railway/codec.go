package railway

import (
	"fmt"

	json "github.com/goccy/go-json"

	"github.com/petrijr/sagarail/pkg/api"
)

// queuedTask is the light wire form a task travels through a queue in. Only
// routing fields are carried; the durable task record in storage stays the
// authoritative copy and is reloaded by id on dispatch.
type queuedTask struct {
	ID            string `json:"id"`
	TransactionID string `json:"txid"`
	Transition    string `json:"transition"`
	Args          []any  `json:"args"`
	Source        string `json:"source,omitempty"`
	Destination   string `json:"destination,omitempty"`
	TryNext       bool   `json:"try_next,omitempty"`
}

// EncodeTask serializes a task into its queue wire form.
func EncodeTask(t *api.Task) ([]byte, error) {
	qt := queuedTask{
		ID:            t.ID,
		TransactionID: t.TransactionID,
		Transition:    t.Transition,
		Args:          t.Args,
		Source:        t.Source,
		Destination:   t.Destination,
		TryNext:       t.TryNext,
	}
	data, err := json.Marshal(qt)
	if err != nil {
		return nil, fmt.Errorf("railway: encode task %s: %w", t.ID, err)
	}
	return data, nil
}

// DecodeTask deserializes a queue wire form back into a task. The decoded
// task carries routing fields only.
func DecodeTask(data []byte) (*api.Task, error) {
	var qt queuedTask
	if err := json.Unmarshal(data, &qt); err != nil {
		return nil, fmt.Errorf("railway: decode task: %w", err)
	}
	args := qt.Args
	if args == nil {
		args = []any{}
	}
	return &api.Task{
		ID:            qt.ID,
		TransactionID: qt.TransactionID,
		Transition:    qt.Transition,
		Args:          args,
		Source:        qt.Source,
		Destination:   qt.Destination,
		TryNext:       qt.TryNext,
	}, nil
}
