package domain

import "time"

type BatchStatus string

const (
	BatchStatusPending    BatchStatus = "pending"
	BatchStatusProcessing BatchStatus = "processing"
	BatchStatusDone       BatchStatus = "done"
	BatchStatusCancelled  BatchStatus = "cancelled"
)

func (s BatchStatus) Finished() bool {
	return s == BatchStatusDone || s == BatchStatusCancelled
}

// Item is one source image handed to a batch.
type Item struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Data     []byte `json:"-"`
	Priority int    `json:"priority,omitempty"`
	// Rejected fails the item without converting it.
	Rejected error `json:"-"`
}

type ItemResult struct {
	ID         string        `json:"id"`
	Name       string        `json:"name,omitempty"`
	Success    bool          `json:"success"`
	Output     []byte        `json:"-"`
	OutputSize int64         `json:"output_size"`
	InputSize  int64         `json:"input_size"`
	Err        error         `json:"-"`
	Attempts   int           `json:"attempts"`
	Duration   time.Duration `json:"duration"`
}

// Error returns the failure message, or "" on success.
func (r ItemResult) Error() string {
	if r.Err == nil {
		return ""
	}
	return r.Err.Error()
}

type Batch struct {
	ID         string            `json:"id"`
	Status     BatchStatus       `json:"status"`
	Options    ConversionOptions `json:"options"`
	Total      int               `json:"total"`
	Completed  int               `json:"completed"`
	Failed     int               `json:"failed"`
	Results    []ItemResult      `json:"results"`
	CreatedAt  time.Time         `json:"created_at"`
	FinishedAt *time.Time        `json:"finished_at,omitempty"`
}

// Done counts items that reached a terminal state.
func (b *Batch) Done() int {
	return b.Completed + b.Failed
}

func (b *Batch) IsExpired(retention time.Duration, now time.Time) bool {
	if b.FinishedAt == nil || retention <= 0 {
		return false
	}
	return now.Sub(*b.FinishedAt) > retention
}
