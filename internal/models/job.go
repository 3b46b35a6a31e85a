package models

import (
	"time"
)

// Pipeline step identifiers. One JobRecord row is written per attempt of each.
const (
	TaskDownloadVideo   = "download_video"
	TaskProcessVideo    = "process_video"
	TaskUploadStorage   = "upload_storage"
	TaskGenerateCaption = "generate_caption"
	TaskUploadTikTok    = "upload_tiktok"
)

// JobRecord attempt states. A record never leaves a terminal state; a retry
// inserts a fresh record with the next attempt number.
const (
	JobPending   = "pending"
	JobStarted   = "started"
	JobCompleted = "completed"
	JobFailed    = "failed"
)

// JobRecord is one attempt of one pipeline step for one item.
type JobRecord struct {
	ID           string     `json:"id"`
	ItemID       string     `json:"item_id"`
	TaskType     string     `json:"task_type"`
	Status       string     `json:"status"`
	Attempt      int        `json:"attempt"`
	ErrorMessage *string    `json:"error_message,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
}

// Terminal reports whether the record can no longer change.
func (j JobRecord) Terminal() bool {
	return j.Status == JobCompleted || j.Status == JobFailed
}

// StatsSummary aggregates item counts by status for the dashboard.
type StatsSummary struct {
	TotalItems  int `json:"total_items"`
	Pending     int `json:"pending"`
	Downloading int `json:"downloading"`
	Processing  int `json:"processing"`
	Uploading   int `json:"uploading"`
	Captioning  int `json:"captioning"`
	Publishing  int `json:"publishing"`
	Completed   int `json:"completed"`
	Failed      int `json:"failed"`
}
