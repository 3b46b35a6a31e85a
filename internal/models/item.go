package models

import (
	"time"
)

// Item lifecycle states persisted in Postgres. The pipeline moves an item
// through these in order; `failed` is reachable from any non-terminal state.
const (
	ItemPending     = "pending"
	ItemDownloading = "downloading"
	ItemProcessing  = "processing"
	ItemUploading   = "uploading"
	ItemCaptioning  = "captioning"
	ItemPublishing  = "publishing"
	ItemCompleted   = "completed"
	ItemFailed      = "failed"
)

// ItemStatuses lists every valid item state, in pipeline order.
var ItemStatuses = []string{
	ItemPending,
	ItemDownloading,
	ItemProcessing,
	ItemUploading,
	ItemCaptioning,
	ItemPublishing,
	ItemCompleted,
	ItemFailed,
}

// Item is one submitted Instagram reel URL and its end-to-end pipeline state.
type Item struct {
	ID             string     `json:"id"`
	SourceURL      string     `json:"source_url"`
	SourceMediaID  *string    `json:"source_media_id,omitempty"`
	Shortcode      *string    `json:"shortcode,omitempty"`
	Status         string     `json:"status"`
	Caption        *string    `json:"caption,omitempty"`
	Hashtags       []string   `json:"hashtags,omitempty"`
	StorageURL     *string    `json:"storage_url,omitempty"`
	CoverURL       *string    `json:"cover_url,omitempty"`
	DestinationURL *string    `json:"destination_url,omitempty"`
	DestinationID  *string    `json:"destination_id,omitempty"`
	ErrorMessage   *string    `json:"error_message,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// Terminal reports whether the item has reached an absorbing state.
func (i Item) Terminal() bool {
	return i.Status == ItemCompleted || i.Status == ItemFailed
}
