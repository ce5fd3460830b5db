package models

import "time"

// ConflictLog records a resolved divergence between a dirty local record and
// its server copy.
type ConflictLog struct {
	ItemID         string     `json:"item_id"`
	Collection     Collection `json:"collection"`
	LocalModified  int64      `json:"local_modified"`
	RemoteModified int64      `json:"remote_modified"`
	Resolution     string     `json:"resolution"` // server_wins, client_wins, merge
	DetectedAt     int64      `json:"detected_at"`
}

// DetectedAtTime returns the DetectedAt as time.Time.
func (c *ConflictLog) DetectedAtTime() time.Time {
	return time.UnixMilli(c.DetectedAt)
}
