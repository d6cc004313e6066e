package domain

import "time"

// DeletePolicy controls what the file-sync poller does with a local file
// whose remote counterpart has disappeared.
type DeletePolicy string

const (
	DeleteKeep   DeletePolicy = "keep"
	DeleteTrash  DeletePolicy = "trash"
	DeleteRemove DeletePolicy = "delete"
)

// SyncStateEntry tracks one file's last-known remote identity.
type SyncStateEntry struct {
	RelativePath string    `json:"relativePath"`
	LastModified int64     `json:"lastModified"`
	ETag         string    `json:"etag"`
	Size         int64     `json:"size"`
	SyncedAt     time.Time `json:"syncedAt"`
}

// SyncState is the on-disk, versioned state of one poller instance.
type SyncState struct {
	Version    int                       `json:"version"`
	UserID     string                    `json:"userId"`
	S3Prefix   string                    `json:"s3Prefix"`
	LastPollAt time.Time                 `json:"lastPollAt"`
	Entries    map[string]*SyncStateEntry `json:"entries"`
}

// InSync reports whether a remote object's etag matches the recorded
// state for the same relative path.
func (s *SyncState) InSync(relativePath, etag string) bool {
	entry, ok := s.Entries[relativePath]
	if !ok {
		return false
	}
	return entry.ETag == etag
}
