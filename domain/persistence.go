// SPDX-License-Identifier: GPL-3.0-or-later
package domain

//go:generate mockgen -destination=mocks/persistence.go -package=mocks . Persistence
import "time"

// SyncCursor is the per-folder checkpoint. LastUid is monotonically
// non-decreasing for a fixed UidValidity; it resets to zero exactly once
// when the server rebuilds the folder's UID numbering.
type SyncCursor struct {
	FolderName  string
	LastUid     uint32
	UidValidity uint32
}

// MessageRecord marks a message as durably archived. It is inserted only
// after both the archive file and its sidecar exist on disk.
type MessageRecord struct {
	MessageId  string
	FolderName string
	ImportedAt time.Time
}

type Persistence interface {
	Close() error

	GetCursor(folder string) (*SyncCursor, error)
	AdvanceCursor(folder string, uid uint32, uidValidity uint32) error
	AllCursors() ([]*SyncCursor, error)

	MessageExists(messageId string) (bool, error)
	SaveMessage(record MessageRecord) error
	MessageCount() (int64, error)
}
