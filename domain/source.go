// SPDX-License-Identifier: GPL-3.0-or-later
package domain

//go:generate mockgen -destination=mocks/source.go -package=mocks . MailSource
import (
	"io"
	"time"
)

type FolderStatus struct {
	Name        string
	UidValidity uint32
	Messages    uint32
}

// Envelope is the lightweight per-message metadata fetched before any body
// transfer. MessageId may be empty on servers that omit it from ENVELOPE
// responses; the storage writer recovers it from the headers in that case.
type Envelope struct {
	Uid        uint32
	MessageId  string
	Date       time.Time
	Subject    string
	Sender     string
	Recipients []string
}

// MailSource is the read-only view of a remote mailbox. Implementations
// must never issue a mutating command against the server.
type MailSource interface {
	ListFolders() ([]string, error)
	ExamineFolder(folder string) (*FolderStatus, error)
	SearchUids(afterUid uint32, since, before time.Time) ([]uint32, error)
	FetchEnvelopes(uids []uint32) ([]*Envelope, error)
	FetchBody(uid uint32, consume func(r io.Reader) error) error
	Close() error
}
