// SPDX-License-Identifier: GPL-3.0-or-later
package domain

//go:generate mockgen -destination=mocks/archive.go -package=mocks . ArchiveWriter
import "io"

// ArchiveResult describes the outcome of archiving a single message.
type ArchiveResult struct {
	// Path of the finalized archive entry. Empty for duplicates that
	// were discarded before reaching the archive.
	Path string
	// MessageId is the normalized identifier the message was stored under.
	MessageId string
	// Duplicate is true when the message was already archived and the
	// staged copy was discarded.
	Duplicate bool
}

// ArchiveWriter turns a raw message stream into a durable archive entry
// plus metadata sidecar. Finalized entries are never modified or deleted.
type ArchiveWriter interface {
	Archive(folder string, envelope *Envelope, body io.Reader) (*ArchiveResult, error)
}
