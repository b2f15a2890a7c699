// SPDX-License-Identifier: GPL-3.0-or-later
package maildir

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

const (
	FinalSuffix   = ".archived.eml"
	SidecarSuffix = ".meta.json"
)

// Sidecar is the metadata record stored beside each archive entry. It is
// the durable source of truth for index reconstruction: everything the
// rebuild needs must round-trip through this struct.
type Sidecar struct {
	MessageId     string    `json:"message_id"`
	Subject       string    `json:"subject"`
	Sender        string    `json:"sender"`
	Recipients    []string  `json:"recipients"`
	Date          time.Time `json:"date"`
	Folder        string    `json:"folder"`
	ArchivedAt    time.Time `json:"archived_at"`
	HasAttachment bool      `json:"has_attachment"`
}

// WriteSidecar persists s next to the archive entry at entryPath using the
// same temp-write-then-rename pattern as the entry itself.
func WriteSidecar(entryPath string, s *Sidecar) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("could not marshal sidecar: %w", err)
	}

	dir := filepath.Dir(entryPath)
	staged := filepath.Join(dir, uuid.NewString()+".sidecar.tmp")
	if err := os.WriteFile(staged, data, 0o600); err != nil {
		return fmt.Errorf("could not write sidecar: %w", err)
	}

	final := entryPath + SidecarSuffix
	if err := os.Rename(staged, final); err != nil {
		_ = os.Remove(staged)
		return fmt.Errorf("could not finalize sidecar: %w", err)
	}

	return nil
}

func ReadSidecar(path string) (*Sidecar, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("could not read sidecar: %w", err)
	}

	s := &Sidecar{}
	if err := json.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("could not parse sidecar: %w", err)
	}

	if len(s.MessageId) == 0 {
		return nil, fmt.Errorf("sidecar is missing the message identifier")
	}

	return s, nil
}
