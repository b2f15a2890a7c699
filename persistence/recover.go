// SPDX-License-Identifier: GPL-3.0-or-later
package persistence

import (
	"fmt"
	"os"
	"time"

	"github.com/kusl/MyImapDownloader-sub002/domain"
	"github.com/kusl/MyImapDownloader-sub002/log"
	"github.com/kusl/MyImapDownloader-sub002/maildir"

	"github.com/sirupsen/logrus"
)

// OpenOrRecover opens the index store at datasource. Any open failure on an
// existing store file is classified as corruption: the unreadable file (and
// its WAL companions) is renamed aside with a timestamp suffix, never
// deleted, and a fresh store is rebuilt from the metadata sidecars below
// archiveRoot. Cursors cannot be reconstructed from sidecars, so after a
// rebuild every folder rescans from the start; deduplication keeps that
// rescan from re-storing anything.
//
// The returned bool reports whether a rebuild happened.
func OpenOrRecover(datasource, archiveRoot string, events domain.EventRecorder) (*Persistence, bool, error) {
	p, err := NewPersistence(datasource)
	if err == nil {
		return p, false, nil
	}

	if _, statErr := os.Stat(datasource); statErr != nil {
		// No store file on disk, the failure is not corruption.
		return nil, false, err
	}

	l := log.Logger(log.LOG_PERSISTENCE)
	l.WithFields(logrus.Fields{"file": datasource, "error": err}).Warn("Index store unreadable, rebuilding from sidecars")
	domain.Emit(events, domain.EventRebuildStarted, map[string]interface{}{"file": datasource})

	if err := setAside(datasource); err != nil {
		return nil, false, err
	}

	p, err = NewPersistence(datasource)
	if err != nil {
		return nil, false, fmt.Errorf("could not create replacement store: %w", err)
	}

	count, err := p.RebuildFromSidecars(archiveRoot)
	if err != nil {
		_ = p.Close()
		return nil, false, fmt.Errorf("could not rebuild index: %w", err)
	}

	l.WithFields(logrus.Fields{"messages": count}).Info("Rebuilt index store")
	return p, true, nil
}

// RebuildFromSidecars walks the archive lazily and reinserts one dedup
// record per valid sidecar. The eml+sidecar pair on disk is the sole
// source of truth; malformed sidecars are skipped inside the walk.
func (p *Persistence) RebuildFromSidecars(archiveRoot string) (int64, error) {
	var count int64
	err := maildir.WalkSidecars(archiveRoot, func(s *maildir.Sidecar, path string) error {
		err := p.SaveMessage(domain.MessageRecord{
			MessageId:  s.MessageId,
			FolderName: s.Folder,
			ImportedAt: s.ArchivedAt,
		})
		if err != nil {
			return fmt.Errorf("could not reinsert record for %s: %w", path, err)
		}

		count++
		return nil
	})
	if err != nil {
		return count, err
	}

	return count, nil
}

func setAside(datasource string) error {
	suffix := ".corrupt-" + time.Now().UTC().Format("20060102T150405Z")

	for _, companion := range []string{"", "-wal", "-shm"} {
		src := datasource + companion
		if _, err := os.Stat(src); err != nil {
			continue
		}
		if err := os.Rename(src, src+suffix); err != nil {
			return fmt.Errorf("could not set corrupt store aside: %w", err)
		}
	}

	return nil
}
