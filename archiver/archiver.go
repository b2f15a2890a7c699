// SPDX-License-Identifier: GPL-3.0-or-later
package archiver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/kusl/MyImapDownloader-sub002/domain"
	"github.com/kusl/MyImapDownloader-sub002/log"
	"github.com/kusl/MyImapDownloader-sub002/mail"

	"github.com/sirupsen/logrus"
)

// Archiver drives the per-folder sync state machine: discover UIDs beyond
// the last checkpoint, fetch lightweight envelopes, dedup, stream new
// bodies to the archive writer and advance the cursor once the batch has
// been attempted in full. It only ever reads from the remote mailbox.
type Archiver struct {
	persistence domain.Persistence
	source      domain.MailSource
	writer      domain.ArchiveWriter

	cursors       *CursorManager
	configuration *configuration

	l *logrus.Logger
}

// SessionStats summarizes one completed session.
type SessionStats struct {
	Folders  int
	Archived int
	Skipped  int
	Failed   int
}

func NewArchiver(persistence domain.Persistence, source domain.MailSource, writer domain.ArchiveWriter, configFunc ...ConfigFunc) (*Archiver, error) {
	config := &configuration{
		BatchSize: DefaultBatchSize,
		Events:    domain.NopRecorder{},
	}
	for _, f := range configFunc {
		err := f(config)
		if err != nil {
			return nil, fmt.Errorf("error applying configuration: %w", err)
		}
	}

	return &Archiver{
		persistence:   persistence,
		source:        source,
		writer:        writer,
		cursors:       NewCursorManager(persistence),
		configuration: config,
		l:             log.Logger(log.LOG_ARCHIVER),
	}, nil
}

// Run syncs every folder in scope, strictly sequentially. Connection-class
// faults propagate to the caller untouched so the session wrapper can tear
// down and retry; per-message faults are absorbed, counted and logged.
func (a *Archiver) Run(ctx context.Context) (*SessionStats, error) {
	domain.Emit(a.configuration.Events, domain.EventSessionStart, nil)

	folders := a.configuration.Folders
	if len(folders) == 0 {
		listed, err := a.source.ListFolders()
		if err != nil {
			return nil, fmt.Errorf("could not enumerate folders: %w", err)
		}
		folders = listed
	}

	stats := &SessionStats{}
	for _, f := range folders {
		if err := ctx.Err(); err != nil {
			return stats, err
		}

		folderStats, err := a.syncFolder(ctx, f)
		if folderStats != nil {
			stats.Folders++
			stats.Archived += folderStats.Archived
			stats.Skipped += folderStats.Skipped
			stats.Failed += folderStats.Failed
		}
		if err != nil {
			return stats, err
		}

		domain.Emit(a.configuration.Events, domain.EventFolderProcessed, map[string]interface{}{
			"folder":   f,
			"archived": folderStats.Archived,
			"skipped":  folderStats.Skipped,
			"failed":   folderStats.Failed,
		})
	}

	a.l.WithFields(logrus.Fields{
		"folders":  stats.Folders,
		"archived": stats.Archived,
		"skipped":  stats.Skipped,
		"failed":   stats.Failed,
	}).Info("Session complete")
	domain.Emit(a.configuration.Events, domain.EventSessionComplete, map[string]interface{}{
		"folders":  stats.Folders,
		"archived": stats.Archived,
		"skipped":  stats.Skipped,
		"failed":   stats.Failed,
	})

	return stats, nil
}

func (a *Archiver) syncFolder(ctx context.Context, folder string) (*SessionStats, error) {
	stats := &SessionStats{}

	status, err := a.source.ExamineFolder(folder)
	if err != nil {
		return stats, err
	}

	lastUid, reset, err := a.cursors.Current(folder, status.UidValidity)
	if err != nil {
		return stats, err
	}
	if reset {
		a.l.WithFields(logrus.Fields{"folder": folder, "uidvalidity": status.UidValidity}).Warn("UID validity changed on the server, rescanning the folder from the start; deduplication keeps already-archived mail cheap")
		domain.Emit(a.configuration.Events, domain.EventCursorReset, map[string]interface{}{"folder": folder})
	}

	// Date bounds only narrow the full scan, an incremental sync is
	// driven by the UID range alone.
	since, before := a.configuration.Since, a.configuration.Before
	if lastUid > 0 {
		since, before = time.Time{}, time.Time{}
	}

	uids, err := a.source.SearchUids(lastUid, since, before)
	if err != nil {
		return stats, err
	}

	if len(uids) == 0 {
		a.l.WithFields(logrus.Fields{"folder": folder}).Info("Folder contains no new mails")
		return stats, nil
	}

	batches := partitionUids(uids, a.configuration.BatchSize)
	a.l.WithFields(logrus.Fields{"folder": folder, "newmails": len(uids), "batches": len(batches)}).Info("Found mails to archive")

	for _, batch := range batches {
		if err := ctx.Err(); err != nil {
			return stats, err
		}

		err := a.processBatch(ctx, folder, status.UidValidity, batch, stats)
		if err != nil {
			return stats, err
		}
	}

	return stats, nil
}

func (a *Archiver) processBatch(ctx context.Context, folder string, uidValidity uint32, batch []uint32, stats *SessionStats) error {
	start := time.Now()
	a.l.WithFields(logrus.Fields{"folder": folder, "batchsize": len(batch)}).Debug("Archiving batch")

	envelopes, err := a.source.FetchEnvelopes(batch)
	if err != nil {
		return err
	}

	archived, skipped, failed := 0, 0, 0

	// The checkpoint only ever moves to the highest UID below which every
	// message was persisted or skipped; a failed message is retried on the
	// next run instead of being skipped forever.
	var highestContiguous uint32
	contiguous := true

	for _, envelope := range envelopes {
		if err := ctx.Err(); err != nil {
			break
		}

		result, err := a.archiveOne(folder, envelope)
		if err != nil {
			if isSessionFatal(err) {
				return err
			}

			failed++
			contiguous = false
			a.l.WithFields(logrus.Fields{"folder": folder, "uid": envelope.Uid, "error": err}).Warn("Could not archive mail, continuing")
			continue
		}

		if result.Duplicate {
			skipped++
		} else {
			archived++
		}
		if contiguous {
			highestContiguous = envelope.Uid
		}
	}

	if highestContiguous > 0 {
		if err := a.cursors.Advance(folder, highestContiguous, uidValidity); err != nil {
			return err
		}
		domain.Emit(a.configuration.Events, domain.EventCursorAdvanced, map[string]interface{}{
			"folder":      folder,
			"uid":         highestContiguous,
			"uidvalidity": uidValidity,
		})
	}

	stats.Archived += archived
	stats.Skipped += skipped
	stats.Failed += failed

	a.l.WithFields(logrus.Fields{
		"folder":    folder,
		"duration":  time.Since(start),
		"batchsize": len(batch),
		"archived":  archived,
		"skipped":   skipped,
		"failed":    failed,
	}).Info("Archived batch")
	domain.Emit(a.configuration.Events, domain.EventBatchPersisted, map[string]interface{}{
		"folder":   folder,
		"archived": archived,
		"skipped":  skipped,
		"failed":   failed,
	})

	return ctx.Err()
}

// archiveOne persists a single message. The envelope identifier is checked
// first so no body transfer happens for already-archived mail; the writer
// re-checks with the header-derived identifier for envelopes that omit it.
func (a *Archiver) archiveOne(folder string, envelope *domain.Envelope) (*domain.ArchiveResult, error) {
	id := mail.NormalizeId(envelope.MessageId)
	if len(id) > 0 {
		exists, err := a.persistence.MessageExists(id)
		if err != nil {
			return nil, err
		}
		if exists {
			a.l.WithFields(logrus.Fields{"folder": folder, "uid": envelope.Uid}).Debug("Already archived, skipping body fetch")
			return &domain.ArchiveResult{MessageId: id, Duplicate: true}, nil
		}
	}

	var result *domain.ArchiveResult
	err := a.source.FetchBody(envelope.Uid, func(r io.Reader) error {
		archiveResult, err := a.writer.Archive(folder, envelope, r)
		if err != nil {
			return err
		}
		result = archiveResult
		return nil
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

// isSessionFatal separates faults that must reach the session wrapper from
// faults absorbed per message.
func isSessionFatal(err error) bool {
	return domain.IsConnection(err) ||
		domain.IsAuth(err) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

// taken from https://github.com/golang/go/wiki/SliceTricks
func partitionUids(uids []uint32, partitionSize int) [][]uint32 {
	batches := make([][]uint32, 0, (len(uids)+partitionSize-1)/partitionSize)

	for partitionSize < len(uids) {
		uids, batches = uids[partitionSize:], append(batches, uids[0:partitionSize:partitionSize])
	}
	batches = append(batches, uids)

	return batches
}
