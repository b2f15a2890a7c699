// SPDX-License-Identifier: GPL-3.0-or-later
package maildir

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kusl/MyImapDownloader-sub002/domain"
	"github.com/kusl/MyImapDownloader-sub002/log"
	"github.com/kusl/MyImapDownloader-sub002/mail"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const maxCollisionRetries = 9

// Writer archives raw message streams into a per-folder maildir-style
// layout below root: tmp/ holds staged writes, cur/ holds finalized
// entries and their sidecars. The rename from tmp/ to cur/ is the single
// atomic commit point; finalized files are never modified or deleted.
type Writer struct {
	root  string
	host  string
	index domain.Persistence

	events domain.EventRecorder

	l *logrus.Logger
}

func NewWriter(root string, index domain.Persistence, events domain.EventRecorder) (*Writer, error) {
	if len(strings.TrimSpace(root)) == 0 {
		return nil, fmt.Errorf("archive root must not be empty")
	}

	if err := os.MkdirAll(root, 0o700); err != nil {
		return nil, fmt.Errorf("could not create archive root: %w", err)
	}

	host, err := os.Hostname()
	if err != nil || len(host) == 0 {
		host = "localhost"
	}

	return &Writer{
		root:   root,
		host:   mail.NormalizeId(host),
		index:  index,
		events: events,
		l:      log.Logger(log.LOG_MAILDIR),
	}, nil
}

// Archive streams body into the staging area of folder, derives the
// canonical identifier and sidecar metadata from the just-written headers,
// and promotes the file via atomic rename. The index record is inserted
// only after both the entry and the sidecar exist on disk.
func (w *Writer) Archive(folder string, envelope *domain.Envelope, body io.Reader) (*domain.ArchiveResult, error) {
	tmpDir, curDir, err := w.folderDirs(folder)
	if err != nil {
		return nil, err
	}

	staged, err := w.stage(tmpDir, body)
	if err != nil {
		return nil, err
	}

	summary, err := w.reparse(staged)
	if err != nil {
		_ = os.Remove(staged)
		return nil, err
	}

	id := summary.MessageId

	// Second dedup check, now with the header-derived identifier. The
	// envelope-based check upstream misses folders whose envelopes omit
	// the Message-Id.
	exists, err := w.index.MessageExists(id)
	if err != nil {
		_ = os.Remove(staged)
		return nil, fmt.Errorf("could not check for duplicate: %w", err)
	}
	if exists {
		_ = os.Remove(staged)
		w.l.WithFields(logrus.Fields{"folder": folder, "id": id}).Debug("Discarding staged duplicate")
		return &domain.ArchiveResult{MessageId: id, Duplicate: true}, nil
	}

	received := envelope.Date
	if received.IsZero() {
		received = summary.Date
	}
	if received.IsZero() {
		received = time.Now()
	}

	sidecar := &Sidecar{
		MessageId:     id,
		Subject:       summary.Subject,
		Sender:        summary.Sender,
		Recipients:    summary.Recipients,
		Date:          sidecarDate(summary.Date, received),
		Folder:        folder,
		ArchivedAt:    time.Now().UTC(),
		HasAttachment: summary.HasAttachment,
	}

	finalPath, healed, err := w.promote(staged, curDir, received, id)
	if err != nil {
		_ = os.Remove(staged)
		return nil, err
	}

	if _, statErr := os.Lstat(finalPath + SidecarSuffix); statErr != nil {
		if err := WriteSidecar(finalPath, sidecar); err != nil {
			// The finalized entry stays untouched, the next run heals
			// the missing sidecar and index record.
			return nil, err
		}
	}

	err = w.index.SaveMessage(domain.MessageRecord{
		MessageId:  id,
		FolderName: folder,
		ImportedAt: sidecar.ArchivedAt,
	})
	if err != nil {
		return nil, fmt.Errorf("could not record archived message: %w", err)
	}

	if healed {
		w.l.WithFields(logrus.Fields{"folder": folder, "id": id, "path": finalPath}).Warn("Archive entry existed without index record, healed")
		return &domain.ArchiveResult{Path: finalPath, MessageId: id, Duplicate: true}, nil
	}

	w.l.WithFields(logrus.Fields{"folder": folder, "subject": mail.ShortSubject(sidecar.Subject), "path": finalPath}).Debug("Archived mail")
	return &domain.ArchiveResult{Path: finalPath, MessageId: id}, nil
}

func (w *Writer) stage(tmpDir string, body io.Reader) (string, error) {
	staged := filepath.Join(tmpDir, uuid.NewString()+".tmp")
	f, err := os.OpenFile(staged, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return "", fmt.Errorf("could not create staging file: %w", err)
	}

	_, err = io.Copy(f, body)
	if err == nil {
		err = f.Sync()
	}
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(staged)
		return "", fmt.Errorf("could not stage message: %w", err)
	}

	return staged, nil
}

func (w *Writer) reparse(staged string) (*mail.Summary, error) {
	f, err := os.Open(staged)
	if err != nil {
		return nil, fmt.Errorf("could not reopen staged message: %w", err)
	}
	defer f.Close()

	summary, err := mail.HeaderSummary(bufio.NewReader(f))
	if err != nil {
		return nil, fmt.Errorf("could not parse staged message headers: %w", err)
	}

	return summary, nil
}

// promote renames the staged file into cur/. A pre-existing final path
// means an earlier run archived this exact message but crashed before the
// index insert; the staged copy is discarded and the existing entry kept.
func (w *Writer) promote(staged, curDir string, received time.Time, id string) (string, bool, error) {
	base := fmt.Sprintf("%d.%s.%s", received.Unix(), id, w.host)

	for attempt := 0; ; attempt++ {
		name := base
		if attempt > 0 {
			name = fmt.Sprintf("%s-%d", base, attempt)
		}
		finalPath := filepath.Join(curDir, name+FinalSuffix)

		if _, err := os.Lstat(finalPath); err == nil {
			_ = os.Remove(staged)
			return finalPath, true, nil
		}

		// The destination may have been deleted since folderDirs ran,
		// recreate it immediately before the rename.
		if err := os.MkdirAll(curDir, 0o700); err != nil {
			return "", false, fmt.Errorf("could not recreate destination directory: %w", err)
		}

		err := os.Rename(staged, finalPath)
		if err == nil {
			return finalPath, false, nil
		}

		if attempt >= maxCollisionRetries {
			return "", false, fmt.Errorf("could not finalize message after %d attempts: %w", attempt+1, err)
		}
		w.l.WithFields(logrus.Fields{"path": finalPath, "error": err}).Debug("Rename failed, retrying with suffix")
	}
}

func (w *Writer) folderDirs(folder string) (string, string, error) {
	dir := filepath.Join(w.root, FolderDirName(folder))
	tmpDir := filepath.Join(dir, "tmp")
	curDir := filepath.Join(dir, "cur")

	for _, d := range []string{tmpDir, filepath.Join(dir, "new"), curDir} {
		if err := os.MkdirAll(d, 0o700); err != nil {
			return "", "", fmt.Errorf("could not create maildir structure: %w", err)
		}
	}

	return tmpDir, curDir, nil
}

// FolderDirName maps a remote folder name onto a single safe path
// component. Hierarchy delimiters collapse into dots, maildir++ style.
func FolderDirName(folder string) string {
	var b strings.Builder
	b.Grow(len(folder))
	for _, r := range folder {
		switch {
		case r == '/' || r == '\\':
			b.WriteByte('.')
		case r == ':' || r == '*' || r == '?' || r == '"' || r == '<' || r == '>' || r == '|' || r < 0x20:
			b.WriteByte('_')
		default:
			b.WriteRune(r)
		}
	}

	name := strings.Trim(b.String(), ". ")
	if len(name) == 0 {
		name = "unnamed"
	}
	return name
}

func sidecarDate(headerDate, received time.Time) time.Time {
	if !headerDate.IsZero() {
		return headerDate
	}
	return received
}
