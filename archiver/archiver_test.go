// SPDX-License-Identifier: GPL-3.0-or-later
package archiver

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/kusl/MyImapDownloader-sub002/domain"
	"github.com/kusl/MyImapDownloader-sub002/log"
	"github.com/kusl/MyImapDownloader-sub002/mail"

	"github.com/stretchr/testify/assert"
)

func TestMain(m *testing.M) {
	log.InitLogging("error")
	os.Exit(m.Run())
}

type fakeStore struct {
	cursors  map[string]*domain.SyncCursor
	messages map[string]domain.MessageRecord
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		cursors:  map[string]*domain.SyncCursor{},
		messages: map[string]domain.MessageRecord{},
	}
}

func (s *fakeStore) Close() error { return nil }

func (s *fakeStore) GetCursor(folder string) (*domain.SyncCursor, error) {
	return s.cursors[folder], nil
}

func (s *fakeStore) AdvanceCursor(folder string, uid uint32, uidValidity uint32) error {
	stored, ok := s.cursors[folder]
	if !ok || stored.UidValidity != uidValidity || uid > stored.LastUid {
		s.cursors[folder] = &domain.SyncCursor{FolderName: folder, LastUid: uid, UidValidity: uidValidity}
	}
	return nil
}

func (s *fakeStore) AllCursors() ([]*domain.SyncCursor, error) {
	cursors := []*domain.SyncCursor{}
	for _, c := range s.cursors {
		cursors = append(cursors, c)
	}
	return cursors, nil
}

func (s *fakeStore) MessageExists(id string) (bool, error) {
	_, ok := s.messages[id]
	return ok, nil
}

func (s *fakeStore) SaveMessage(r domain.MessageRecord) error {
	if _, ok := s.messages[r.MessageId]; !ok {
		s.messages[r.MessageId] = r
	}
	return nil
}

func (s *fakeStore) MessageCount() (int64, error) {
	return int64(len(s.messages)), nil
}

type fakeSource struct {
	folders     []string
	uidValidity uint32
	uids        []uint32
	envelopes   map[uint32]*domain.Envelope

	bodyErr map[uint32]error

	bodyFetches   []uint32
	searchedAfter []uint32
	searchedSince []time.Time
}

func newFakeSource(uidValidity uint32, uids ...uint32) *fakeSource {
	s := &fakeSource{
		folders:     []string{"INBOX"},
		uidValidity: uidValidity,
		uids:        uids,
		envelopes:   map[uint32]*domain.Envelope{},
		bodyErr:     map[uint32]error{},
	}
	for _, uid := range uids {
		s.envelopes[uid] = &domain.Envelope{
			Uid:       uid,
			MessageId: fmt.Sprintf("<msg-%d@example.org>", uid),
			Date:      time.Unix(1136239445, 0).UTC(),
		}
	}
	return s
}

func (s *fakeSource) ListFolders() ([]string, error) {
	return s.folders, nil
}

func (s *fakeSource) ExamineFolder(folder string) (*domain.FolderStatus, error) {
	return &domain.FolderStatus{Name: folder, UidValidity: s.uidValidity, Messages: uint32(len(s.uids))}, nil
}

func (s *fakeSource) SearchUids(afterUid uint32, since, before time.Time) ([]uint32, error) {
	s.searchedAfter = append(s.searchedAfter, afterUid)
	s.searchedSince = append(s.searchedSince, since)

	result := []uint32{}
	for _, uid := range s.uids {
		if uid > afterUid {
			result = append(result, uid)
		}
	}
	return result, nil
}

func (s *fakeSource) FetchEnvelopes(uids []uint32) ([]*domain.Envelope, error) {
	envelopes := []*domain.Envelope{}
	for _, uid := range uids {
		if e, ok := s.envelopes[uid]; ok {
			envelopes = append(envelopes, e)
		}
	}
	return envelopes, nil
}

func (s *fakeSource) FetchBody(uid uint32, consume func(r io.Reader) error) error {
	s.bodyFetches = append(s.bodyFetches, uid)
	if err := s.bodyErr[uid]; err != nil {
		return err
	}
	return consume(strings.NewReader(fmt.Sprintf("body of %d", uid)))
}

func (s *fakeSource) Close() error { return nil }

type fakeWriter struct {
	store   *fakeStore
	failIds map[string]error

	archived []string
}

func newFakeWriter(store *fakeStore) *fakeWriter {
	return &fakeWriter{store: store, failIds: map[string]error{}}
}

func (w *fakeWriter) Archive(folder string, envelope *domain.Envelope, body io.Reader) (*domain.ArchiveResult, error) {
	if _, err := io.ReadAll(body); err != nil {
		return nil, err
	}

	id := mail.NormalizeId(envelope.MessageId)
	if err := w.failIds[id]; err != nil {
		return nil, err
	}

	exists, _ := w.store.MessageExists(id)
	if exists {
		return &domain.ArchiveResult{MessageId: id, Duplicate: true}, nil
	}

	err := w.store.SaveMessage(domain.MessageRecord{MessageId: id, FolderName: folder, ImportedAt: time.Now().UTC()})
	if err != nil {
		return nil, err
	}
	w.archived = append(w.archived, id)
	return &domain.ArchiveResult{Path: "/archive/" + id, MessageId: id}, nil
}

func newTestArchiver(t *testing.T, store *fakeStore, source *fakeSource, writer *fakeWriter, configs ...ConfigFunc) *Archiver {
	t.Helper()
	a, err := NewArchiver(store, source, writer, configs...)
	assert.NoError(t, err)
	return a
}

func TestRunArchivesNewMails(t *testing.T) {
	// Scenario A: cursor at 100, three new messages 101-103.
	store := newFakeStore()
	store.cursors["INBOX"] = &domain.SyncCursor{FolderName: "INBOX", LastUid: 100, UidValidity: 7}
	source := newFakeSource(7, 101, 102, 103)
	writer := newFakeWriter(store)

	a := newTestArchiver(t, store, source, writer)
	stats, err := a.Run(context.Background())
	assert.NoError(t, err)

	assert.Equal(t, &SessionStats{Folders: 1, Archived: 3}, stats)
	assert.Equal(t, uint32(103), store.cursors["INBOX"].LastUid)
	assert.Len(t, store.messages, 3)
	assert.Equal(t, []uint32{100}, source.searchedAfter)
}

func TestRunIsIdempotent(t *testing.T) {
	// Scenario B: an immediate re-run changes nothing.
	store := newFakeStore()
	store.cursors["INBOX"] = &domain.SyncCursor{FolderName: "INBOX", LastUid: 100, UidValidity: 7}
	source := newFakeSource(7, 101, 102, 103)
	writer := newFakeWriter(store)

	a := newTestArchiver(t, store, source, writer)
	_, err := a.Run(context.Background())
	assert.NoError(t, err)

	fetchesAfterFirstRun := len(source.bodyFetches)

	stats, err := a.Run(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, &SessionStats{Folders: 1}, stats)
	assert.Equal(t, uint32(103), store.cursors["INBOX"].LastUid)
	assert.Len(t, store.messages, 3)
	assert.Len(t, source.bodyFetches, fetchesAfterFirstRun)
}

func TestRunValidityResetRescansWithDedup(t *testing.T) {
	store := newFakeStore()
	store.cursors["INBOX"] = &domain.SyncCursor{FolderName: "INBOX", LastUid: 50, UidValidity: 7}
	// Everything was archived under the old numbering already.
	for _, uid := range []uint32{11, 12} {
		id := fmt.Sprintf("msg-%d@example.org", uid)
		store.messages[id] = domain.MessageRecord{MessageId: id, FolderName: "INBOX"}
	}

	source := newFakeSource(8, 11, 12)
	writer := newFakeWriter(store)

	a := newTestArchiver(t, store, source, writer)
	stats, err := a.Run(context.Background())
	assert.NoError(t, err)

	// Full rescan, but no body was fetched for known identifiers.
	assert.Equal(t, []uint32{0}, source.searchedAfter)
	assert.Empty(t, source.bodyFetches)
	assert.Equal(t, &SessionStats{Folders: 1, Skipped: 2}, stats)

	// Cursor resumes under the new epoch.
	assert.Equal(t, &domain.SyncCursor{FolderName: "INBOX", LastUid: 12, UidValidity: 8}, store.cursors["INBOX"])
}

func TestRunPerMessageFailureStopsCursorAtContiguousSuccess(t *testing.T) {
	store := newFakeStore()
	source := newFakeSource(7, 1, 2, 3)
	writer := newFakeWriter(store)
	writer.failIds["msg-2@example.org"] = fmt.Errorf("malformed content")

	a := newTestArchiver(t, store, source, writer)
	stats, err := a.Run(context.Background())
	assert.NoError(t, err)

	// The failure is absorbed, later messages still archive, but the
	// checkpoint stops before the failed UID so it is retried next run.
	assert.Equal(t, &SessionStats{Folders: 1, Archived: 2, Failed: 1}, stats)
	assert.Equal(t, uint32(1), store.cursors["INBOX"].LastUid)

	// Next run: the failure is gone, 2 is retried, 3 deduplicates.
	delete(writer.failIds, "msg-2@example.org")
	stats, err = a.Run(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, &SessionStats{Folders: 1, Archived: 1, Skipped: 1}, stats)
	assert.Equal(t, uint32(3), store.cursors["INBOX"].LastUid)
	assert.Len(t, store.messages, 3)
}

func TestRunConnectionFaultPropagates(t *testing.T) {
	store := newFakeStore()
	source := newFakeSource(7, 1, 2, 3)
	source.bodyErr[2] = &domain.ConnectionError{Op: "fetch body", Err: fmt.Errorf("reset")}
	writer := newFakeWriter(store)

	a := newTestArchiver(t, store, source, writer)
	_, err := a.Run(context.Background())
	assert.True(t, domain.IsConnection(err))

	// The interrupted batch did not advance the checkpoint; the next run
	// re-examines it and deduplication absorbs the overlap.
	_, stored := store.cursors["INBOX"]
	assert.False(t, stored)
	assert.Len(t, store.messages, 1)
}

func TestRunSkipsBodyFetchForKnownIds(t *testing.T) {
	store := newFakeStore()
	store.messages["msg-1@example.org"] = domain.MessageRecord{MessageId: "msg-1@example.org", FolderName: "INBOX"}
	source := newFakeSource(7, 1, 2)
	writer := newFakeWriter(store)

	a := newTestArchiver(t, store, source, writer)
	stats, err := a.Run(context.Background())
	assert.NoError(t, err)

	assert.Equal(t, []uint32{2}, source.bodyFetches)
	assert.Equal(t, &SessionStats{Folders: 1, Archived: 1, Skipped: 1}, stats)
}

func TestRunDateBoundsOnlyApplyToFullScan(t *testing.T) {
	since := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)

	store := newFakeStore()
	source := newFakeSource(7, 1)
	writer := newFakeWriter(store)

	a := newTestArchiver(t, store, source, writer, DateRange(since, time.Time{}))
	_, err := a.Run(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, []time.Time{since}, source.searchedSince)

	// With a cursor in place the date narrowing is dropped.
	source.uids = append(source.uids, 2)
	source.envelopes[2] = &domain.Envelope{Uid: 2, MessageId: "<msg-2@example.org>"}
	_, err = a.Run(context.Background())
	assert.NoError(t, err)
	assert.True(t, source.searchedSince[1].IsZero())
}

func TestRunEnumeratesFoldersWhenUnscoped(t *testing.T) {
	store := newFakeStore()
	source := newFakeSource(7)
	source.folders = []string{"INBOX", "Sent"}
	writer := newFakeWriter(store)

	a := newTestArchiver(t, store, source, writer)
	stats, err := a.Run(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, 2, stats.Folders)
}

func TestRunScopedFolders(t *testing.T) {
	store := newFakeStore()
	source := newFakeSource(7)
	source.folders = []string{"INBOX", "Sent", "Spam"}
	writer := newFakeWriter(store)

	a := newTestArchiver(t, store, source, writer, Folders([]string{"INBOX"}))
	stats, err := a.Run(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, 1, stats.Folders)
}

func TestRunHonorsCancellation(t *testing.T) {
	store := newFakeStore()
	source := newFakeSource(7, 1, 2, 3)
	writer := newFakeWriter(store)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	a := newTestArchiver(t, store, source, writer)
	_, err := a.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, source.bodyFetches)
}

func TestRunBatchesLargeFolders(t *testing.T) {
	store := newFakeStore()
	uids := []uint32{}
	for uid := uint32(1); uid <= 7; uid++ {
		uids = append(uids, uid)
	}
	source := newFakeSource(7, uids...)
	writer := newFakeWriter(store)

	a := newTestArchiver(t, store, source, writer, BatchSize(3))
	stats, err := a.Run(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, 7, stats.Archived)
	assert.Equal(t, uint32(7), store.cursors["INBOX"].LastUid)
}

func TestPartitionUids(t *testing.T) {
	batches := partitionUids([]uint32{1, 2, 3, 4, 5}, 2)
	assert.Equal(t, [][]uint32{{1, 2}, {3, 4}, {5}}, batches)

	batches = partitionUids([]uint32{1}, 50)
	assert.Equal(t, [][]uint32{{1}}, batches)
}
