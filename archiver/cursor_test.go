// SPDX-License-Identifier: GPL-3.0-or-later
package archiver

import (
	"testing"

	"github.com/kusl/MyImapDownloader-sub002/domain"

	"github.com/stretchr/testify/assert"
)

func TestCurrentWithoutCursorStartsAtZero(t *testing.T) {
	cm := NewCursorManager(newFakeStore())

	uid, reset, err := cm.Current("INBOX", 7)
	assert.NoError(t, err)
	assert.False(t, reset)
	assert.Equal(t, uint32(0), uid)
}

func TestCurrentReturnsStoredCheckpoint(t *testing.T) {
	store := newFakeStore()
	store.cursors["INBOX"] = &domain.SyncCursor{FolderName: "INBOX", LastUid: 42, UidValidity: 7}
	cm := NewCursorManager(store)

	uid, reset, err := cm.Current("INBOX", 7)
	assert.NoError(t, err)
	assert.False(t, reset)
	assert.Equal(t, uint32(42), uid)
}

func TestCurrentDetectsValidityChange(t *testing.T) {
	store := newFakeStore()
	store.cursors["INBOX"] = &domain.SyncCursor{FolderName: "INBOX", LastUid: 42, UidValidity: 7}
	cm := NewCursorManager(store)

	uid, reset, err := cm.Current("INBOX", 8)
	assert.NoError(t, err)
	assert.True(t, reset)
	assert.Equal(t, uint32(0), uid)

	// Detection alone does not rewrite the stored cursor.
	assert.Equal(t, uint32(42), store.cursors["INBOX"].LastUid)
}

func TestCurrentIsolatesFolders(t *testing.T) {
	store := newFakeStore()
	store.cursors["INBOX"] = &domain.SyncCursor{FolderName: "INBOX", LastUid: 42, UidValidity: 7}
	cm := NewCursorManager(store)

	uid, reset, err := cm.Current("Sent", 3)
	assert.NoError(t, err)
	assert.False(t, reset)
	assert.Equal(t, uint32(0), uid)
}

func TestAdvanceMovesForwardOnly(t *testing.T) {
	store := newFakeStore()
	cm := NewCursorManager(store)

	assert.NoError(t, cm.Advance("INBOX", 10, 7))
	assert.NoError(t, cm.Advance("INBOX", 5, 7))
	assert.Equal(t, uint32(10), store.cursors["INBOX"].LastUid)

	assert.NoError(t, cm.Advance("INBOX", 11, 7))
	assert.Equal(t, uint32(11), store.cursors["INBOX"].LastUid)
}

func TestAdvanceAcceptsNewEpoch(t *testing.T) {
	store := newFakeStore()
	cm := NewCursorManager(store)

	assert.NoError(t, cm.Advance("INBOX", 100, 7))
	assert.NoError(t, cm.Advance("INBOX", 3, 8))

	assert.Equal(t, &domain.SyncCursor{FolderName: "INBOX", LastUid: 3, UidValidity: 8}, store.cursors["INBOX"])
}
