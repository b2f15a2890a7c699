// SPDX-License-Identifier: GPL-3.0-or-later
package archiver

import (
	"fmt"

	"github.com/kusl/MyImapDownloader-sub002/domain"
)

// CursorManager owns the checkpoint read/update semantics on top of the
// index store. The conditional write lives in the store itself, so the
// manager can never regress a cursor no matter how calls interleave.
type CursorManager struct {
	persistence domain.Persistence
}

func NewCursorManager(persistence domain.Persistence) *CursorManager {
	return &CursorManager{persistence: persistence}
}

// Current returns the stored checkpoint for folder under the given
// validity epoch. When the stored epoch differs the checkpoint is stale:
// zero is returned and reset is true so the caller can log the rescan.
// Other folders' cursors are never touched.
func (cm *CursorManager) Current(folder string, uidValidity uint32) (uint32, bool, error) {
	cursor, err := cm.persistence.GetCursor(folder)
	if err != nil {
		return 0, false, fmt.Errorf("could not read cursor for %s: %w", folder, err)
	}

	if cursor == nil {
		return 0, false, nil
	}
	if cursor.UidValidity != uidValidity {
		return 0, true, nil
	}

	return cursor.LastUid, false, nil
}

// Advance moves the checkpoint for folder to uid under uidValidity. The
// store only writes when uid is strictly greater than the stored value or
// the epoch differs.
func (cm *CursorManager) Advance(folder string, uid uint32, uidValidity uint32) error {
	err := cm.persistence.AdvanceCursor(folder, uid, uidValidity)
	if err != nil {
		return fmt.Errorf("could not advance cursor for %s: %w", folder, err)
	}

	return nil
}
