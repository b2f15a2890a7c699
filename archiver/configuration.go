// SPDX-License-Identifier: GPL-3.0-or-later
package archiver

import (
	"fmt"
	"time"

	"github.com/kusl/MyImapDownloader-sub002/domain"
)

const DefaultBatchSize = 50

type ConfigFunc func(c *configuration) error

// BatchSize bounds how many messages are handled between two checkpoint
// advancements.
func BatchSize(size int) ConfigFunc {
	return func(c *configuration) error {
		if size <= 0 {
			return fmt.Errorf("BatchSize must be positive, got %d", size)
		}

		c.BatchSize = size
		return nil
	}
}

// Folders restricts the sync to an explicit folder list instead of
// enumerating every selectable folder on the server.
func Folders(folders []string) ConfigFunc {
	return func(c *configuration) error {
		for _, f := range folders {
			if len(f) == 0 {
				return fmt.Errorf("folder names cannot be empty")
			}
		}

		c.Folders = folders
		return nil
	}
}

// DateRange narrows full-folder scans to messages within the bounds.
// Either bound may be zero. It only applies when no usable cursor exists;
// incremental syncs are driven by UIDs alone.
func DateRange(since, before time.Time) ConfigFunc {
	return func(c *configuration) error {
		if !since.IsZero() && !before.IsZero() && before.Before(since) {
			return fmt.Errorf("Before must not precede Since")
		}

		c.Since = since
		c.Before = before
		return nil
	}
}

// Events wires the observability collaborator. The archiver behaves
// identically without it.
func Events(recorder domain.EventRecorder) ConfigFunc {
	return func(c *configuration) error {
		if recorder == nil {
			return fmt.Errorf("event recorder cannot be nil, omit the option instead")
		}

		c.Events = recorder
		return nil
	}
}

type configuration struct {
	BatchSize int
	Folders   []string

	Since  time.Time
	Before time.Time

	Events domain.EventRecorder
}
