// SPDX-License-Identifier: GPL-3.0-or-later
package maildir

import (
	"errors"
	"io/fs"
	"path/filepath"
	"strings"

	"github.com/kusl/MyImapDownloader-sub002/log"

	"github.com/sirupsen/logrus"
)

// WalkSidecars visits every parseable sidecar below root, one at a time,
// without materializing the archive in memory. Malformed sidecars are
// skipped with a warning; a visit error aborts the walk.
func WalkSidecars(root string, visit func(s *Sidecar, path string) error) error {
	l := log.Logger(log.LOG_MAILDIR)

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(path, SidecarSuffix) {
			return nil
		}

		s, err := ReadSidecar(path)
		if err != nil {
			l.WithFields(logrus.Fields{"path": path, "error": err}).Warn("Skipping malformed sidecar")
			return nil
		}

		return visit(s, path)
	})

	// A missing archive root simply means nothing has been archived yet.
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}
