// SPDX-License-Identifier: GPL-3.0-or-later
package persistence

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/kusl/MyImapDownloader-sub002/domain"
	"github.com/kusl/MyImapDownloader-sub002/log"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	migrate "github.com/rubenv/sql-migrate"
	"github.com/sirupsen/logrus"
)

// Persistence is the sqlite-backed index store: one table of dedup records
// and one table of per-folder sync cursors. It is a derived, disposable
// cache of the sidecars on disk; see OpenOrRecover for the rebuild path.
type Persistence struct {
	db *sqlx.DB
	l  *logrus.Logger
}

var migrationSource = &migrate.MemoryMigrationSource{
	Migrations: []*migrate.Migration{
		{
			Id: "1-messages-and-folders",
			Up: []string{
				`CREATE TABLE messages (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					messageid TEXT NOT NULL UNIQUE,
					foldername TEXT NOT NULL,
					importedat TIMESTAMP NOT NULL
				)`,
				`CREATE TABLE folders (
					name TEXT PRIMARY KEY,
					lastuid INTEGER NOT NULL DEFAULT 0,
					uidvalidity INTEGER NOT NULL DEFAULT 0
				)`,
			},
			Down: []string{
				`DROP TABLE folders`,
				`DROP TABLE messages`,
			},
		},
	},
}

func NewPersistence(datasource string) (*Persistence, error) {
	db, err := sqlx.Connect("sqlite3", datasource)
	if err != nil {
		return nil, fmt.Errorf("could not open db: %w", err)
	}

	// Single writer by design, all mutation originates from the sync loop.
	db.SetMaxOpenConns(1)

	l := log.Logger(log.LOG_PERSISTENCE)

	_, err = db.Exec(`PRAGMA journal_mode=WAL`)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("could not set journal mode: %w", err)
	}
	_, err = db.Exec(`PRAGMA synchronous=normal`)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("could not set synchronous mode: %w", err)
	}

	appliedMigrations, err := migrate.Exec(db.DB, "sqlite3", migrationSource, migrate.Up)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("could not migrate to newest version: %w", err)
	}

	l.WithFields(logrus.Fields{"file": datasource, "migrations": appliedMigrations}).Debug("Connected")

	return &Persistence{
		db: db,
		l:  l,
	}, nil
}

func (p *Persistence) Close() error {
	err := p.db.Close()
	if err != nil {
		return fmt.Errorf("could not close db: %w", err)
	}
	p.l.Debug("Disconnected")
	return nil
}

// GetCursor returns the stored cursor for folder, or nil when the folder
// has never been synced.
func (p *Persistence) GetCursor(folder string) (*domain.SyncCursor, error) {
	dbCursor := struct {
		Name        string
		LastUid     uint32
		UidValidity uint32
	}{}

	err := p.db.Get(
		&dbCursor,
		`SELECT name, lastuid, uidvalidity FROM folders WHERE name = ?`,
		folder,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("could not query db: %w", err)
	}

	return &domain.SyncCursor{
		FolderName:  dbCursor.Name,
		LastUid:     dbCursor.LastUid,
		UidValidity: dbCursor.UidValidity,
	}, nil
}

// AdvanceCursor conditionally updates the cursor for folder: the write only
// happens when the validity epoch differs or uid is strictly greater than
// the stored value, so an out-of-order completion can never regress it.
func (p *Persistence) AdvanceCursor(folder string, uid uint32, uidValidity uint32) error {
	_, err := p.db.Exec(
		`INSERT INTO folders (name, lastuid, uidvalidity) VALUES (?, ?, ?)
		 ON CONFLICT(name) DO UPDATE SET
			lastuid = excluded.lastuid,
			uidvalidity = excluded.uidvalidity
		 WHERE folders.uidvalidity <> excluded.uidvalidity
			OR excluded.lastuid > folders.lastuid`,
		folder,
		uid,
		uidValidity,
	)
	if err != nil {
		return fmt.Errorf("could not advance cursor: %w", err)
	}

	p.l.WithFields(logrus.Fields{"Name": folder, "LastUid": uid, "UidValidity": uidValidity}).Debug("Persisted cursor")
	return nil
}

func (p *Persistence) AllCursors() ([]*domain.SyncCursor, error) {
	dbCursors := []struct {
		Name        string
		LastUid     uint32
		UidValidity uint32
	}{}

	err := p.db.Select(
		&dbCursors,
		`SELECT name, lastuid, uidvalidity FROM folders`,
	)
	if err != nil {
		return nil, fmt.Errorf("could not query db: %w", err)
	}

	cursors := []*domain.SyncCursor{}
	for _, c := range dbCursors {
		cursors = append(
			cursors,
			&domain.SyncCursor{
				FolderName:  c.Name,
				LastUid:     c.LastUid,
				UidValidity: c.UidValidity,
			},
		)
	}

	return cursors, nil
}

func (p *Persistence) MessageExists(messageId string) (bool, error) {
	if len(messageId) == 0 {
		return false, nil
	}

	var one int
	err := p.db.Get(
		&one,
		`SELECT 1 FROM messages WHERE messageid = ?`,
		messageId,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("could not query db: %w", err)
	}

	return true, nil
}

// SaveMessage inserts a dedup record. Insertion is idempotent, a record
// that already exists is left untouched.
func (p *Persistence) SaveMessage(record domain.MessageRecord) error {
	if len(record.MessageId) == 0 {
		return fmt.Errorf("message record needs a non-empty identifier")
	}

	_, err := p.db.Exec(
		`INSERT OR IGNORE INTO messages (messageid, foldername, importedat) VALUES (?, ?, ?)`,
		record.MessageId,
		record.FolderName,
		record.ImportedAt,
	)
	if err != nil {
		return fmt.Errorf("could not save message: %w", err)
	}

	return nil
}

func (p *Persistence) MessageCount() (int64, error) {
	var count int64
	err := p.db.Get(&count, `SELECT COUNT(*) FROM messages`)
	if err != nil {
		return 0, fmt.Errorf("could not query db: %w", err)
	}

	return count, nil
}
