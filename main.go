// SPDX-License-Identifier: GPL-3.0-or-later
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/kusl/MyImapDownloader-sub002/archiver"
	"github.com/kusl/MyImapDownloader-sub002/config"
	"github.com/kusl/MyImapDownloader-sub002/imapconnection"
	"github.com/kusl/MyImapDownloader-sub002/log"
	"github.com/kusl/MyImapDownloader-sub002/maildir"
	"github.com/kusl/MyImapDownloader-sub002/persistence"
	"github.com/kusl/MyImapDownloader-sub002/resilience"

	"github.com/sirupsen/logrus"
)

// logEvents forwards structured events to the main logger.
type logEvents struct {
	l *logrus.Logger
}

func (e *logEvents) Record(event string, fields map[string]interface{}) {
	e.l.WithFields(logrus.Fields(fields)).WithField("event", event).Debug("Event")
}

func main() {
	log.InitLogging("debug")
	logger := log.Logger(log.LOG_MAIN)

	conf, err := config.ReadConfig("config.toml")
	if err != nil {
		logger.WithField("error", err).Fatal("Could not load config")
	}

	if conf.Loglevel != nil {
		log.SetLogLevel(*conf.Loglevel)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	events := &logEvents{l: logger}

	err = os.MkdirAll(conf.ArchiveRoot, 0o755)
	if err != nil {
		logger.WithField("error", err).Fatal("Could not create archive directory")
	}

	database := conf.Database
	if !filepath.IsAbs(database) {
		database = filepath.Join(conf.ArchiveRoot, database)
	}

	p, rebuilt, err := persistence.OpenOrRecover(database, conf.ArchiveRoot, events)
	if err != nil {
		logger.WithField("error", err).Fatal("Could not open index database")
	}
	defer p.Close()
	if rebuilt {
		logger.Warn("Index database was rebuilt from the archive, all folders will rescan from the start")
	}

	writer, err := maildir.NewWriter(conf.ArchiveRoot, p, events)
	if err != nil {
		logger.WithField("error", err).Fatal("Could not start archive writer")
	}

	configs := []archiver.ConfigFunc{
		archiver.BatchSize(conf.BatchSize),
		archiver.Events(events),
	}
	if len(conf.Folders) > 0 {
		configs = append(configs, archiver.Folders(conf.Folders))
	}
	if !conf.Since.IsZero() || !conf.Before.IsZero() {
		configs = append(configs, archiver.DateRange(conf.Since, conf.Before))
	}

	logger.WithFields(logrus.Fields{"host": conf.ImapHost, "folders": conf.Folders, "archive": conf.ArchiveRoot}).Info("Archiving mails")

	session := resilience.NewSession(resilience.WithEvents(events))
	err = session.Run(ctx, func(ctx context.Context) error {
		imapConn, err := imapconnection.NewImapConnection(conf.ImapHost, conf.User, conf.Password)
		if err != nil {
			return err
		}
		defer imapConn.Close()

		arch, err := archiver.NewArchiver(p, imapConn, writer, configs...)
		if err != nil {
			return err
		}

		stats, err := arch.Run(ctx)
		if err != nil {
			return err
		}

		logger.WithFields(logrus.Fields{"folders": stats.Folders, "archived": stats.Archived, "skipped": stats.Skipped, "failed": stats.Failed}).Info("Archive up to date")
		return nil
	})
	if err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Info("Shutting down")
			return
		}
		logger.WithField("error", err).Fatal("Archiving failed")
	}
}
