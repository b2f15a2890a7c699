// SPDX-License-Identifier: GPL-3.0-or-later
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

type Config struct {
	ImapHost string
	User     string
	Password string

	ArchiveRoot string
	Database    string

	// Folders restricts the sync to an explicit list; empty means every
	// selectable folder on the server.
	Folders []string

	Since  time.Time
	Before time.Time

	BatchSize int

	Loglevel *string
}

func ReadConfig(filename string) (*Config, error) {
	config := &Config{
		Database:  "archive.db",
		BatchSize: 50,
	}

	_, err := toml.DecodeFile(filename, config)
	if err != nil {
		return nil, fmt.Errorf("could not read config file: %w", err)
	}

	err = config.validate()
	if err != nil {
		return nil, err
	}

	return config, nil
}

func (c *Config) validate() error {
	if err := validateNonEmptyStringField(c.ImapHost, "ImapHost must not be empty, set to host:port of the imap server"); err != nil {
		return err
	}

	if err := validateNonEmptyStringField(c.User, "User must not be empty, set to username on the imap server"); err != nil {
		return err
	}

	if err := validateNonEmptyStringField(c.Password, "Password must not be empty, set to password of User on the imap server"); err != nil {
		return err
	}

	if err := validateNonEmptyStringField(c.ArchiveRoot, "ArchiveRoot must not be empty, set to the directory that will hold the archive"); err != nil {
		return err
	}

	if err := validateNonEmptyStringField(c.Database, "Database name must not be empty, set to a filename for the sqlite index"); err != nil {
		return err
	}

	if c.BatchSize <= 0 {
		return fmt.Errorf("BatchSize must be positive, got %d", c.BatchSize)
	}

	if !c.Since.IsZero() && !c.Before.IsZero() && c.Before.Before(c.Since) {
		return fmt.Errorf("Before (%s) must not precede Since (%s)", c.Before.Format("2006-01-02"), c.Since.Format("2006-01-02"))
	}

	return nil
}

func validateNonEmptyStringField(field string, err string) error {
	if len(strings.TrimSpace(field)) == 0 {
		return errors.New(err)
	}

	return nil
}
