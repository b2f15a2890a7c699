// SPDX-License-Identifier: GPL-3.0-or-later
package imapconnection

import (
	"fmt"
	"io"
	"net"
	"sort"
	"strings"
	"time"

	"github.com/kusl/MyImapDownloader-sub002/domain"
	"github.com/kusl/MyImapDownloader-sub002/log"

	"github.com/emersion/go-imap"
	compress "github.com/emersion/go-imap-compress"
	"github.com/emersion/go-imap/client"
	"github.com/sirupsen/logrus"
)

const (
	dialTimeout    = 30 * time.Second
	commandTimeout = 2 * time.Minute
)

// ImapConnection is a strictly read-only view of one IMAP account: it
// lists, examines, searches and fetches, and never issues a mutating
// command. Folders are opened with EXAMINE and bodies fetched with peeked
// sections so even the \Seen flag stays untouched.
type ImapConnection struct {
	connection *client.Client

	server, user string

	selectedFolder string

	l *logrus.Logger
}

func NewImapConnection(server string, user string, password string) (*ImapConnection, error) {
	dialer := &net.Dialer{Timeout: dialTimeout}
	imapClient, err := client.DialWithDialerTLS(dialer, server, nil)
	if err != nil {
		return nil, &domain.ConnectionError{Op: "dial", Err: err}
	}
	imapClient.Timeout = commandTimeout

	err = imapClient.Login(user, password)
	if err != nil {
		_ = imapClient.Logout()
		return nil, &domain.AuthError{Server: server, Err: err}
	}

	conn := &ImapConnection{
		connection: imapClient,
		server:     server,
		user:       user,
		l:          log.Logger(log.LOG_IMAP),
	}

	baseLogger := conn.l.WithFields(logrus.Fields{"server": server})
	baseLogger.Debug("Logged in to server")

	compressClient := compress.NewClient(imapClient)
	if ok, err := compressClient.SupportCompress(compress.Deflate); err == nil && ok {
		if err := compressClient.Compress(compress.Deflate); err != nil {
			baseLogger.WithField("error", err).Debug("Could not enable compression")
		} else {
			baseLogger.Debug("Enabled COMPRESS=DEFLATE")
		}
	}

	return conn, nil
}

// ListFolders returns the names of all selectable folders on the server.
func (ic *ImapConnection) ListFolders() ([]string, error) {
	mailboxes := make(chan *imap.MailboxInfo, 10)
	done := make(chan error, 1)
	go func() {
		done <- ic.connection.List("", "*", mailboxes)
	}()

	folders := []string{}
	for m := range mailboxes {
		if hasAttr(m.Attributes, imap.NoSelectAttr) {
			continue
		}
		folders = append(folders, m.Name)
	}

	err := <-done
	if err != nil {
		return nil, &domain.ConnectionError{Op: "list folders", Err: err}
	}

	sort.Strings(folders)
	return folders, nil
}

// ExamineFolder opens folder read-only and reports its UIDVALIDITY.
func (ic *ImapConnection) ExamineFolder(folder string) (*domain.FolderStatus, error) {
	m, err := ic.connection.Select(folder, true)
	if err != nil {
		return nil, &domain.ConnectionError{Op: fmt.Sprintf("examine %s", folder), Err: err}
	}

	ic.selectedFolder = folder
	return &domain.FolderStatus{
		Name:        folder,
		UidValidity: m.UidValidity,
		Messages:    m.Messages,
	}, nil
}

// SearchUids returns the UIDs above afterUid in the selected folder,
// ascending. A zero afterUid searches the full folder, optionally narrowed
// by the since/before internal-date bounds.
func (ic *ImapConnection) SearchUids(afterUid uint32, since, before time.Time) ([]uint32, error) {
	criteria := imap.NewSearchCriteria()
	if afterUid > 0 {
		seqset := &imap.SeqSet{}
		seqset.AddRange(afterUid+1, 0)
		criteria.Uid = seqset
	}
	if !since.IsZero() {
		criteria.Since = since
	}
	if !before.IsZero() {
		criteria.Before = before
	}

	uids, err := ic.connection.UidSearch(criteria)
	if err != nil {
		return nil, &domain.ConnectionError{Op: fmt.Sprintf("search %s", ic.selectedFolder), Err: err}
	}

	sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })
	return uids, nil
}

// FetchEnvelopes fetches identifier and date metadata for uids without
// touching any message body.
func (ic *ImapConnection) FetchEnvelopes(uids []uint32) ([]*domain.Envelope, error) {
	seqset := &imap.SeqSet{}
	seqset.AddNum(uids...)

	fetchItems := []imap.FetchItem{imap.FetchUid, imap.FetchInternalDate, imap.FetchEnvelope}

	messages := make(chan *imap.Message, 10)
	done := make(chan error, 1)
	go func() {
		done <- ic.connection.UidFetch(seqset, fetchItems, messages)
	}()

	envelopes := []*domain.Envelope{}
	for msg := range messages {
		envelope := &domain.Envelope{
			Uid:  msg.Uid,
			Date: msg.InternalDate,
		}
		if msg.Envelope != nil {
			envelope.MessageId = msg.Envelope.MessageId
			envelope.Subject = msg.Envelope.Subject
			envelope.Sender = formatAddresses(msg.Envelope.From)
			envelope.Recipients = recipientList(msg.Envelope.To, msg.Envelope.Cc)
			if envelope.Date.IsZero() {
				envelope.Date = msg.Envelope.Date
			}
		}
		envelopes = append(envelopes, envelope)
	}

	err := <-done
	if err != nil {
		return nil, &domain.ConnectionError{Op: fmt.Sprintf("fetch envelopes in %s", ic.selectedFolder), Err: err}
	}

	sort.Slice(envelopes, func(i, j int) bool { return envelopes[i].Uid < envelopes[j].Uid })
	return envelopes, nil
}

// FetchBody streams the raw message for uid to consume without buffering
// it. The section is peeked, the fetch does not set \Seen.
func (ic *ImapConnection) FetchBody(uid uint32, consume func(r io.Reader) error) error {
	seqset := &imap.SeqSet{}
	seqset.AddNum(uid)

	section := &imap.BodySectionName{Peek: true}
	fetchItems := []imap.FetchItem{imap.FetchUid, section.FetchItem()}

	messages := make(chan *imap.Message, 1)
	done := make(chan error, 1)
	go func() {
		done <- ic.connection.UidFetch(seqset, fetchItems, messages)
	}()

	var consumeErr error
	seen := false
	for msg := range messages {
		if seen {
			continue
		}
		seen = true

		r := msg.GetBody(section)
		if r == nil {
			consumeErr = fmt.Errorf("server returned no body for uid %d", uid)
			continue
		}
		consumeErr = consume(r)
	}

	err := <-done
	if err != nil {
		return &domain.ConnectionError{Op: fmt.Sprintf("fetch body %d in %s", uid, ic.selectedFolder), Err: err}
	}
	if !seen {
		return fmt.Errorf("server returned no message for uid %d", uid)
	}

	return consumeErr
}

func (ic *ImapConnection) Close() error {
	return ic.connection.Logout()
}

func hasAttr(attributes []string, attr string) bool {
	for _, a := range attributes {
		if strings.EqualFold(a, attr) {
			return true
		}
	}
	return false
}

func formatAddresses(addresses []*imap.Address) string {
	formatted := []string{}
	for _, a := range addresses {
		if a == nil {
			continue
		}
		formatted = append(formatted, a.Address())
	}
	return strings.Join(formatted, ", ")
}

func recipientList(to, cc []*imap.Address) []string {
	recipients := []string{}
	for _, a := range append(append([]*imap.Address{}, to...), cc...) {
		if a == nil {
			continue
		}
		recipients = append(recipients, a.Address())
	}
	return recipients
}
