// SPDX-License-Identifier: GPL-3.0-or-later
package mail

import (
	"crypto/sha256"
	"fmt"
	"io"
	"mime"
	stdmail "net/mail"
	"strings"
	"time"

	"github.com/emersion/go-message/charset"
)

// Summary holds the header-derived metadata of a message: the canonical
// identifier used for deduplication plus the display fields stored in the
// metadata sidecar.
type Summary struct {
	MessageId     string
	Subject       string
	Sender        string
	Recipients    []string
	Date          time.Time
	HasAttachment bool
}

// HeaderSummary parses only the header section of a raw message. The
// returned MessageId is the normalized Message-Id header when present,
// otherwise a hash over the Message-Id and Received headers so servers
// that omit Message-Id still yield a stable identifier.
func HeaderSummary(r io.Reader) (*Summary, error) {
	msg, err := stdmail.ReadMessage(r)
	if err != nil {
		return nil, fmt.Errorf("could not parse mail: %w", err)
	}

	messageIdHeader := msg.Header["Message-Id"]
	receivedHeader := msg.Header["Received"]
	if len(receivedHeader) == 0 && len(messageIdHeader) == 0 {
		return nil, fmt.Errorf("Received and Message-Id header not found")
	}

	dec := &mime.WordDecoder{
		CharsetReader: charset.Reader,
	}

	subject, err := dec.DecodeHeader(msg.Header.Get("Subject"))
	if err != nil {
		return nil, fmt.Errorf("could not decode subject header: %w", err)
	}

	sender, err := dec.DecodeHeader(msg.Header.Get("From"))
	if err != nil {
		return nil, fmt.Errorf("could not decode from header: %w", err)
	}

	recipients := []string{}
	for _, h := range []string{"To", "Cc"} {
		decoded, err := dec.DecodeHeader(msg.Header.Get(h))
		if err != nil {
			return nil, fmt.Errorf("could not decode %s header: %w", strings.ToLower(h), err)
		}
		for _, addr := range strings.Split(decoded, ",") {
			addr = strings.TrimSpace(addr)
			if len(addr) > 0 {
				recipients = append(recipients, addr)
			}
		}
	}

	id := NormalizeId(msg.Header.Get("Message-Id"))
	if len(id) == 0 {
		hashed, err := hash([][]string{messageIdHeader, receivedHeader})
		if err != nil {
			return nil, fmt.Errorf("could not hash headers: %w", err)
		}
		id = hashed
	}

	// Date parse failures are tolerated, the caller falls back to the
	// server-reported internal date.
	date, _ := msg.Header.Date()

	contentType := msg.Header.Get("Content-Type")
	mediaType, _, err := mime.ParseMediaType(contentType)
	hasAttachment := err == nil && mediaType == "multipart/mixed"

	return &Summary{
		MessageId:     id,
		Subject:       subject,
		Sender:        sender,
		Recipients:    recipients,
		Date:          date,
		HasAttachment: hasAttachment,
	}, nil
}

const (
	maxIdLength  = 120
	idHashedTail = 16
)

// NormalizeId turns an untrusted message identifier into a key that is
// safe to use both as a dedup key and as a filename component. It trims
// angle brackets and whitespace, case-folds, replaces every character
// that could act as a path separator or is otherwise reserved on common
// filesystems, and bounds the length by hashing the tail.
func NormalizeId(id string) string {
	id = strings.TrimSpace(id)
	id = strings.Trim(id, "<>")
	id = strings.TrimSpace(id)
	id = strings.ToLower(id)

	var b strings.Builder
	b.Grow(len(id))
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '.', r == '-', r == '_', r == '@', r == '=', r == '+':
			b.WriteRune(r)
		default:
			// Covers /, \, :, *, ?, ", <, >, |, NUL and anything
			// else that could escape the destination directory.
			b.WriteByte('_')
		}
	}
	id = b.String()

	if len(id) > maxIdLength {
		sum := sha256.Sum256([]byte(id))
		id = fmt.Sprintf("%s-%x", id[:maxIdLength-idHashedTail*2-1], sum[:idHashedTail])
	}

	return id
}

func ShortSubject(subject string) string {
	if len(subject) > 30 {
		subject = subject[:30] + "..."
	}
	return subject
}

func hash(input [][]string) (string, error) {
	sha := sha256.New()
	for _, i := range input {
		for _, ii := range i {
			_, err := sha.Write([]byte(ii))
			if err != nil {
				return "", fmt.Errorf("could not hash: %w", err)
			}
		}
	}

	return fmt.Sprintf("%x", sha.Sum(nil)), nil
}
