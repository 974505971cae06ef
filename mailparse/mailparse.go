// Package mailparse decodes RFC 5322 messages into source candidates.
package mailparse

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	netmail "net/mail"
	"strings"
	"time"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"

	"github.com/dhcgn/mail-ingest/model"
)

// Parse decodes raw into a message. NativeID is left empty for the caller.
// ReceivedAt is the date of the newest Received header, else the Date header.
func Parse(raw []byte) (*model.Message, error) {
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) {
		return nil, fmt.Errorf("parse message: %w", err)
	}
	defer mr.Close()

	h := mr.Header
	msg := &model.Message{
		PermanentID: messageID(h, "Message-Id"),
		InReplyTo:   messageID(h, "In-Reply-To"),
		From:        firstAddress(h, "From"),
		To:          addresses(h, "To"),
		Cc:          addresses(h, "Cc"),
		ReceivedAt:  ReceivedAt(h.Header),
	}
	msg.ThreadID = threadID(h, msg.InReplyTo)
	if subject, err := h.Subject(); err == nil {
		msg.Subject = strings.TrimSpace(subject)
	} else {
		msg.Subject = strings.TrimSpace(h.Get("Subject"))
	}

	var (
		plain, htmlBody string
		attachmentErrs  []error
	)
	addAttachment := func(r io.Reader, name string) {
		att, err := readAttachment(r, name)
		if err != nil {
			msg.AttachmentErrors++
			attachmentErrs = append(attachmentErrs, fmt.Errorf("attachment %q: %w", name, err))
			return
		}
		msg.Attachments = append(msg.Attachments, att)
	}
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if message.IsUnknownCharset(err) || message.IsUnknownEncoding(err) {
				continue
			}
			return msg, fmt.Errorf("read part: %w", err)
		}

		switch ph := part.Header.(type) {
		case *mail.InlineHeader:
			mediaType, _, _ := ph.ContentType()
			mediaType = strings.ToLower(mediaType)
			if mediaType == "" {
				mediaType = "text/plain"
			}
			if !strings.HasPrefix(mediaType, "text/") {
				// Inline images and the like are kept as attachments.
				addAttachment(part.Body, inlineName(ph))
				continue
			}
			body, err := io.ReadAll(part.Body)
			if err != nil {
				continue
			}
			switch {
			case mediaType == "text/html":
				if htmlBody == "" {
					htmlBody = string(body)
				}
			default:
				if plain == "" {
					plain = string(body)
				}
			}
		case *mail.AttachmentHeader:
			name, _ := ph.Filename()
			addAttachment(part.Body, name)
		}
	}

	switch {
	case strings.TrimSpace(plain) != "":
		msg.Body = plain
	case htmlBody != "":
		msg.Body = HTMLToText(htmlBody)
	}
	return msg, errors.Join(attachmentErrs...)
}

func readAttachment(r io.Reader, name string) (model.Attachment, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return model.Attachment{}, err
	}
	return model.Attachment{
		Filename: name,
		SizeHint: int64(len(data)),
		Open: func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(data)), nil
		},
	}, nil
}

func inlineName(h *mail.InlineHeader) string {
	if _, params, err := h.ContentDisposition(); err == nil && params["filename"] != "" {
		return params["filename"]
	}
	if _, params, err := h.ContentType(); err == nil {
		return params["name"]
	}
	return ""
}

func messageID(h mail.Header, key string) string {
	ids, err := h.MsgIDList(key)
	if err == nil && len(ids) > 0 {
		return ids[0]
	}
	return strings.Trim(strings.TrimSpace(h.Get(key)), "<>")
}

func threadID(h mail.Header, inReplyTo string) string {
	if refs, err := h.MsgIDList("References"); err == nil && len(refs) > 0 {
		return refs[0]
	}
	return inReplyTo
}

func firstAddress(h mail.Header, key string) string {
	if list := addresses(h, key); len(list) > 0 {
		return list[0]
	}
	return ""
}

func addresses(h mail.Header, key string) []string {
	list, err := h.AddressList(key)
	if err != nil || len(list) == 0 {
		raw := strings.TrimSpace(h.Get(key))
		if raw == "" {
			return nil
		}
		var out []string
		for _, s := range strings.Split(raw, ",") {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
		return out
	}
	out := make([]string, 0, len(list))
	for _, a := range list {
		out = append(out, a.Address)
	}
	return out
}

// ReceivedAt returns when the message arrived according to its headers: the
// date stamped by the topmost Received header, falling back to Date. The
// zero time is returned when neither parses.
func ReceivedAt(h message.Header) time.Time {
	if received := h.Get("Received"); received != "" {
		if idx := strings.LastIndex(received, ";"); idx >= 0 {
			if t, err := netmail.ParseDate(strings.TrimSpace(received[idx+1:])); err == nil {
				return t
			}
		}
	}
	if date := h.Get("Date"); date != "" {
		if t, err := netmail.ParseDate(date); err == nil {
			return t
		}
	}
	return time.Time{}
}
