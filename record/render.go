package record

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/creachadair/atomicfile"
	"go.yaml.in/yaml/v4"

	"github.com/dhcgn/mail-ingest/model"
)

const (
	frontMatterDelim = "---"
	newContentHeader = "# New Content"
	detailsOpen      = "<details>"
	detailsSummary   = "<summary>Previous messages in thread</summary>"
	detailsClose     = "</details>"
	noSubject        = "(No subject)"
)

// ErrMalformed is returned by Parse for files that are not records.
var ErrMalformed = errors.New("malformed record")

// WriteError reports a record file that could not be written.
type WriteError struct {
	Path string
	Err  error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("write record %s: %v", e.Path, e.Err)
}

func (e *WriteError) Unwrap() error {
	return e.Err
}

// frontMatter fixes the key order of the metadata block.
type frontMatter struct {
	MessageID   string                   `yaml:"message_id"`
	PermanentID string                   `yaml:"permanent_id,omitempty"`
	Received    string                   `yaml:"received"`
	FromAddress string                   `yaml:"from_address"`
	ToAddresses []string                 `yaml:"to_addresses"`
	CcAddresses []string                 `yaml:"cc_addresses"`
	Subject     string                   `yaml:"subject"`
	State       string                   `yaml:"state"`
	ThreadID    string                   `yaml:"thread_id,omitempty"`
	InReplyTo   string                   `yaml:"in_reply_to,omitempty"`
	Attachments []model.AttachmentRecord `yaml:"attachments,omitempty"`
}

// Render serialises rec as markdown with a YAML front matter block.
func Render(rec *model.Record) ([]byte, error) {
	subject := rec.Subject
	if strings.TrimSpace(subject) == "" {
		subject = noSubject
	}
	state := rec.State
	if state == "" {
		state = model.StateReceived
	}

	meta, err := yaml.Marshal(frontMatter{
		MessageID:   rec.NativeID,
		PermanentID: rec.PermanentID,
		Received:    rec.ReceivedAt.Format(time.RFC3339),
		FromAddress: rec.From,
		ToAddresses: nonNil(rec.To),
		CcAddresses: nonNil(rec.Cc),
		Subject:     subject,
		State:       state,
		ThreadID:    rec.ThreadID,
		InReplyTo:   rec.InReplyTo,
		Attachments: rec.Attachments,
	})
	if err != nil {
		return nil, fmt.Errorf("encode front matter: %w", err)
	}

	var buf bytes.Buffer
	buf.WriteString(frontMatterDelim + "\n")
	buf.Write(meta)
	buf.WriteString(frontMatterDelim + "\n\n")
	buf.WriteString(newContentHeader + "\n\n")
	if rec.NewContent != "" {
		buf.WriteString(rec.NewContent + "\n")
	}
	if rec.QuotedContent != "" {
		buf.WriteString("\n" + detailsOpen + "\n" + detailsSummary + "\n\n")
		buf.WriteString(rec.QuotedContent + "\n")
		buf.WriteString("\n" + detailsClose + "\n")
	}
	return buf.Bytes(), nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// Write renders rec and replaces rec.Path atomically. A file left behind by
// an interrupted run for the same message is overwritten.
func Write(rec *model.Record) error {
	if rec.Path == "" {
		return &WriteError{Path: rec.Stem, Err: fmt.Errorf("record has no path")}
	}
	data, err := Render(rec)
	if err != nil {
		return &WriteError{Path: rec.Path, Err: err}
	}
	if err := atomicfile.WriteData(rec.Path, data, 0o644); err != nil {
		return &WriteError{Path: rec.Path, Err: err}
	}
	return nil
}

// Parse reads a rendered record back.
func Parse(data []byte) (*model.Record, error) {
	text := strings.ReplaceAll(string(data), "\r\n", "\n")
	if !strings.HasPrefix(text, frontMatterDelim+"\n") {
		return nil, fmt.Errorf("%w: missing front matter", ErrMalformed)
	}
	rest := text[len(frontMatterDelim)+1:]
	end := strings.Index(rest, "\n"+frontMatterDelim+"\n")
	if end < 0 {
		return nil, fmt.Errorf("%w: unterminated front matter", ErrMalformed)
	}

	var meta frontMatter
	if err := yaml.Unmarshal([]byte(rest[:end+1]), &meta); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	rec := &model.Record{
		NativeID:    meta.MessageID,
		PermanentID: meta.PermanentID,
		From:        meta.FromAddress,
		To:          meta.ToAddresses,
		Cc:          meta.CcAddresses,
		Subject:     meta.Subject,
		State:       meta.State,
		ThreadID:    meta.ThreadID,
		InReplyTo:   meta.InReplyTo,
		Attachments: meta.Attachments,
	}
	if meta.Received != "" {
		received, err := time.Parse(time.RFC3339, meta.Received)
		if err != nil {
			return nil, fmt.Errorf("%w: received: %v", ErrMalformed, err)
		}
		rec.ReceivedAt = received
	}

	body := rest[end+len(frontMatterDelim)+2:]
	body = strings.TrimPrefix(strings.TrimLeft(body, "\n"), newContentHeader)
	if idx := strings.Index(body, "\n"+detailsOpen+"\n"+detailsSummary); idx >= 0 {
		quoted := body[idx+len(detailsOpen)+len(detailsSummary)+2:]
		if c := strings.LastIndex(quoted, detailsClose); c >= 0 {
			quoted = quoted[:c]
		}
		rec.QuotedContent = strings.TrimSpace(quoted)
		body = body[:idx]
	}
	rec.NewContent = strings.TrimSpace(body)
	return rec, nil
}
