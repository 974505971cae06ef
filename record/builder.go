package record

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/dhcgn/mail-ingest/model"
	"github.com/dhcgn/mail-ingest/thread"
)

const (
	// Extension of record files.
	Extension = ".md"
	// AttachmentsSuffix is appended to the stem for the attachments directory.
	AttachmentsSuffix = "_attachments"
	// StemTimeLayout is sortable and has second resolution.
	StemTimeLayout = "2006-01-02-150405"
	// idTailLength is how many trailing characters of the native ID go into
	// the stem. Source IDs tend to share long prefixes within one mailbox.
	idTailLength = 16
)

// ErrNoNativeID is returned for messages the source could not identify.
var ErrNoNativeID = errors.New("message has no native id")

// AttachmentSaver persists attachments into a directory.
type AttachmentSaver interface {
	Save(attachments []model.Attachment, dir string) ([]model.AttachmentRecord, error)
}

// Stem derives the file name stem of a message: its UTC received time
// followed by the tail of the native ID.
func Stem(msg *model.Message) string {
	return msg.ReceivedAt.UTC().Format(StemTimeLayout) + "_" + idTail(msg.NativeID)
}

func idTail(id string) string {
	if len(id) > idTailLength {
		id = id[len(id)-idTailLength:]
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-':
			return r
		}
		return '_'
	}, id)
}

// Paths returns the record file and attachments directory for stem.
func Paths(baseDir, stem string) (recordPath, attachmentsDir string) {
	return filepath.Join(baseDir, stem+Extension), filepath.Join(baseDir, stem+AttachmentsSuffix)
}

// Builder turns a source message into a Record. It saves attachments as a
// side effect but never writes the record file itself.
type Builder struct {
	saver  AttachmentSaver
	logger *slog.Logger
}

func NewBuilder(saver AttachmentSaver, logger *slog.Logger) *Builder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Builder{saver: saver, logger: logger}
}

func (b *Builder) Build(msg *model.Message, baseDir string) (*model.Record, error) {
	if msg == nil {
		return nil, fmt.Errorf("build record: nil message")
	}
	if strings.TrimSpace(msg.NativeID) == "" {
		return nil, ErrNoNativeID
	}

	stem := Stem(msg)
	path, attachmentsDir := Paths(baseDir, stem)
	newContent, quoted := thread.Split(msg.Body)

	rec := &model.Record{
		NativeID:      msg.NativeID,
		PermanentID:   msg.PermanentID,
		ReceivedAt:    msg.ReceivedAt,
		From:          msg.From,
		To:            msg.To,
		Cc:            msg.Cc,
		Subject:       msg.Subject,
		ThreadID:      msg.ThreadID,
		InReplyTo:     msg.InReplyTo,
		State:         model.StateReceived,
		NewContent:    newContent,
		QuotedContent: quoted,
		Stem:          stem,
		Path:          path,
	}

	rec.AttachmentErrors = msg.AttachmentErrors
	if b.saver == nil {
		return rec, nil
	}

	// A retried message starts from an empty directory so the manifest
	// names match the first attempt.
	if err := RemoveAttachments(attachmentsDir); err != nil {
		return nil, err
	}
	if len(msg.Attachments) > 0 {
		saved, err := b.saver.Save(msg.Attachments, attachmentsDir)
		if err != nil {
			failed := len(msg.Attachments) - len(saved)
			rec.AttachmentErrors += failed
			b.logger.Warn("record built with missing attachments",
				"nativeID", msg.NativeID, "subject", msg.Subject,
				"saved", len(saved), "failed", failed, "err", err)
		}
		rec.Attachments = saved
	}

	return rec, nil
}

// RemoveAttachments deletes an attachments directory left by an earlier
// attempt. A missing directory is not an error.
func RemoveAttachments(dir string) error {
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("clear attachments %s: %w", dir, err)
	}
	return nil
}
