package attachment

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/dhcgn/mail-ingest/model"
)

// maxCollisions bounds the _N suffix search for one file name.
const maxCollisions = 10000

// WriteError reports an attachment that could not be persisted.
type WriteError struct {
	Filename string
	Err      error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("save attachment %q: %v", e.Filename, e.Err)
}

func (e *WriteError) Unwrap() error {
	return e.Err
}

// Saver writes message attachments into a companion directory.
type Saver struct {
	logger *slog.Logger
}

func NewSaver(logger *slog.Logger) *Saver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Saver{logger: logger}
}

// Save writes attachments to dir in source order and returns a record for
// every attachment that was written. A failing attachment is logged and left
// out; the returned error joins all such failures and is informational only.
func (s *Saver) Save(attachments []model.Attachment, dir string) ([]model.AttachmentRecord, error) {
	if len(attachments) == 0 {
		return nil, nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		werr := &WriteError{Filename: filepath.Base(dir), Err: fmt.Errorf("create attachments directory: %w", err)}
		s.logger.Error("attachments skipped", "dir", dir, "count", len(attachments), "err", err)
		return nil, werr
	}

	records := make([]model.AttachmentRecord, 0, len(attachments))
	var errs []error
	for _, att := range attachments {
		rec, err := s.saveOne(att, dir)
		if err != nil {
			werr := &WriteError{Filename: att.Filename, Err: err}
			s.logger.Error("attachment skipped", "dir", dir, "filename", att.Filename, "err", err)
			errs = append(errs, werr)
			continue
		}
		s.logger.Debug("saved attachment", "path", rec.LocalPath, "size", rec.SizeBytes)
		records = append(records, rec)
	}

	return records, errors.Join(errs...)
}

func (s *Saver) saveOne(att model.Attachment, dir string) (model.AttachmentRecord, error) {
	if att.Open == nil {
		return model.AttachmentRecord{}, fmt.Errorf("no content accessor")
	}

	file, name, err := createUnique(dir, SanitizeFilename(att.Filename))
	if err != nil {
		return model.AttachmentRecord{}, err
	}
	path := file.Name()

	written, err := copyContent(file, att)
	if cerr := file.Close(); err == nil && cerr != nil {
		err = fmt.Errorf("close %s: %w", path, cerr)
	}
	if err != nil {
		// The partial file was created by this call; drop it so the name
		// is not taken by a truncated copy.
		_ = os.Remove(path)
		return model.AttachmentRecord{}, err
	}

	return model.AttachmentRecord{
		Filename:         name,
		OriginalFilename: att.Filename,
		LocalPath:        fmt.Sprintf("./%s/%s", filepath.Base(dir), name),
		SizeBytes:        written,
	}, nil
}

func copyContent(dst *os.File, att model.Attachment) (int64, error) {
	src, err := att.Open()
	if err != nil {
		return 0, fmt.Errorf("open content: %w", err)
	}
	defer src.Close()

	n, err := io.Copy(dst, src)
	if err != nil {
		return n, fmt.Errorf("write content: %w", err)
	}
	if err := dst.Sync(); err != nil {
		return n, fmt.Errorf("sync %s: %w", dst.Name(), err)
	}
	return n, nil
}

// createUnique creates name inside dir, or name_1, name_2, ... when the name
// is already taken.
func createUnique(dir, name string) (*os.File, string, error) {
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)

	candidate := name
	for i := 1; i <= maxCollisions; i++ {
		f, err := os.OpenFile(filepath.Join(dir, candidate), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			return f, candidate, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, "", fmt.Errorf("create %s: %w", candidate, err)
		}
		candidate = stem + "_" + strconv.Itoa(i) + ext
	}
	return nil, "", fmt.Errorf("no free name for %s after %d attempts", name, maxCollisions)
}
