package mbox

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"os"
	"slices"
	"strings"
	"time"

	mboxlib "github.com/emersion/go-mbox"
	"github.com/emersion/go-message"
	"github.com/emersion/go-message/textproto"

	"github.com/dhcgn/mail-ingest/filter"
	"github.com/dhcgn/mail-ingest/mailparse"
	"github.com/dhcgn/mail-ingest/model"
	"github.com/dhcgn/mail-ingest/source"
)

type Options struct {
	Path   string
	Filter *filter.Filter
}

// Source reads candidates from an mbox archive. The archive is the only
// folder; the folder argument of Candidates is ignored.
type Source struct {
	opts   Options
	logger *slog.Logger
	open   func() (io.ReadCloser, error)
}

func New(opts Options, logger *slog.Logger) (*Source, error) {
	path := strings.TrimSpace(opts.Path)
	if path == "" {
		return nil, fmt.Errorf("mbox path is empty")
	}
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("open mbox: %w", err)
	}
	opts.Path = path
	return &Source{
		opts:   opts,
		logger: orDefault(logger),
		open: func() (io.ReadCloser, error) {
			return os.Open(path)
		},
	}, nil
}

// NewFromReader reads the archive from r, which is consumed by the first
// call to Candidates.
func NewFromReader(r io.Reader, opts Options, logger *slog.Logger) *Source {
	return &Source{
		opts:   opts,
		logger: orDefault(logger),
		open: func() (io.ReadCloser, error) {
			return io.NopCloser(r), nil
		},
	}
}

func orDefault(logger *slog.Logger) *slog.Logger {
	if logger == nil {
		return slog.Default()
	}
	return logger
}

type entry struct {
	index      int
	nativeID   string
	receivedAt time.Time
	raw        []byte
	err        error
}

// NativeID is the base64 encoded SHA-256 of the raw message. It is stable
// for as long as the archive holds the same bytes.
func NativeID(raw []byte) string {
	sum := sha256.Sum256(raw)
	return base64.StdEncoding.EncodeToString(sum[:])
}

// Candidates scans the whole archive up front to order it, then decodes each
// message only when its candidate is fetched.
func (s *Source) Candidates(ctx context.Context, _ string) iter.Seq2[*source.Candidate, error] {
	return func(yield func(*source.Candidate, error) bool) {
		entries, err := s.scan(ctx)
		if err != nil {
			yield(nil, err)
			return
		}

		for _, e := range entries {
			if ctx.Err() != nil {
				return
			}
			if e.err != nil {
				if !yield(nil, &source.ReadError{NativeID: e.nativeID, Err: e.err}) {
					return
				}
				continue
			}

			c := &source.Candidate{
				NativeID:   e.nativeID,
				ReceivedAt: e.receivedAt,
				Fetch: func() (*model.Message, error) {
					return s.decode(e)
				},
			}
			if !yield(c, nil) {
				return
			}
		}
	}
}

func (s *Source) decode(e entry) (*model.Message, error) {
	msg, err := mailparse.Parse(e.raw)
	if err != nil && msg == nil {
		return nil, &source.ReadError{NativeID: e.nativeID, Err: err}
	}
	if err != nil {
		s.logger.Warn("mbox message partially decoded", "nativeID", e.nativeID, "index", e.index, "err", err)
	}
	msg.NativeID = e.nativeID
	msg.ReceivedAt = e.receivedAt
	return msg, nil
}

// scan reads the archive once and orders the messages newest first.
// Messages without a parsable date sort last, archive order breaks ties
// with later entries first.
func (s *Source) scan(ctx context.Context) ([]entry, error) {
	rc, err := s.open()
	if err != nil {
		return nil, fmt.Errorf("open mbox: %w", err)
	}
	defer rc.Close()

	reader := mboxlib.NewReader(rc)
	var entries []entry
	skipped := 0
	for idx := 0; ; idx++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		msgReader, err := reader.NextMessage()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			// The mbox reader cannot resync after a framing error.
			entries = append(entries, entry{index: idx, err: fmt.Errorf("message %d: %w", idx, err)})
			break
		}

		raw, err := io.ReadAll(msgReader)
		if err != nil {
			entries = append(entries, entry{index: idx, err: fmt.Errorf("message %d read: %w", idx, err)})
			continue
		}
		if !s.opts.Filter.AllowsRaw(raw) {
			skipped++
			continue
		}

		entries = append(entries, entry{
			index:      idx,
			nativeID:   NativeID(raw),
			receivedAt: receivedAt(raw),
			raw:        raw,
		})
	}

	slices.SortStableFunc(entries, func(a, b entry) int {
		switch {
		case a.receivedAt.IsZero() != b.receivedAt.IsZero():
			if a.receivedAt.IsZero() {
				return 1
			}
			return -1
		case !a.receivedAt.Equal(b.receivedAt):
			return b.receivedAt.Compare(a.receivedAt)
		}
		return b.index - a.index
	})

	s.logger.Debug("mbox scanned", "path", s.opts.Path, "candidates", len(entries), "filtered", skipped)
	return entries, nil
}

func receivedAt(raw []byte) time.Time {
	h, err := textproto.ReadHeader(bufio.NewReader(bytes.NewReader(raw)))
	if err != nil {
		return time.Time{}
	}
	return mailparse.ReceivedAt(message.Header{Header: h})
}

func (s *Source) Close() error {
	return nil
}

// CountMessages counts the messages in the archive without decoding them.
func (s *Source) CountMessages() (int, error) {
	rc, err := s.open()
	if err != nil {
		return 0, fmt.Errorf("open mbox: %w", err)
	}
	defer rc.Close()

	reader := mboxlib.NewReader(rc)
	count := 0
	for {
		msgReader, err := reader.NextMessage()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return count, nil
			}
			return count, err
		}
		if _, err := io.Copy(io.Discard, msgReader); err != nil {
			return count, err
		}
		count++
	}
}
