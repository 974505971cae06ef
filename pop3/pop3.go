// Package pop3 reads candidates from a POP3 maildrop.
package pop3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"net"
	"slices"
	"strconv"
	"strings"
	"time"

	pop3client "github.com/knadh/go-pop3"

	"github.com/dhcgn/mail-ingest/filter"
	"github.com/dhcgn/mail-ingest/mailparse"
	"github.com/dhcgn/mail-ingest/model"
	"github.com/dhcgn/mail-ingest/source"
)

// ErrFolder is returned for any folder other than INBOX; POP3 has no folders.
var ErrFolder = errors.New("pop3 only serves INBOX")

type Options struct {
	Host               string
	Port               int
	Username           string
	Password           string
	UseTLS             bool
	InsecureSkipVerify bool
	SinceDays          int
	Filter             *filter.Filter
}

// conn is the part of a POP3 session the source uses.
type conn interface {
	Uidl(msgID int) ([]pop3client.MessageID, error)
	RetrRaw(msgID int) (*bytes.Buffer, error)
	Quit() error
}

type Source struct {
	opts   Options
	logger *slog.Logger
	dial   func() (conn, error)
	conn   conn
	now    func() time.Time
}

func New(opts Options, logger *slog.Logger) (*Source, error) {
	if opts.Host == "" {
		return nil, fmt.Errorf("pop3 host is empty")
	}
	if opts.Port <= 0 {
		return nil, fmt.Errorf("pop3 port must be positive")
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Source{opts: opts, logger: logger, now: time.Now}
	s.dial = s.connect
	return s, nil
}

func (s *Source) connect() (conn, error) {
	addr := net.JoinHostPort(s.opts.Host, strconv.Itoa(s.opts.Port))
	client := pop3client.New(pop3client.Opt{
		Host:          s.opts.Host,
		Port:          s.opts.Port,
		TLSEnabled:    s.opts.UseTLS,
		TLSSkipVerify: s.opts.InsecureSkipVerify,
	})
	c, err := client.NewConn()
	if err != nil {
		return nil, fmt.Errorf("pop3 connect %s: %w", addr, err)
	}
	if err := c.Auth(s.opts.Username, s.opts.Password); err != nil {
		_ = c.Quit()
		return nil, fmt.Errorf("pop3 auth %s: %w", s.opts.Username, err)
	}
	s.logger.Debug("pop3 connection established", "address", addr, "user", s.opts.Username, "tls", s.opts.UseTLS)
	return c, nil
}

// Candidates lists the maildrop with UIDL and hands out messages from the
// highest message number down. The UIDL is the native ID, so nothing is
// retrieved before the caller asks for it.
func (s *Source) Candidates(ctx context.Context, folder string) iter.Seq2[*source.Candidate, error] {
	return func(yield func(*source.Candidate, error) bool) {
		if !strings.EqualFold(source.Folder(folder), source.DefaultFolder) {
			yield(nil, fmt.Errorf("%w: %q", ErrFolder, folder))
			return
		}
		if s.conn == nil {
			c, err := s.dial()
			if err != nil {
				yield(nil, err)
				return
			}
			s.conn = c
		}

		ids, err := s.conn.Uidl(0)
		if err != nil {
			yield(nil, fmt.Errorf("pop3 uidl: %w", err))
			return
		}
		slices.SortFunc(ids, func(a, b pop3client.MessageID) int { return b.ID - a.ID })
		s.logger.Debug("pop3 maildrop listed", "messages", len(ids))

		var cutoff time.Time
		if s.opts.SinceDays > 0 {
			cutoff = s.now().AddDate(0, 0, -s.opts.SinceDays)
		}

		for _, id := range ids {
			if ctx.Err() != nil {
				return
			}
			if id.UID == "" {
				err := fmt.Errorf("message %d has no UIDL", id.ID)
				if !yield(nil, &source.ReadError{Err: err}) {
					return
				}
				continue
			}

			c := &source.Candidate{
				NativeID: id.UID,
				Fetch: func() (*model.Message, error) {
					msg, err := s.retrieve(id)
					if err != nil {
						return nil, &source.ReadError{NativeID: id.UID, Err: err}
					}
					if msg != nil && !cutoff.IsZero() && !msg.ReceivedAt.IsZero() && msg.ReceivedAt.Before(cutoff) {
						return nil, nil
					}
					return msg, nil
				},
			}
			if !yield(c, nil) {
				return
			}
		}
	}
}

// retrieve downloads one message. A nil message without error means the
// filter rejected it.
func (s *Source) retrieve(id pop3client.MessageID) (*model.Message, error) {
	buf, err := s.conn.RetrRaw(id.ID)
	if err != nil {
		return nil, fmt.Errorf("pop3 retr %d: %w", id.ID, err)
	}
	raw := buf.Bytes()
	if !s.opts.Filter.AllowsRaw(raw) {
		s.logger.Debug("pop3 message filtered", "uidl", id.UID)
		return nil, nil
	}

	msg, err := mailparse.Parse(raw)
	if err != nil && msg == nil {
		return nil, err
	}
	if err != nil {
		s.logger.Warn("pop3 message partially decoded", "uidl", id.UID, "err", err)
	}
	msg.NativeID = id.UID
	return msg, nil
}

// Close ends the session without deleting anything from the maildrop.
func (s *Source) Close() error {
	if s.conn == nil {
		return nil
	}
	err := s.conn.Quit()
	s.conn = nil
	return err
}
