package imap

import (
	"cmp"
	"context"
	"crypto/tls"
	"fmt"
	"iter"
	"log/slog"
	"net"
	"slices"
	"strconv"
	"time"

	imapv2 "github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

	"github.com/dhcgn/mail-ingest/filter"
	"github.com/dhcgn/mail-ingest/mailparse"
	"github.com/dhcgn/mail-ingest/model"
	"github.com/dhcgn/mail-ingest/source"
)

type Options struct {
	Host               string
	Port               int
	Username           string
	Password           string
	UseTLS             bool
	InsecureSkipVerify bool
	// SinceDays restricts the search to messages received in the last n
	// days. Zero searches the whole folder.
	SinceDays int
	Filter    *filter.Filter
}

// Source reads candidates from an IMAP folder. The folder is selected
// read-only and bodies are fetched with BODY.PEEK, so the server side
// \Seen flags stay untouched.
type Source struct {
	opts    Options
	logger  *slog.Logger
	client  *imapclient.Client
	cleanup func()
	now     func() time.Time
}

func New(opts Options, logger *slog.Logger) (*Source, error) {
	if opts.Host == "" {
		return nil, fmt.Errorf("imap host is empty")
	}
	if opts.Port <= 0 {
		return nil, fmt.Errorf("imap port must be positive")
	}
	if opts.SinceDays < 0 {
		return nil, fmt.Errorf("imap since-days must not be negative")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Source{opts: opts, logger: logger, now: time.Now}, nil
}

// NativeID identifies a message within one folder generation. A change of
// UIDVALIDITY yields new identifiers for every message.
func NativeID(folder string, uidValidity uint32, uid imapv2.UID) string {
	return fmt.Sprintf("%s:%d:%d", folder, uidValidity, uid)
}

type candidate struct {
	uid          imapv2.UID
	internalDate time.Time
}

// newestFirst orders by INTERNALDATE, then by UID, both descending.
func newestFirst(cs []candidate) {
	slices.SortFunc(cs, func(a, b candidate) int {
		if c := b.internalDate.Compare(a.internalDate); c != 0 {
			return c
		}
		return cmp.Compare(b.uid, a.uid)
	})
}

func (s *Source) criteria() *imapv2.SearchCriteria {
	criteria := &imapv2.SearchCriteria{}
	if s.opts.SinceDays > 0 {
		criteria.Since = s.now().AddDate(0, 0, -s.opts.SinceDays)
	}
	return criteria
}

// Candidates lists the folder once and hands out its messages newest first.
// A body is only downloaded when the caller fetches the candidate.
func (s *Source) Candidates(ctx context.Context, folder string) iter.Seq2[*source.Candidate, error] {
	folder = source.Folder(folder)
	return func(yield func(*source.Candidate, error) bool) {
		if s.client == nil {
			client, cleanup, err := s.dial(ctx)
			if err != nil {
				yield(nil, err)
				return
			}
			s.client, s.cleanup = client, cleanup
		}

		selected, err := s.client.Select(folder, &imapv2.SelectOptions{ReadOnly: true}).Wait()
		if err != nil {
			yield(nil, fmt.Errorf("select %s: %w", folder, err))
			return
		}

		candidates, err := s.list(folder)
		if err != nil {
			yield(nil, err)
			return
		}
		s.logger.Debug("imap folder listed", "folder", folder, "uidValidity", selected.UIDValidity,
			"messages", selected.NumMessages, "candidates", len(candidates))

		for _, c := range candidates {
			if ctx.Err() != nil {
				return
			}
			nativeID := NativeID(folder, selected.UIDValidity, c.uid)
			handle := &source.Candidate{
				NativeID:   nativeID,
				ReceivedAt: c.internalDate,
				Fetch: func() (*model.Message, error) {
					msg, err := s.fetch(c, nativeID)
					if err != nil {
						return nil, &source.ReadError{NativeID: nativeID, Err: err}
					}
					return msg, nil
				},
			}
			if !yield(handle, nil) {
				return
			}
		}
	}
}

// list returns the UIDs of the selected folder with their INTERNALDATE,
// newest first.
func (s *Source) list(folder string) ([]candidate, error) {
	searchData, err := s.client.UIDSearch(s.criteria(), nil).Wait()
	if err != nil {
		return nil, fmt.Errorf("search %s: %w", folder, err)
	}
	uids := searchData.AllUIDs()
	if len(uids) == 0 {
		return nil, nil
	}

	bufs, err := s.client.Fetch(imapv2.UIDSetNum(uids...), &imapv2.FetchOptions{
		UID:          true,
		InternalDate: true,
	}).Collect()
	if err != nil {
		return nil, fmt.Errorf("fetch dates %s: %w", folder, err)
	}

	candidates := make([]candidate, 0, len(bufs))
	for _, buf := range bufs {
		candidates = append(candidates, candidate{uid: buf.UID, internalDate: buf.InternalDate})
	}
	newestFirst(candidates)
	return candidates, nil
}

// fetch downloads and decodes one message. A nil message without error means
// the filter rejected it. Header-only filters are checked before the body is
// downloaded.
func (s *Source) fetch(c candidate, nativeID string) (*model.Message, error) {
	f := s.opts.Filter
	filtered := false
	if f != nil && !f.NeedsBody() {
		header, err := s.section(c.uid, &imapv2.FetchItemBodySection{Specifier: imapv2.PartSpecifierHeader, Peek: true})
		if err != nil {
			return nil, fmt.Errorf("fetch header: %w", err)
		}
		if !f.Allows(header, nil) {
			s.logger.Debug("imap message filtered", "nativeID", nativeID)
			return nil, nil
		}
		filtered = true
	}

	raw, err := s.section(c.uid, &imapv2.FetchItemBodySection{Peek: true})
	if err != nil {
		return nil, fmt.Errorf("fetch body: %w", err)
	}
	if !filtered && !f.AllowsRaw(raw) {
		s.logger.Debug("imap message filtered", "nativeID", nativeID)
		return nil, nil
	}

	msg, err := mailparse.Parse(raw)
	if err != nil && msg == nil {
		return nil, err
	}
	if err != nil {
		s.logger.Warn("imap message partially decoded", "nativeID", nativeID, "err", err)
	}
	msg.NativeID = nativeID
	if !c.internalDate.IsZero() {
		msg.ReceivedAt = c.internalDate
	}
	return msg, nil
}

// section fetches one body section of a message.
func (s *Source) section(uid imapv2.UID, section *imapv2.FetchItemBodySection) ([]byte, error) {
	bufs, err := s.client.Fetch(imapv2.UIDSetNum(uid), &imapv2.FetchOptions{
		UID:         true,
		BodySection: []*imapv2.FetchItemBodySection{section},
	}).Collect()
	if err != nil {
		return nil, err
	}
	if len(bufs) == 0 {
		return nil, fmt.Errorf("message vanished")
	}
	data := bufs[0].FindBodySection(section)
	if data == nil {
		return nil, fmt.Errorf("empty body section")
	}
	return data, nil
}

func (s *Source) dial(ctx context.Context) (*imapclient.Client, func(), error) {
	address := net.JoinHostPort(s.opts.Host, strconv.Itoa(s.opts.Port))
	options := &imapclient.Options{}

	if s.opts.UseTLS {
		options.TLSConfig = &tls.Config{
			ServerName:         s.opts.Host,
			InsecureSkipVerify: s.opts.InsecureSkipVerify,
		}
	}

	var (
		client *imapclient.Client
		err    error
	)

	if s.opts.UseTLS {
		client, err = imapclient.DialTLS(address, options)
	} else {
		client, err = imapclient.DialInsecure(address, options)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("dial imap %s: %w", address, err)
	}

	if err := client.Login(s.opts.Username, s.opts.Password).Wait(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("imap login failed: %w", err)
	}

	s.logger.Debug("imap connection established", "address", address, "user", s.opts.Username, "tls", s.opts.UseTLS)

	stopClose := context.AfterFunc(ctx, func() {
		_ = client.Close()
	})

	cleanup := func() {
		stopClose()
		if ctx.Err() == nil {
			if err := client.Logout().Wait(); err != nil {
				s.logger.Warn("imap logout failed", "err", err)
			}
		}
		if err := client.Close(); err != nil {
			s.logger.Debug("imap connection closed", "err", err)
		}
	}

	return client, cleanup, nil
}

// Close logs out of the server. It is safe to call more than once.
func (s *Source) Close() error {
	if s.cleanup != nil {
		s.cleanup()
		s.cleanup = nil
		s.client = nil
	}
	return nil
}
