package pop3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"slices"
	"testing"
	"time"

	pop3client "github.com/knadh/go-pop3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dhcgn/mail-ingest/model"
	"github.com/dhcgn/mail-ingest/source"
)

type fakeConn struct {
	ids     []pop3client.MessageID
	bodies  map[int]string
	failing map[int]bool
	retr    []int
	quit    bool
}

func (f *fakeConn) Uidl(int) ([]pop3client.MessageID, error) {
	return append([]pop3client.MessageID(nil), f.ids...), nil
}

func (f *fakeConn) RetrRaw(id int) (*bytes.Buffer, error) {
	f.retr = append(f.retr, id)
	if f.failing[id] {
		return nil, errors.New("-ERR no such message")
	}
	return bytes.NewBufferString(f.bodies[id]), nil
}

func (f *fakeConn) Quit() error {
	f.quit = true
	return nil
}

func raw(subject, date string) string {
	return fmt.Sprintf("From: a@example.com\r\nSubject: %s\r\nDate: %s\r\n\r\nbody\r\n", subject, date)
}

func newSource(t *testing.T, fc *fakeConn) *Source {
	t.Helper()
	s, err := New(Options{Host: "pop.example.com", Port: 995, UseTLS: true}, nil)
	require.NoError(t, err)
	s.dial = func() (conn, error) { return fc, nil }
	return s
}

// drain fetches every candidate whose native ID is not in skip.
func drain(s *Source, folder string, skip ...string) ([]*model.Message, []error) {
	var msgs []*model.Message
	var errs []error
	for c, err := range s.Candidates(context.Background(), folder) {
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if slices.Contains(skip, c.NativeID) {
			continue
		}
		msg, err := c.Fetch()
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if msg != nil {
			msgs = append(msgs, msg)
		}
	}
	return msgs, errs
}

func TestCandidates_NewestFirstByMessageNumber(t *testing.T) {
	fc := &fakeConn{
		ids: []pop3client.MessageID{{ID: 1, UID: "uid-a"}, {ID: 2, UID: "uid-b"}, {ID: 3, UID: "uid-c"}},
		bodies: map[int]string{
			1: raw("one", "Mon, 12 Jan 2026 09:00:00 +0000"),
			2: raw("two", "Tue, 13 Jan 2026 09:00:00 +0000"),
			3: raw("three", "Wed, 14 Jan 2026 09:00:00 +0000"),
		},
	}
	s := newSource(t, fc)

	msgs, errs := drain(s, "")
	require.Empty(t, errs)
	require.Len(t, msgs, 3)
	assert.Equal(t, "uid-c", msgs[0].NativeID)
	assert.Equal(t, "three", msgs[0].Subject)
	assert.Equal(t, "uid-a", msgs[2].NativeID)
	assert.Equal(t, []int{3, 2, 1}, fc.retr)

	require.NoError(t, s.Close())
	assert.True(t, fc.quit)
}

func TestCandidates_ErrorsAreYieldedAndSkipped(t *testing.T) {
	fc := &fakeConn{
		ids:     []pop3client.MessageID{{ID: 1, UID: "uid-a"}, {ID: 2, UID: ""}, {ID: 3, UID: "uid-c"}},
		bodies:  map[int]string{1: raw("one", "Mon, 12 Jan 2026 09:00:00 +0000")},
		failing: map[int]bool{3: true},
	}
	msgs, errs := drain(newSource(t, fc), "INBOX")

	require.Len(t, msgs, 1)
	assert.Equal(t, "uid-a", msgs[0].NativeID)
	require.Len(t, errs, 2)

	var rerr *source.ReadError
	require.ErrorAs(t, errs[0], &rerr)
	assert.Equal(t, "uid-c", rerr.NativeID)
	assert.ErrorContains(t, errs[1], "no UIDL")
}

func TestCandidates_SinceDays(t *testing.T) {
	fc := &fakeConn{
		ids: []pop3client.MessageID{{ID: 1, UID: "old"}, {ID: 2, UID: "new"}},
		bodies: map[int]string{
			1: raw("old", "Mon, 01 Dec 2025 09:00:00 +0000"),
			2: raw("new", "Tue, 13 Jan 2026 09:00:00 +0000"),
		},
	}
	s := newSource(t, fc)
	s.opts.SinceDays = 7
	s.now = func() time.Time { return time.Date(2026, 1, 14, 0, 0, 0, 0, time.UTC) }

	msgs, errs := drain(s, "INBOX")
	require.Empty(t, errs)
	require.Len(t, msgs, 1)
	assert.Equal(t, "new", msgs[0].NativeID)
}

func TestCandidates_RejectsOtherFolders(t *testing.T) {
	fc := &fakeConn{}
	msgs, errs := drain(newSource(t, fc), "Archive")
	assert.Empty(t, msgs)
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], ErrFolder)
	assert.Empty(t, fc.retr)
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Options{Port: 110}, nil)
	assert.Error(t, err)
	_, err = New(Options{Host: "h"}, nil)
	assert.Error(t, err)
}

func TestCandidates_SeenMessagesAreNotRetrieved(t *testing.T) {
	fc := &fakeConn{
		ids: []pop3client.MessageID{{ID: 1, UID: "u1"}, {ID: 2, UID: "u2"}, {ID: 3, UID: "u3"}},
		bodies: map[int]string{
			1: raw("one", "Mon, 12 Jan 2026 09:00:00 +0000"),
			2: raw("two", "Tue, 13 Jan 2026 09:00:00 +0000"),
			3: raw("three", "Wed, 14 Jan 2026 09:00:00 +0000"),
		},
	}

	msgs, errs := drain(newSource(t, fc), "INBOX", "u1", "u2", "u3")
	assert.Empty(t, msgs)
	assert.Empty(t, errs)
	assert.Empty(t, fc.retr)

	msgs, errs = drain(newSource(t, fc), "INBOX", "u1", "u3")
	assert.Empty(t, errs)
	require.Len(t, msgs, 1)
	assert.Equal(t, "u2", msgs[0].NativeID)
	assert.Equal(t, []int{2}, fc.retr)
}
