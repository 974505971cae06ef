package imap

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	imapv2 "github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapserver"
	"github.com/emersion/go-imap/v2/imapserver/imapmemserver"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dhcgn/mail-ingest/filter"
	"github.com/dhcgn/mail-ingest/source"
)

// wireLog captures the raw IMAP traffic of the test server.
type wireLog struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (w *wireLog) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.Write(p)
}

func (w *wireLog) Count(s string) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return strings.Count(w.buf.String(), s)
}

var received = time.Date(2026, time.January, 13, 10, 0, 0, 0, time.UTC)

// startServer serves an INBOX holding one message per subject, the first
// subject received first.
func startServer(t *testing.T, subjects ...string) (*Source, *wireLog) {
	t.Helper()

	user := imapmemserver.NewUser("me", "secret")
	require.NoError(t, user.Create("INBOX", nil))
	for i, subject := range subjects {
		raw := fmt.Sprintf("From: sender@example.com\r\nTo: me@example.com\r\nSubject: %s\r\n"+
			"Message-Id: <%d@example.com>\r\n\r\nBody %d\r\n", subject, i, i)
		_, err := user.Append("INBOX", bytes.NewReader([]byte(raw)), &imapv2.AppendOptions{
			Time: received.Add(time.Duration(i) * time.Hour),
		})
		require.NoError(t, err)
	}
	mem := imapmemserver.New()
	mem.AddUser(user)

	wire := &wireLog{}
	server := imapserver.New(&imapserver.Options{
		NewSession: func(*imapserver.Conn) (imapserver.Session, *imapserver.GreetingData, error) {
			return mem.NewSession(), nil, nil
		},
		Caps:         imapv2.CapSet{imapv2.CapIMAP4rev1: {}},
		InsecureAuth: true,
		DebugWriter:  wire,
	})
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() {
		_ = server.Serve(ln)
	}()
	t.Cleanup(func() {
		_ = server.Close()
	})

	addr := ln.Addr().(*net.TCPAddr)
	s, err := New(Options{Host: "127.0.0.1", Port: addr.Port, Username: "me", Password: "secret"}, nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = s.Close()
	})
	return s, wire
}

func TestCandidates_ListsNewestFirstWithoutBodies(t *testing.T) {
	s, wire := startServer(t, "first", "second", "third")

	var ids []string
	var dates []time.Time
	for c, err := range s.Candidates(context.Background(), "INBOX") {
		require.NoError(t, err)
		ids = append(ids, c.NativeID)
		dates = append(dates, c.ReceivedAt)
	}

	require.Len(t, ids, 3)
	assert.True(t, strings.HasPrefix(ids[0], "INBOX:"))
	assert.True(t, strings.HasSuffix(ids[0], ":3"))
	assert.True(t, strings.HasSuffix(ids[2], ":1"))
	assert.True(t, dates[0].Equal(received.Add(2*time.Hour)))
	assert.Zero(t, wire.Count("BODY.PEEK[]"), "listing must not download bodies")
}

func TestCandidates_FetchesOnlyRequestedBodies(t *testing.T) {
	s, wire := startServer(t, "first", "second", "third")

	var fetched []string
	for c, err := range s.Candidates(context.Background(), "INBOX") {
		require.NoError(t, err)
		if !strings.HasSuffix(c.NativeID, ":1") {
			continue
		}
		msg, err := c.Fetch()
		require.NoError(t, err)
		require.NotNil(t, msg)
		assert.Equal(t, c.NativeID, msg.NativeID)
		assert.Equal(t, "1@example.com", msg.PermanentID)
		assert.True(t, msg.ReceivedAt.Equal(received))
		fetched = append(fetched, msg.Subject)
	}

	assert.Equal(t, []string{"first"}, fetched)
	assert.Equal(t, 1, wire.Count("BODY.PEEK[]"))
}

func TestCandidates_HeaderFilterSkipsBodyDownload(t *testing.T) {
	s, wire := startServer(t, "weekly newsletter", "invoice")
	f, err := filter.New(filter.Options{ExcludeHeader: []string{"(?i)newsletter"}})
	require.NoError(t, err)
	s.opts.Filter = f

	var subjects []string
	for c, err := range s.Candidates(context.Background(), "INBOX") {
		require.NoError(t, err)
		msg, err := c.Fetch()
		require.NoError(t, err)
		if msg != nil {
			subjects = append(subjects, msg.Subject)
		}
	}

	assert.Equal(t, []string{"invoice"}, subjects)
	assert.Equal(t, 2, wire.Count("BODY.PEEK[HEADER]"))
	assert.Equal(t, 1, wire.Count("BODY.PEEK[]"), "rejected message body must not be downloaded")
}

func TestCandidates_UnknownFolder(t *testing.T) {
	s, _ := startServer(t)

	var errs []error
	for c, err := range s.Candidates(context.Background(), "Archive") {
		assert.Nil(t, c)
		errs = append(errs, err)
	}
	require.Len(t, errs, 1)
	assert.ErrorContains(t, errs[0], "select Archive")
	var rerr *source.ReadError
	assert.NotErrorAs(t, errs[0], &rerr)
}
