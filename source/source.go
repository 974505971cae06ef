// Package source defines the boundary between the ingestion runner and the
// mail systems it reads from.
package source

import (
	"context"
	"fmt"
	"iter"
	"strings"
	"time"

	"github.com/dhcgn/mail-ingest/model"
)

// DefaultFolder is read when no folder is configured.
const DefaultFolder = "INBOX"

// Candidate is a listed message that has not been downloaded yet. NativeID
// and ReceivedAt come from the listing; Fetch downloads and decodes the
// message. Fetch returns a nil message without error when a filter rejected
// it. A candidate is only valid during the iteration step that produced it.
type Candidate struct {
	NativeID   string
	ReceivedAt time.Time
	Fetch      func() (*model.Message, error)
}

// Source hands out candidates of one folder, newest received first. A
// yielded error describes a single message that could not be listed; the
// sequence continues after it. Iteration stops when ctx is done.
type Source interface {
	Candidates(ctx context.Context, folder string) iter.Seq2[*Candidate, error]
	Close() error
}

// ReadError reports a message the source could not decode or fetch.
type ReadError struct {
	NativeID string
	Err      error
}

func (e *ReadError) Error() string {
	if e.NativeID == "" {
		return fmt.Sprintf("read message: %v", e.Err)
	}
	return fmt.Sprintf("read message %s: %v", e.NativeID, e.Err)
}

func (e *ReadError) Unwrap() error {
	return e.Err
}

// Folder normalises a configured folder name.
func Folder(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return DefaultFolder
	}
	return name
}
