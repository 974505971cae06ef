package ledger

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/creachadair/atomicfile"
)

// DefaultFileName is the ledger file kept beside the records.
const DefaultFileName = "_seen.json"

// FileLedger persists the seen set as a single JSON document. Saves go
// through a temporary file that is renamed over the ledger, so readers see
// either the old or the new document and never a partial one.
type FileLedger struct {
	path   string
	policy CorruptPolicy
	logger *slog.Logger
	// reset is set when Load discarded a corrupt document.
	reset bool

	// beforeCommit runs after the temporary file is written and before it
	// is renamed into place.
	beforeCommit func() error
}

type fileDocument struct {
	SeenIDs []string `json:"seen_ids"`
}

func NewFileLedger(path string, policy CorruptPolicy, logger *slog.Logger) (*FileLedger, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("ledger path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create ledger directory: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &FileLedger{path: path, policy: policy, logger: logger}, nil
}

func (f *FileLedger) Path() string {
	return f.path
}

func (f *FileLedger) Load() (SeenSet, error) {
	data, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return NewSeenSet(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read ledger %s: %w", f.path, err)
	}

	var doc fileDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return f.corrupt(err)
	}
	f.reset = false
	return NewSeenSet(doc.SeenIDs...), nil
}

func (f *FileLedger) corrupt(cause error) (SeenSet, error) {
	if f.policy == PolicyFail {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, f.path, cause)
	}
	f.logger.Error("seen ledger is corrupt, starting from an empty set; previously ingested messages will be written again",
		"path", f.path, "err", cause)
	f.reset = true
	return NewSeenSet(), nil
}

func (f *FileLedger) Save(ids SeenSet) error {
	data, err := json.MarshalIndent(fileDocument{SeenIDs: ids.Sorted()}, "", "  ")
	if err != nil {
		return fmt.Errorf("encode ledger: %w", err)
	}

	tmp, err := atomicfile.New(f.path, 0o600)
	if err != nil {
		return fmt.Errorf("create temporary ledger: %w", err)
	}
	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Cancel()
		return fmt.Errorf("write temporary ledger: %w", err)
	}
	if f.beforeCommit != nil {
		if err := f.beforeCommit(); err != nil {
			tmp.Cancel()
			return fmt.Errorf("commit ledger: %w", err)
		}
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("commit ledger %s: %w", f.path, err)
	}

	f.reset = false
	f.logger.Debug("saved seen ledger", "path", f.path, "count", ids.Len())
	return nil
}

// NeedsRepair reports whether the last Load reset a corrupt ledger that has
// not been saved over yet.
func (f *FileLedger) NeedsRepair() bool {
	return f.reset
}

func (f *FileLedger) Close() error {
	return nil
}
