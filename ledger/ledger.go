package ledger

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
)

// ErrCorrupt is returned by Load when the persisted ledger cannot be parsed
// and the store is configured with PolicyFail.
var ErrCorrupt = errors.New("seen ledger is corrupt")

// Store persists the set of native identifiers that were already ingested.
type Store interface {
	// Load returns the persisted set, or an empty set on first run.
	Load() (SeenSet, error)
	// Save replaces the persisted set with ids. It is all-or-nothing.
	Save(ids SeenSet) error
	Close() error
}

// repairer is implemented by stores whose last Load replaced an unreadable
// ledger with an empty set.
type repairer interface {
	NeedsRepair() bool
}

// NeedsRepair reports whether s loaded a corrupt ledger that the next Save
// should overwrite even when nothing new was ingested.
func NeedsRepair(s Store) bool {
	r, ok := s.(repairer)
	return ok && r.NeedsRepair()
}

// CorruptPolicy decides what Load does with a ledger it cannot parse.
type CorruptPolicy string

const (
	// PolicyReset treats an unparsable ledger as empty. Messages already
	// ingested will be written again on the next run.
	PolicyReset CorruptPolicy = "reset"
	// PolicyFail refuses to run until the ledger is repaired.
	PolicyFail CorruptPolicy = "fail"
)

// ParsePolicy converts a CLI/config value into a CorruptPolicy.
func ParsePolicy(s string) (CorruptPolicy, error) {
	switch CorruptPolicy(strings.ToLower(strings.TrimSpace(s))) {
	case "", PolicyReset:
		return PolicyReset, nil
	case PolicyFail:
		return PolicyFail, nil
	default:
		return "", fmt.Errorf("unknown corrupt ledger policy %q (want reset or fail)", s)
	}
}

// SeenSet is a set of native identifiers.
type SeenSet map[string]struct{}

// NewSeenSet returns a set holding ids.
func NewSeenSet(ids ...string) SeenSet {
	s := make(SeenSet, len(ids))
	for _, id := range ids {
		s.Add(id)
	}
	return s
}

func (s SeenSet) Has(id string) bool {
	_, ok := s[id]
	return ok
}

// Add ignores empty identifiers.
func (s SeenSet) Add(id string) {
	if id == "" {
		return
	}
	s[id] = struct{}{}
}

// Merge adds every id of other to s.
func (s SeenSet) Merge(other SeenSet) {
	for id := range other {
		s[id] = struct{}{}
	}
}

func (s SeenSet) Len() int {
	return len(s)
}

// Sorted returns the identifiers in lexical order.
func (s SeenSet) Sorted() []string {
	ids := make([]string, 0, len(s))
	for id := range s {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Backend names accepted by Open.
const (
	BackendFile   = "file"
	BackendSQLite = "sqlite"
	BackendMemory = "memory"
)

// Open creates the Store for backend at path.
func Open(backend, path string, policy CorruptPolicy, logger *slog.Logger) (Store, error) {
	switch backend {
	case "", BackendFile:
		return NewFileLedger(path, policy, logger)
	case BackendSQLite:
		return NewSQLiteLedger(path, logger)
	case BackendMemory:
		return NewMemoryLedger(), nil
	default:
		return nil, fmt.Errorf("unknown ledger backend %q", backend)
	}
}

// DefaultPath returns the ledger location inside the output directory.
func DefaultPath(backend, outputDir string) string {
	if backend == BackendSQLite {
		return filepath.Join(outputDir, DefaultDBName)
	}
	return filepath.Join(outputDir, DefaultFileName)
}
