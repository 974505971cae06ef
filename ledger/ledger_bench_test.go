package ledger

import (
	"fmt"
	"path/filepath"
	"testing"
)

func populated(n int) SeenSet {
	ids := make(SeenSet, n)
	for i := 0; i < n; i++ {
		ids.Add(fmt.Sprintf("INBOX:1700000000:%d", i))
	}
	return ids
}

// BenchmarkFileLedger_Save measures a full atomic rewrite of a 10k entry ledger.
func BenchmarkFileLedger_Save(b *testing.B) {
	l, err := NewFileLedger(filepath.Join(b.TempDir(), DefaultFileName), PolicyFail, nil)
	if err != nil {
		b.Fatal(err)
	}
	ids := populated(10000)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if err := l.Save(ids); err != nil {
			b.Fatal(err)
		}
	}
}

// BenchmarkFileLedger_Load measures parsing a 10k entry ledger.
func BenchmarkFileLedger_Load(b *testing.B) {
	l, err := NewFileLedger(filepath.Join(b.TempDir(), DefaultFileName), PolicyFail, nil)
	if err != nil {
		b.Fatal(err)
	}
	if err := l.Save(populated(10000)); err != nil {
		b.Fatal(err)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := l.Load(); err != nil {
			b.Fatal(err)
		}
	}
}

// BenchmarkSQLiteLedger_Save measures saving a growing set, the common case
// where most ids are already present.
func BenchmarkSQLiteLedger_Save(b *testing.B) {
	l, err := NewSQLiteLedger(filepath.Join(b.TempDir(), DefaultDBName), nil)
	if err != nil {
		b.Fatal(err)
	}
	defer l.Close()
	ids := populated(1000)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		ids.Add(fmt.Sprintf("new-%d", i))
		if err := l.Save(ids); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkSeenSet_Has(b *testing.B) {
	ids := populated(1000)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = ids.Has(fmt.Sprintf("INBOX:1700000000:%d", i%1000))
	}
}
