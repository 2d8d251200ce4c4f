package persist_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/NicolasHaas/gojam/pkg/persist"
)

type snapshot struct {
	Users map[string]int `json:"users"`
	Note  string         `json:"note"`
}

func openBackends(t *testing.T) map[string]persist.Snapshotter {
	t.Helper()
	dir := t.TempDir()

	fs, err := persist.Open(persist.BackendFile, filepath.Join(dir, "files"))
	if err != nil {
		t.Fatalf("open file backend: %v", err)
	}
	db, err := persist.Open(persist.BackendSQLite, filepath.Join(dir, "gojam.db"))
	if err != nil {
		t.Fatalf("open sqlite backend: %v", err)
	}
	t.Cleanup(func() {
		_ = fs.Close()
		_ = db.Close()
	})
	return map[string]persist.Snapshotter{"file": fs, "sqlite": db}
}

func TestSnapshotRoundTrip(t *testing.T) {
	ctx := context.Background()
	for name, st := range openBackends(t) {
		t.Run(name, func(t *testing.T) {
			var empty snapshot
			found, err := st.Load(ctx, "users", &empty)
			if err != nil {
				t.Fatalf("Load(absent): %v", err)
			}
			if found {
				t.Fatalf("Load(absent): expected found=false")
			}

			want := snapshot{Users: map[string]int{"alice": 1, "bob": 2}, Note: "v1"}
			if err := st.Save(ctx, "users", want); err != nil {
				t.Fatalf("Save: %v", err)
			}
			want.Note = "v2"
			if err := st.Save(ctx, "users", want); err != nil {
				t.Fatalf("Save overwrite: %v", err)
			}

			var got snapshot
			found, err = st.Load(ctx, "users", &got)
			if err != nil || !found {
				t.Fatalf("Load: found=%v err=%v", found, err)
			}
			if diff := cmp.Diff(want, got); diff != "" {
				t.Fatalf("snapshot mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestFileStoreRejectsBadNames(t *testing.T) {
	st, err := persist.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	for _, name := range []string{"", "../escape", ".hidden", `a\b`} {
		if err := st.Save(context.Background(), name, 1); err == nil {
			t.Errorf("Save(%q): expected error", name)
		}
	}
}

func TestFileStoreCorruptFile(t *testing.T) {
	dir := t.TempDir()
	st, err := persist.NewFileStore(dir)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "sessions.json"), []byte("{not json"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	var v snapshot
	if _, err := st.Load(context.Background(), "sessions", &v); err == nil {
		t.Fatalf("Load(corrupt): expected decode error")
	}
}

func TestOpenUnknownBackend(t *testing.T) {
	if _, err := persist.Open("redis", t.TempDir()); err == nil {
		t.Fatalf("Open(redis): expected error")
	}
}

func TestSQLiteUpdatedAt(t *testing.T) {
	st, err := persist.NewSQLiteStore(filepath.Join(t.TempDir(), "t.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	defer st.Close()

	ctx := context.Background()
	if err := st.Save(ctx, "whitelist", []string{"10.0.0.1"}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	ts, err := st.UpdatedAt(ctx, "whitelist")
	if err != nil {
		t.Fatalf("UpdatedAt: %v", err)
	}
	if ts.IsZero() {
		t.Fatalf("UpdatedAt: expected a timestamp")
	}
}
