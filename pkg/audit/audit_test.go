package audit

import (
	"fmt"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/NicolasHaas/gojam/pkg/logging"
)

func kinds(entries []Entry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = fmt.Sprint(e.Detail["n"])
	}
	return out
}

func TestRecordBeforeWrap(t *testing.T) {
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	l := NewWithClock(4, logging.Discard(), func() time.Time { return base })

	l.Record(KindLoginFailed, map[string]any{"n": 1})
	l.Record(KindRateLimited, map[string]any{"n": 2})

	if l.Len() != 2 {
		t.Fatalf("Len: expected 2 got %d", l.Len())
	}
	want := []Entry{
		{Time: base, Kind: KindLoginFailed, Detail: map[string]any{"n": 1}},
		{Time: base, Kind: KindRateLimited, Detail: map[string]any{"n": 2}},
	}
	if diff := cmp.Diff(want, l.Entries(), cmpopts.IgnoreFields(Entry{}, "ID")); diff != "" {
		t.Fatalf("Entries mismatch (-want +got):\n%s", diff)
	}
}

func TestRingOverwritesOldest(t *testing.T) {
	l := New(3, logging.Discard())
	for i := 1; i <= 5; i++ {
		l.Record(KindAdminAction, map[string]any{"n": i})
	}

	if l.Len() != 3 {
		t.Fatalf("Len: expected 3 got %d", l.Len())
	}
	if diff := cmp.Diff([]string{"3", "4", "5"}, kinds(l.Entries())); diff != "" {
		t.Fatalf("Entries mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"4", "5"}, kinds(l.Recent(2))); diff != "" {
		t.Fatalf("Recent(2) mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"3", "4", "5"}, kinds(l.Recent(10))); diff != "" {
		t.Fatalf("Recent(10) mismatch (-want +got):\n%s", diff)
	}
}

func TestDefaultCapacity(t *testing.T) {
	l := New(0, logging.Discard())
	for i := 0; i < DefaultCapacity+10; i++ {
		l.Record(KindSignup, nil)
	}
	if l.Len() != DefaultCapacity {
		t.Fatalf("Len: expected %d got %d", DefaultCapacity, l.Len())
	}
}
