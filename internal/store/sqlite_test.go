package store_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"

	"gradcafe/ingest/internal/model"
	"gradcafe/ingest/internal/store"
)

func openStore(t *testing.T, policy store.Policy) store.Store {
	t.Helper()
	s, err := store.Open(context.Background(), "sqlite::memory:", policy)
	if err != nil {
		t.Fatalf("store.Open(sqlite::memory:) failed: %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

func gpa(v float64) *float64 { return &v }

func record(url, program string) model.CandidateRecord {
	return model.CandidateRecord{
		URL:         url,
		Program:     program,
		Status:      model.StatusAccepted,
		Citizenship: model.CitizenshipUnknown,
		GPA:         gpa(3.7),
		Raw:         []byte(`{"url":"` + url + `"}`),
	}
}

// ── Upsert ─────────────────────────────────────────────────────────────────

func TestUpsert_RepeatedDeliveryKeepsOneRow(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, store.PolicyRefresh)

	for i := 1; i <= 5; i++ {
		res, err := s.Upsert(ctx, record("u1", "CS"), "gradcafe", 10)
		if err != nil {
			t.Fatalf("Upsert #%d: %v", i, err)
		}
		want := store.Refreshed
		if i == 1 {
			want = store.Inserted
		}
		if res != want {
			t.Errorf("Upsert #%d = %s, want %s", i, res, want)
		}
	}

	n, err := s.Count(ctx)
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n != 1 {
		t.Errorf("Count = %d, want 1", n)
	}

	e, err := s.Lookup(ctx, "u1")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if e.Deliveries != 5 {
		t.Errorf("Deliveries = %d, want 5", e.Deliveries)
	}
}

func TestUpsert_RefreshOverwritesFields(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, store.PolicyRefresh)

	if _, err := s.Upsert(ctx, record("u1", "CS"), "gradcafe", 1); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if _, err := s.Upsert(ctx, record("u1", "Physics"), "gradcafe", 2); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	e, err := s.Lookup(ctx, "u1")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if e.Program != "Physics" || e.Marker != 2 {
		t.Errorf("Lookup = %+v, want program Physics at marker 2", e)
	}
}

func TestUpsert_RefreshIgnoresOlderMarker(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, store.PolicyRefresh)

	if _, err := s.Upsert(ctx, record("u1", "Newer"), "gradcafe", 9); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	res, err := s.Upsert(ctx, record("u1", "Older"), "gradcafe", 3)
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if res != store.Duplicate {
		t.Errorf("stale Upsert = %s, want duplicate", res)
	}

	e, err := s.Lookup(ctx, "u1")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if e.Program != "Newer" || e.Marker != 9 {
		t.Errorf("stale delivery overwrote row: %+v", e)
	}
}

func TestUpsert_SkipLeavesRowUntouched(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, store.PolicySkip)

	if _, err := s.Upsert(ctx, record("u1", "CS"), "gradcafe", 1); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	res, err := s.Upsert(ctx, record("u1", "Physics"), "gradcafe", 2)
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if res != store.Duplicate {
		t.Errorf("second Upsert = %s, want duplicate", res)
	}

	e, err := s.Lookup(ctx, "u1")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if e.Program != "CS" || e.Marker != 1 || e.Deliveries != 2 {
		t.Errorf("Lookup = %+v, want program CS, marker 1, deliveries 2", e)
	}
}

func TestUpsert_NullableFields(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, store.PolicyRefresh)

	rec := model.CandidateRecord{URL: "u1", Citizenship: model.CitizenshipUnknown}
	if _, err := s.Upsert(ctx, rec, "gradcafe", 1); err != nil {
		t.Fatalf("Upsert with only a key: %v", err)
	}
	e, err := s.Lookup(ctx, "u1")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if e.Program != "" || e.Status != "" || e.GPA != nil {
		t.Errorf("expected NULL fields, got %+v", e)
	}
}

func TestUpsert_EmptyKeyIsPermanent(t *testing.T) {
	s := openStore(t, store.PolicyRefresh)
	_, err := s.Upsert(context.Background(), record("", "CS"), "gradcafe", 1)
	if !store.IsPermanent(err) {
		t.Errorf("Upsert with empty url: err = %v, want permanent", err)
	}
}

func TestUpsert_ConcurrentSameKey(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, store.PolicyRefresh)

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(marker int64) {
			defer wg.Done()
			if _, err := s.Upsert(ctx, record("shared", "CS"), "gradcafe", marker); err != nil {
				errs <- err
			}
		}(int64(i + 1))
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("concurrent Upsert: %v", err)
	}

	n, err := s.Count(ctx)
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n != 1 {
		t.Errorf("Count = %d, want 1", n)
	}
}

func TestLookup_NotFound(t *testing.T) {
	s := openStore(t, store.PolicyRefresh)
	if _, err := s.Lookup(context.Background(), "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Lookup(missing) err = %v, want ErrNotFound", err)
	}
}

// ── Watermarks ─────────────────────────────────────────────────────────────

func TestWatermark_AbsentForNewSource(t *testing.T) {
	s := openStore(t, store.PolicyRefresh)
	_, ok, err := s.Watermark(context.Background(), "gradcafe")
	if err != nil {
		t.Fatalf("Watermark: %v", err)
	}
	if ok {
		t.Error("Watermark for a new source should be absent")
	}
}

func TestAdvance_NeverRegresses(t *testing.T) {
	orders := [][]int64{
		{1, 2, 3, 4, 5},
		{5, 4, 3, 2, 1},
		{3, 1, 5, 2, 4},
		{2, 2, 2, 5, 5},
	}
	for _, order := range orders {
		t.Run(fmt.Sprint(order), func(t *testing.T) {
			ctx := context.Background()
			s := openStore(t, store.PolicyRefresh)

			var highest int64
			for _, m := range order {
				advanced, err := s.Advance(ctx, "gradcafe", m)
				if err != nil {
					t.Fatalf("Advance(%d): %v", m, err)
				}
				if advanced != (m > highest) {
					t.Errorf("Advance(%d) = %t with stored %d", m, advanced, highest)
				}
				if m > highest {
					highest = m
				}

				wm, ok, err := s.Watermark(ctx, "gradcafe")
				if err != nil || !ok {
					t.Fatalf("Watermark: ok=%t err=%v", ok, err)
				}
				if wm.Marker != highest {
					t.Errorf("after Advance(%d) marker = %d, want %d", m, wm.Marker, highest)
				}
			}
		})
	}
}

func TestAdvance_SourcesAreIndependent(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, store.PolicyRefresh)

	if _, err := s.Advance(ctx, "a", 10); err != nil {
		t.Fatalf("Advance: %v", err)
	}
	if _, err := s.Advance(ctx, "b", 2); err != nil {
		t.Fatalf("Advance: %v", err)
	}
	wm, _, _ := s.Watermark(ctx, "b")
	if wm.Marker != 2 {
		t.Errorf("source b marker = %d, want 2", wm.Marker)
	}
}

func TestReset_RollsBackAndDeletes(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, store.PolicyRefresh)

	if _, err := s.Advance(ctx, "gradcafe", 50); err != nil {
		t.Fatalf("Advance: %v", err)
	}
	if err := s.Reset(ctx, "gradcafe", 10); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	wm, _, _ := s.Watermark(ctx, "gradcafe")
	if wm.Marker != 10 {
		t.Errorf("after Reset marker = %d, want 10", wm.Marker)
	}

	if err := s.Reset(ctx, "gradcafe", 0); err != nil {
		t.Fatalf("Reset(0): %v", err)
	}
	if _, ok, _ := s.Watermark(ctx, "gradcafe"); ok {
		t.Error("Reset(0) should delete the watermark")
	}
}

// ── Policy / classification ────────────────────────────────────────────────

func TestParsePolicy(t *testing.T) {
	for in, want := range map[string]store.Policy{"skip": store.PolicySkip, " Refresh ": store.PolicyRefresh} {
		got, err := store.ParsePolicy(in)
		if err != nil || got != want {
			t.Errorf("ParsePolicy(%q) = %q, %v; want %q", in, got, err, want)
		}
	}
	if _, err := store.ParsePolicy("merge"); err == nil {
		t.Error("ParsePolicy(\"merge\") expected error")
	}
}

func TestIsPermanent(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{context.DeadlineExceeded, false},
		{errors.New("connection refused"), false},
		{&pgconn.PgError{Code: "23505"}, true},
		{&pgconn.PgError{Code: "22P02"}, true},
		{&pgconn.PgError{Code: "08006"}, false},
		{fmt.Errorf("wrapped: %w", model.ErrMissingKey), true},
		{fmt.Errorf("wrapped: %w", store.ErrPermanent), true},
	}
	for _, c := range cases {
		if got := store.IsPermanent(c.err); got != c.want {
			t.Errorf("IsPermanent(%v) = %t, want %t", c.err, got, c.want)
		}
	}
}
