package source_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"gradcafe/ingest/internal/source"
)

func writeSeed(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "seed.json")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write seed: %v", err)
	}
	return path
}

func markers(p source.Page) []int64 {
	out := make([]int64, 0, len(p.Records))
	for _, r := range p.Records {
		out = append(out, r.Marker)
	}
	return out
}

// ── File ───────────────────────────────────────────────────────────────────

func TestFile_ArrayPagesAndResumes(t *testing.T) {
	path := writeSeed(t, `[{"url":"u1"},{"url":"u2"},{"url":"u3"}]`)
	src := source.NewFile(path)
	ctx := context.Background()

	first, err := src.Fetch(ctx, 0, 2)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if got := markers(first); fmt.Sprint(got) != "[1 2]" {
		t.Errorf("first page markers = %v, want [1 2]", got)
	}
	if first.Done || first.Next != 2 {
		t.Errorf("first page Done=%t Next=%d, want false/2", first.Done, first.Next)
	}
	if first.Records[0].Key != "u1" {
		t.Errorf("Key = %q, want u1", first.Records[0].Key)
	}

	second, err := src.Fetch(ctx, first.Next, 2)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if got := markers(second); fmt.Sprint(got) != "[3]" {
		t.Errorf("second page markers = %v, want [3]", got)
	}
	if !second.Done || second.Next != 3 {
		t.Errorf("second page Done=%t Next=%d, want true/3", second.Done, second.Next)
	}

	// Restartable: the same marker yields the same records.
	again, _ := src.Fetch(ctx, 0, 2)
	if fmt.Sprint(markers(again)) != fmt.Sprint(markers(first)) {
		t.Errorf("refetch from 0 = %v, want %v", markers(again), markers(first))
	}
}

func TestFile_NDJSONSkipsBrokenLinesKeepingPositions(t *testing.T) {
	path := writeSeed(t, "{\"url\":\"u1\"}\n{broken\n\n{\"url\":\"u3\"}\n")
	page, err := source.NewFile(path).Fetch(context.Background(), 0, 10)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if got := markers(page); fmt.Sprint(got) != "[1 3]" {
		t.Errorf("markers = %v, want [1 3]", got)
	}
	if !page.Done {
		t.Error("expected Done at end of file")
	}
}

func TestFile_PastEndIsDone(t *testing.T) {
	path := writeSeed(t, `[{"url":"u1"}]`)
	page, err := source.NewFile(path).Fetch(context.Background(), 5, 10)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(page.Records) != 0 || !page.Done || page.Next != 5 {
		t.Errorf("page = %+v, want empty, done, next 5", page)
	}
}

func TestFile_ArrayReadsOnlyUpToThePage(t *testing.T) {
	// Everything past the third entry is truncated; a page that stops
	// before it must never parse that far.
	path := writeSeed(t, `[{"url":"u1"},{"url":"u2"},{"url":"u3"},{"url":`)
	src := source.NewFile(path)
	ctx := context.Background()

	page, err := src.Fetch(ctx, 0, 2)
	if err != nil {
		t.Fatalf("Fetch(0, 2): %v", err)
	}
	if got := markers(page); fmt.Sprint(got) != "[1 2]" || page.Done {
		t.Errorf("Fetch(0, 2) = %v done=%t, want [1 2] not done", got, page.Done)
	}

	page, err = src.Fetch(ctx, 1, 1)
	if err != nil {
		t.Fatalf("Fetch(1, 1): %v", err)
	}
	if got := markers(page); fmt.Sprint(got) != "[2]" {
		t.Errorf("Fetch(1, 1) = %v, want [2]", got)
	}

	if _, err := src.Fetch(ctx, 3, 1); err == nil {
		t.Error("Fetch reaching the truncated entry should fail")
	}
}

func TestFile_NDJSONReadsOnlyUpToThePage(t *testing.T) {
	var b strings.Builder
	for i := 1; i <= 5; i++ {
		fmt.Fprintf(&b, "{\"url\":\"u%d\"}\n", i)
	}
	// A line longer than the scanner allows makes any read that reaches it fail.
	b.WriteString(`{"url":"u6","notes":"` + strings.Repeat("x", 17*1024*1024) + "\"}\n")
	path := writeSeed(t, b.String())
	src := source.NewFile(path)

	page, err := src.Fetch(context.Background(), 2, 2)
	if err != nil {
		t.Fatalf("Fetch(2, 2): %v", err)
	}
	if got := markers(page); fmt.Sprint(got) != "[3 4]" || page.Done || page.Next != 4 {
		t.Errorf("Fetch(2, 2) = %v done=%t next=%d, want [3 4] not done next 4", got, page.Done, page.Next)
	}

	if _, err := src.Fetch(context.Background(), 4, 5); err == nil {
		t.Error("Fetch reaching the oversized line should fail")
	}
}

func TestFile_EmptyFileIsDone(t *testing.T) {
	page, err := source.NewFile(writeSeed(t, "  \n")).Fetch(context.Background(), 0, 10)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(page.Records) != 0 || !page.Done || page.Next != 0 {
		t.Errorf("page = %+v, want empty, done, next 0", page)
	}
}

func TestFile_MissingFileIsError(t *testing.T) {
	_, err := source.NewFile(filepath.Join(t.TempDir(), "absent.json")).Fetch(context.Background(), 0, 1)
	if err == nil {
		t.Error("Fetch on a missing file should fail")
	}
}

// ── HTTP ───────────────────────────────────────────────────────────────────

func listingServer(t *testing.T, total int) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		results := []map[string]string{}
		for i := offset; i < total && i < offset+limit; i++ {
			results = append(results, map[string]string{"url": fmt.Sprintf("u%d", i+1)})
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"results": results})
	}))
}

func TestHTTP_WalksPagesUpToLimit(t *testing.T) {
	srv := listingServer(t, 7)
	defer srv.Close()

	src := source.NewHTTP(srv.URL, 0)
	src.PageSize = 2

	page, err := src.Fetch(context.Background(), 0, 5)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if got := markers(page); fmt.Sprint(got) != "[1 2 3 4 5]" {
		t.Errorf("markers = %v, want [1 2 3 4 5]", got)
	}
	if page.Done {
		t.Error("listing has more records; Done should be false")
	}
	if page.Records[4].Key != "u5" {
		t.Errorf("Key = %q, want u5", page.Records[4].Key)
	}

	rest, err := src.Fetch(context.Background(), page.Next, 5)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if got := markers(rest); fmt.Sprint(got) != "[6 7]" {
		t.Errorf("markers = %v, want [6 7]", got)
	}
	if !rest.Done || rest.Next != 7 {
		t.Errorf("Done=%t Next=%d, want true/7", rest.Done, rest.Next)
	}
}

func TestHTTP_UpstreamErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "slow down", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	_, err := source.NewHTTP(srv.URL, 0).Fetch(context.Background(), 0, 3)
	if err == nil {
		t.Error("Fetch should fail on a 429 response")
	}
}
