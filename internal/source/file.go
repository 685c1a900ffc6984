package source

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"gradcafe/ingest/internal/model"
)

// File serves records from a seed file holding either a JSON array or
// newline-delimited JSON objects. The marker of a record is its 1-based
// position in the file. Lines that are not valid JSON are skipped but still
// consume a position, so markers stay stable across edits that only fix
// broken lines.
//
// The file is streamed: a Fetch reads at most after+limit+1 entries and
// never holds more than one page in memory.
type File struct {
	path string
}

var _ Source = (*File)(nil)

// NewFile returns a Source reading path on every Fetch.
func NewFile(path string) *File {
	return &File{path: path}
}

// entries yields the file's entries in order. A nil entry is an unparseable
// line that still occupies a position; ok is false at end of file.
type entries interface {
	next() (raw json.RawMessage, ok bool, err error)
}

// Fetch returns up to limit records after the given marker.
func (f *File) Fetch(ctx context.Context, after int64, limit int) (Page, error) {
	if limit <= 0 {
		return Page{Next: after}, nil
	}

	fh, err := os.Open(f.path)
	if err != nil {
		return Page{}, fmt.Errorf("read seed file: %w", err)
	}
	defer fh.Close()

	it, err := f.open(bufio.NewReaderSize(fh, 64*1024))
	if err != nil {
		return Page{}, err
	}

	page := Page{Next: after}
	for pos := int64(0); pos < after; pos++ {
		if pos%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return Page{}, err
			}
		}
		_, ok, err := it.next()
		if err != nil {
			return Page{}, err
		}
		if !ok {
			page.Done = true
			return page, nil
		}
	}

	for {
		if err := ctx.Err(); err != nil {
			return Page{}, err
		}
		raw, ok, err := it.next()
		if err != nil {
			return Page{}, err
		}
		if !ok {
			page.Done = true
			return page, nil
		}
		if len(page.Records) == limit {
			// Something follows the page, so it is not the last one.
			return page, nil
		}
		page.Next++
		if raw == nil {
			continue
		}
		page.Records = append(page.Records, RawRecord{
			Marker: page.Next,
			Key:    model.KeyOf(raw),
			Data:   raw,
		})
	}
}

// open sniffs the first non-space byte to pick the array or line reader.
func (f *File) open(r *bufio.Reader) (entries, error) {
	for {
		b, err := r.Peek(1)
		if errors.Is(err, io.EOF) {
			return emptyEntries{}, nil
		}
		if err != nil {
			return nil, fmt.Errorf("read seed file: %w", err)
		}
		switch b[0] {
		case ' ', '\t', '\r', '\n':
			_, _ = r.ReadByte()
			continue
		case '[':
			return &arrayEntries{dec: json.NewDecoder(r)}, nil
		}
		sc := bufio.NewScanner(r)
		sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
		return &lineEntries{sc: sc, path: f.path}, nil
	}
}

type emptyEntries struct{}

func (emptyEntries) next() (json.RawMessage, bool, error) { return nil, false, nil }

type arrayEntries struct {
	dec     *json.Decoder
	started bool
}

func (a *arrayEntries) next() (json.RawMessage, bool, error) {
	if !a.started {
		if _, err := a.dec.Token(); err != nil {
			return nil, false, fmt.Errorf("parse seed array: %w", err)
		}
		a.started = true
	}
	if !a.dec.More() {
		return nil, false, nil
	}
	var raw json.RawMessage
	if err := a.dec.Decode(&raw); err != nil {
		return nil, false, fmt.Errorf("parse seed array: %w", err)
	}
	return raw, true, nil
}

type lineEntries struct {
	sc   *bufio.Scanner
	path string
	line int
}

func (l *lineEntries) next() (json.RawMessage, bool, error) {
	for l.sc.Scan() {
		l.line++
		text := bytes.TrimSpace(l.sc.Bytes())
		if len(text) == 0 {
			continue
		}
		if !json.Valid(text) {
			slog.Warn("seed file: skipping invalid line", "path", l.path, "line", l.line)
			return nil, true, nil
		}
		return append(json.RawMessage(nil), text...), true, nil
	}
	if err := l.sc.Err(); err != nil {
		return nil, false, fmt.Errorf("scan seed file: %w", err)
	}
	return nil, false, nil
}
