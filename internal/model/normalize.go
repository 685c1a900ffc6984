package model

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrMissingKey is returned when a record carries no source URL. Such a
// record can never be stored, so callers treat it as a permanent failure.
var ErrMissingKey = errors.New("record has no source url")

// Score bounds. Values outside are dropped to NULL.
const (
	minGPA     = 0.0
	maxGPA     = 4.0
	minGRE     = 130.0
	maxGRE     = 170.0
	minWriting = 0.0
	maxWriting = 6.0
)

// dateLayouts are tried in order; the first successful parse wins.
var dateLayouts = []string{
	"02/01/2006",
	"01/02/2006",
	"January 2, 2006",
	"2006-01-02",
	"06-01-02",
	"02-01-2006",
	"02-01-06",
}

var statusAliases = map[string]Status{
	"accepted":    StatusAccepted,
	"rejected":    StatusRejected,
	"interview":   StatusInterview,
	"wait listed": StatusWaitlisted,
	"waitlisted":  StatusWaitlisted,
}

var citizenshipAliases = map[string]Citizenship{
	"american":      CitizenshipAmerican,
	"u":             CitizenshipAmerican,
	"international": CitizenshipInternational,
	"i":             CitizenshipInternational,
}

// KeyOf extracts the dedup key from a raw record without normalising it.
// It returns "" when the record is not a JSON object or has no URL.
func KeyOf(raw json.RawMessage) string {
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return ""
	}
	return firstString(fields, "url", "Url", "URL")
}

// ParseStatus maps a free-text status onto the enumeration. Unknown
// non-empty values become StatusOther; empty input yields "".
func ParseStatus(s string) Status {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	if st, ok := statusAliases[strings.ToLower(s)]; ok {
		return st
	}
	return StatusOther
}

// ParseCitizenship maps the demographic flag, defaulting to Unknown.
func ParseCitizenship(s string) Citizenship {
	if c, ok := citizenshipAliases[strings.ToLower(strings.TrimSpace(s))]; ok {
		return c
	}
	return CitizenshipUnknown
}

// ParseDate accepts the date formats seen in scraped entries.
func ParseDate(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// Normalize converts a raw scraped record into a CandidateRecord.
//
// Both the current record shape (applicant_status, citizenship, ...) and the
// legacy one (Acceptance Date, US/International, ...) are accepted. Fields
// that fail parsing or range checks are set to NULL and reported as issues;
// they never cause the record to be rejected. Only a missing URL or a
// payload that is not a JSON object returns an error.
func Normalize(raw json.RawMessage) (CandidateRecord, []Issue, error) {
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return CandidateRecord{}, nil, fmt.Errorf("record is not a JSON object: %w", err)
	}
	if fields == nil {
		return CandidateRecord{}, nil, errors.New("record is null")
	}

	cleaned, err := stripNUL(raw)
	if err != nil {
		return CandidateRecord{}, nil, fmt.Errorf("record is not a JSON object: %w", err)
	}

	rec := CandidateRecord{
		URL: firstString(fields, "url", "Url", "URL"),
		Raw: json.RawMessage(cleaned),
	}
	if rec.URL == "" {
		return CandidateRecord{}, nil, ErrMissingKey
	}

	n := &normalizer{fields: fields}
	if isCurrentFormat(fields) {
		n.current(&rec)
	} else {
		n.legacy(&rec)
	}
	return rec, n.issues, nil
}

// stripNUL returns raw with NUL characters removed from every string, keys
// included; Postgres rejects them in TEXT and JSONB. Documents without a
// \u0000 escape are returned unchanged. Escaped backslashes followed by the
// text "u0000" decode to ordinary characters and survive.
func stripNUL(raw json.RawMessage) (json.RawMessage, error) {
	if !bytes.Contains(raw, []byte(`\u0000`)) {
		return raw, nil
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(dropNUL(v)); err != nil {
		return nil, err
	}
	return json.RawMessage(bytes.TrimRight(buf.Bytes(), "\n")), nil
}

func dropNUL(v any) any {
	switch t := v.(type) {
	case string:
		return strings.ReplaceAll(t, "\x00", "")
	case []any:
		for i := range t {
			t[i] = dropNUL(t[i])
		}
		return t
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[strings.ReplaceAll(k, "\x00", "")] = dropNUL(val)
		}
		return out
	}
	return v
}

func isCurrentFormat(fields map[string]any) bool {
	for _, k := range []string{"applicant_status", "citizenship", "semester_year_start"} {
		if _, ok := fields[k]; ok {
			return true
		}
	}
	return false
}

type normalizer struct {
	fields map[string]any
	issues []Issue
}

func (n *normalizer) current(rec *CandidateRecord) {
	rec.Program = firstString(n.fields, "program")
	rec.University = firstString(n.fields, "university", "llm-generated-university")
	rec.Degree = firstString(n.fields, "masters_or_phd", "degree")
	rec.Status = ParseStatus(firstString(n.fields, "applicant_status"))
	rec.Term = firstString(n.fields, "semester_year_start")
	rec.Citizenship = ParseCitizenship(firstString(n.fields, "citizenship"))
	rec.Notes = firstString(n.fields, "comments")
	rec.DecisionDate = n.date("date_added")
	rec.GPA = n.score("gpa", "GPA", minGPA, maxGPA)
	rec.GREQuant = n.score("gre", "GRE", minGRE, maxGRE)
	rec.GREVerbal = n.score("gre_v", "GRE V", minGRE, maxGRE)
	rec.GREWriting = n.score("gre_aw", "GRE AW", minWriting, maxWriting)
}

func (n *normalizer) legacy(rec *CandidateRecord) {
	rec.Program = firstString(n.fields, "Program")
	rec.University = firstString(n.fields, "University", "LLM Generated University")
	rec.Degree = firstString(n.fields, "Degree")
	rec.Term = firstString(n.fields, "Term")
	rec.Citizenship = ParseCitizenship(firstString(n.fields, "US/International"))
	rec.Notes = firstString(n.fields, "Notes")

	switch {
	case firstString(n.fields, "Acceptance Date") != "":
		rec.Status = StatusAccepted
		rec.DecisionDate = n.date("Acceptance Date")
	case firstString(n.fields, "Rejection Date") != "":
		rec.Status = StatusRejected
		rec.DecisionDate = n.date("Rejection Date")
	default:
		rec.Status = ParseStatus(firstString(n.fields, "Status"))
	}

	rec.GPA = n.score("GPA", "GPA", minGPA, maxGPA)
	rec.GREQuant = n.score("GRE General", "GRE", minGRE, maxGRE)
	rec.GREVerbal = n.score("GRE Verbal", "GRE V", minGRE, maxGRE)
	rec.GREWriting = n.score("GRE Analytical Writing", "GRE AW", minWriting, maxWriting)
}

func (n *normalizer) date(key string) *time.Time {
	s := firstString(n.fields, key)
	if s == "" {
		return nil
	}
	t, ok := ParseDate(s)
	if !ok {
		n.issues = append(n.issues, Issue{Field: key, Value: s, Reason: "unparseable date"})
		return nil
	}
	return &t
}

// score reads a numeric field that may arrive as a number or as a string
// with a label prefix ("GPA 3.81").
func (n *normalizer) score(key, prefix string, lo, hi float64) *float64 {
	v, ok := n.fields[key]
	if !ok || v == nil {
		return nil
	}

	var f float64
	switch t := v.(type) {
	case float64:
		f = t
	case string:
		s := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(t), prefix))
		if s == "" {
			return nil
		}
		parsed, err := strconv.ParseFloat(s, 64)
		if err != nil {
			n.issues = append(n.issues, Issue{Field: key, Value: t, Reason: "not a number"})
			return nil
		}
		f = parsed
	default:
		n.issues = append(n.issues, Issue{Field: key, Value: fmt.Sprint(v), Reason: "unexpected type"})
		return nil
	}

	if f < lo || f > hi {
		n.issues = append(n.issues, Issue{
			Field:  key,
			Value:  strconv.FormatFloat(f, 'f', -1, 64),
			Reason: fmt.Sprintf("out of range [%g, %g]", lo, hi),
		})
		return nil
	}
	return &f
}

// firstString returns the first non-empty string value among keys, with
// NUL bytes removed and surrounding whitespace trimmed.
func firstString(fields map[string]any, keys ...string) string {
	for _, k := range keys {
		s, ok := fields[k].(string)
		if !ok {
			continue
		}
		s = strings.TrimSpace(strings.ReplaceAll(s, "\x00", ""))
		if s != "" {
			return s
		}
	}
	return ""
}
