// Package model defines the admissions record shared by the publisher and the worker.
package model

import (
	"encoding/json"
	"time"
)

// Status values mirror the status column of the admissions table.
type Status string

const (
	StatusAccepted   Status = "Accepted"
	StatusRejected   Status = "Rejected"
	StatusInterview  Status = "Interview"
	StatusWaitlisted Status = "Waitlisted"
	StatusOther      Status = "Other"
)

// Citizenship is the applicant's demographic flag.
type Citizenship string

const (
	CitizenshipAmerican      Citizenship = "American"
	CitizenshipInternational Citizenship = "International"
	CitizenshipUnknown       Citizenship = "Unknown"
)

// CandidateRecord is a normalised admissions entry ready for the store.
// Empty strings and nil pointers are persisted as NULL.
type CandidateRecord struct {
	URL          string          `json:"url"`
	Program      string          `json:"program,omitempty"`
	University   string          `json:"university,omitempty"`
	Degree       string          `json:"degree,omitempty"`
	Status       Status          `json:"status,omitempty"`
	Term         string          `json:"term,omitempty"`
	DecisionDate *time.Time      `json:"decisionDate,omitempty"`
	Citizenship  Citizenship     `json:"citizenship"`
	GPA          *float64        `json:"gpa,omitempty"`
	GREQuant     *float64        `json:"greQuant,omitempty"`
	GREVerbal    *float64        `json:"greVerbal,omitempty"`
	GREWriting   *float64        `json:"greWriting,omitempty"`
	Notes        string          `json:"notes,omitempty"`
	Raw          json.RawMessage `json:"raw"`
}

// Issue records a field that was dropped to NULL during normalisation.
type Issue struct {
	Field  string
	Value  string
	Reason string
}

func (i Issue) String() string {
	return i.Field + "=" + i.Value + " (" + i.Reason + ")"
}
