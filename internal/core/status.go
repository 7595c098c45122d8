package core

import (
	"encoding/json"
	"fmt"
	"time"
)

// Status is the latest progress tag of a job.
type Status string

const (
	StatusUploaded  Status = "UPLOADED"
	StatusOCRStart  Status = "OCR-START"
	StatusOCRDone   Status = "OCR-DONE"
	StatusGIFStart  Status = "GIF-START"
	StatusGIFDone   Status = "GIF-DONE"
	StatusPDFStart  Status = "PDF-START"
	StatusPDFDone   Status = "PDF-DONE"
	StatusFileStart Status = "FILE-START"
	StatusFileDone  Status = "FILE-DONE"
	StatusAbort     Status = "ABORT"
)

type branch int

const (
	branchUpload branch = iota
	branchText
	branchAnimation
	branchFile
	branchAbort
)

// branchNames key the high-water marks of a stored record.
var branchNames = map[branch]string{
	branchText:      "text",
	branchAnimation: "animation",
	branchFile:      "file",
}

type statusInfo struct {
	branch branch
	rank   int
}

// statusTable places every tag on its branch trace. Rank orders tags within
// a branch only; tags of different branches are not comparable.
var statusTable = map[Status]statusInfo{
	StatusUploaded:  {branchUpload, 0},
	StatusOCRStart:  {branchText, 1},
	StatusOCRDone:   {branchText, 2},
	StatusPDFStart:  {branchText, 3},
	StatusPDFDone:   {branchText, 4},
	StatusGIFStart:  {branchAnimation, 1},
	StatusGIFDone:   {branchAnimation, 2},
	StatusFileStart: {branchFile, 1},
	StatusFileDone:  {branchFile, 2},
	StatusAbort:     {branchAbort, 0},
}

// ParseStatus converts a stored tag back into a Status.
func ParseStatus(s string) (Status, error) {
	st := Status(s)
	if _, ok := statusTable[st]; !ok {
		return "", fmt.Errorf("unknown job status %q", s)
	}
	return st, nil
}

// IsValid reports whether s is one of the known tags.
func (s Status) IsValid() bool {
	_, ok := statusTable[s]
	return ok
}

// IsTerminal reports whether no stage may move the job past s.
func (s Status) IsTerminal() bool {
	return s == StatusAbort || s == StatusFileDone
}

// CanTransition reports whether a job whose latest tag is from may be moved
// to the tag to.
//
// ABORT is reachable from everywhere and absorbs everything. FILE-DONE only
// yields to ABORT. Within one branch tags only move forward; rewriting the
// current tag is allowed and only refreshes the entry. Once the join has
// started, late writes from the upstream branches are refused so the
// visible status never falls back.
func CanTransition(from, to Status) bool {
	fi, ok := statusTable[from]
	if !ok {
		return false
	}
	ti, ok := statusTable[to]
	if !ok {
		return false
	}
	switch {
	case from == StatusAbort:
		return to == StatusAbort
	case to == StatusAbort:
		return true
	case from == to:
		return from != StatusFileDone
	case from == StatusFileDone:
		return false
	case to == StatusUploaded:
		return false
	}
	if fi.branch == ti.branch {
		return ti.rank > fi.rank
	}
	if fi.branch == branchFile {
		return false
	}
	return true
}

// StatusRecord is the value held for a job in the status store. Status is
// the latest tag; Marks holds the highest rank each branch has reached so a
// branch cannot fall back after another branch wrote in between. CreatedAt
// anchors the absolute expiry ceiling.
type StatusRecord struct {
	Status    Status         `json:"status"`
	Marks     map[string]int `json:"marks,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// NewStatusRecord starts a record at status.
func NewStatusRecord(status Status, createdAt time.Time) StatusRecord {
	r := StatusRecord{Status: status, CreatedAt: createdAt}
	r.raiseMark(status)
	return r
}

func (r *StatusRecord) raiseMark(status Status) {
	info := statusTable[status]
	name, ok := branchNames[info.branch]
	if !ok {
		return
	}
	if r.Marks == nil {
		r.Marks = make(map[string]int)
	}
	if info.rank > r.Marks[name] {
		r.Marks[name] = info.rank
	}
}

// Advance moves the record to status and returns the prior tag. It reports
// false, leaving the record unchanged, when the transition table refuses the
// move or the branch of status has already reached that rank. Rewriting the
// latest tag is a refresh and is allowed.
func (r *StatusRecord) Advance(status Status) (Status, bool) {
	prior := r.Status
	if !CanTransition(prior, status) {
		return prior, false
	}
	if status != prior {
		info := statusTable[status]
		if name, ok := branchNames[info.branch]; ok && info.rank <= r.Marks[name] {
			return prior, false
		}
	}
	r.Status = status
	r.raiseMark(status)
	return prior, true
}

// Expired reports whether the record is past the absolute ceiling.
func (r StatusRecord) Expired(now time.Time, ceiling time.Duration) bool {
	return ceiling > 0 && now.Sub(r.CreatedAt) >= ceiling
}

// Remaining returns how long the entry may live from now: the sliding
// window, capped by what is left of the absolute ceiling.
func (r StatusRecord) Remaining(now time.Time, sliding, ceiling time.Duration) time.Duration {
	ttl := sliding
	if ceiling > 0 {
		left := ceiling - now.Sub(r.CreatedAt)
		if ttl <= 0 || left < ttl {
			ttl = left
		}
	}
	return ttl
}

// MarshalStatusRecord encodes a record for storage.
func MarshalStatusRecord(r StatusRecord) ([]byte, error) {
	return json.Marshal(r)
}

// UnmarshalStatusRecord decodes a stored record and validates its tag.
func UnmarshalStatusRecord(data []byte) (StatusRecord, error) {
	var r StatusRecord
	if err := json.Unmarshal(data, &r); err != nil {
		return StatusRecord{}, fmt.Errorf("decode status record: %w", err)
	}
	if !r.Status.IsValid() {
		return StatusRecord{}, fmt.Errorf("decode status record: unknown status %q", r.Status)
	}
	r.raiseMark(r.Status)
	return r, nil
}
