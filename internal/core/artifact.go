package core

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Artifact extensions carried between stages.
const (
	ExtUpload  = ".img"
	ExtText    = ".txt"
	ExtGIF     = ".gif"
	ExtPDF     = ".pdf"
	ExtArchive = ".zip"
)

// Artifact is the message payload exchanged by every stage. Field names are
// part of the wire format.
type Artifact struct {
	ID        string   `json:"Id"`
	Extension string   `json:"Extension"`
	Files     [][]byte `json:"Files"`
}

// Validate checks the fields every consumer relies on.
func (a *Artifact) Validate() error {
	if !IsValidJobID(a.ID) {
		return fmt.Errorf("invalid job id %q", a.ID)
	}
	if a.Extension == "" {
		return errors.New("missing extension")
	}
	if len(a.Files) == 0 {
		return errors.New("no files")
	}
	return nil
}

// Encode serializes the artifact for publishing.
func (a *Artifact) Encode() ([]byte, error) {
	data, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("encode artifact %s: %w", a.ID, err)
	}
	return data, nil
}

// DecodeArtifact parses and validates a payload. Every failure is permanent.
func DecodeArtifact(data []byte) (*Artifact, error) {
	var a Artifact
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, Permanent(fmt.Errorf("decode artifact: %w", err))
	}
	if err := a.Validate(); err != nil {
		return nil, Permanent(fmt.Errorf("decode artifact: %w", err))
	}
	return &a, nil
}
