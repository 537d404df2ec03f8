// Package job defines the unit of work carried on the queue.
package job

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"boxrelay/internal/link"
)

var ErrInvalidEnvelope = errors.New("invalid job envelope")

// Envelope is one queued job. It is created by intake, owned by exactly one
// worker execution after the pop, and never written back to the queue.
type Envelope struct {
	// JobID correlates logs and progress for one execution. Older producers
	// omit it; Decode fills a fresh one.
	JobID string `json:"jobId,omitempty"`

	Link                 string `json:"link"`
	NormalizedLink       string `json:"normalizedLink"`
	LinkHash             string `json:"linkHash"`
	RequesterID          int64  `json:"requesterId"`
	DestinationID        int64  `json:"destinationId"`
	CorrelationMessageID int    `json:"correlationMessageId"`
	EnqueuedAt           int64  `json:"enqueuedAt,omitempty"` // unix millis

	// Stream is filled by the worker after resolution, in memory only.
	Stream *StreamMetadata `json:"streamMetadata,omitempty"`
}

// StreamMetadata is what resolution learned about the content.
type StreamMetadata struct {
	StreamURL    string        `json:"streamUrl,omitempty"`
	Name         string        `json:"name,omitempty"`
	Duration     time.Duration `json:"duration,omitempty"`
	Quality      string        `json:"quality,omitempty"`
	SizeText     string        `json:"size,omitempty"`
	ThumbnailURL string        `json:"thumbnail,omitempty"`
}

// New builds an envelope for a raw user link.
func New(raw string, requesterID, destinationID int64, statusMessageID int) Envelope {
	norm := link.Normalize(raw)
	return Envelope{
		JobID:                uuid.NewString(),
		Link:                 strings.TrimSpace(raw),
		NormalizedLink:       norm,
		LinkHash:             link.Hash(norm),
		RequesterID:          requesterID,
		DestinationID:        destinationID,
		CorrelationMessageID: statusMessageID,
		EnqueuedAt:           time.Now().UnixMilli(),
	}
}

// Validate checks required fields once so the pipeline can trust them.
func (e Envelope) Validate() error {
	switch {
	case strings.TrimSpace(e.Link) == "":
		return fmt.Errorf("%w: link is empty", ErrInvalidEnvelope)
	case e.NormalizedLink == "":
		return fmt.Errorf("%w: normalizedLink is empty", ErrInvalidEnvelope)
	case len(e.LinkHash) != 64:
		return fmt.Errorf("%w: linkHash %q is not a sha256 hex digest", ErrInvalidEnvelope, e.LinkHash)
	case e.RequesterID == 0:
		return fmt.Errorf("%w: requesterId is zero", ErrInvalidEnvelope)
	case e.DestinationID == 0:
		return fmt.Errorf("%w: destinationId is zero", ErrInvalidEnvelope)
	}
	return nil
}

// Encode serializes the envelope for the queue. Stream metadata is never
// enqueued.
func Encode(e Envelope) ([]byte, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	e.Stream = nil
	return json.Marshal(e)
}

// Decode parses and validates a queue payload.
func Decode(b []byte) (Envelope, error) {
	var e Envelope
	dec := json.NewDecoder(bytes.NewReader(b))
	if err := dec.Decode(&e); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	if err := e.Validate(); err != nil {
		return Envelope{}, err
	}
	if e.JobID == "" {
		e.JobID = uuid.NewString()
	}
	return e, nil
}

// ShortHash is the prefix used in file names and captions.
func (e Envelope) ShortHash() string {
	if len(e.LinkHash) < 16 {
		return e.LinkHash
	}
	return e.LinkHash[:16]
}
