// Package archive keeps copies of parse-stage payloads for audit.
//
// Archiving is optional and best effort: the pipeline logs a failed archive
// write and carries on.
package archive

import (
	"context"
	"fmt"
	"strings"
)

// Sink stores one payload under key.
type Sink interface {
	Put(ctx context.Context, key string, data []byte) error
}

// Archiver maps run IDs to keys under a prefix and writes to a Sink.
type Archiver struct {
	sink   Sink
	prefix string
}

func New(sink Sink, prefix string) *Archiver {
	return &Archiver{sink: sink, prefix: strings.TrimLeft(strings.TrimSpace(prefix), "/")}
}

// Key returns the object key used for runID.
func (a *Archiver) Key(runID string) string {
	return a.prefix + runID + ".json"
}

func (a *Archiver) Archive(ctx context.Context, runID string, payload []byte) error {
	if strings.TrimSpace(runID) == "" {
		return fmt.Errorf("run_id is required")
	}
	return a.sink.Put(ctx, a.Key(runID), payload)
}
