// Package client implements the LogDNA ingestion API client: a reusable
// request template, a streaming JSON serializer over pooled segmented
// buffers, gzip compression, and a DNS-resolving HTTP transport.
package client

import (
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/IBM/docker-logdna/bufpool"
)

// KeyValueMap holds string keys and values for the annotation and label
// fields of a line.
type KeyValueMap map[string]string

// Line is a single log line for the ingestion API. Only the line text is
// required; nil optional fields are omitted from the serialized output.
type Line struct {
	Annotations KeyValueMap
	App         *string
	Env         *string
	File        *string
	Host        *string
	Labels      KeyValueMap
	Level       *string
	Meta        json.RawMessage
	Line        string
}

// LineBuilder assembles a Line, tracking which optional fields were set.
type LineBuilder struct {
	line        *string
	annotations KeyValueMap
	app         *string
	env         *string
	file        *string
	host        *string
	labels      KeyValueMap
	level       *string
	meta        json.RawMessage
}

// NewLine returns an empty LineBuilder.
func NewLine() *LineBuilder {
	return &LineBuilder{}
}

// Line sets the required line text.
func (b *LineBuilder) Line(s string) *LineBuilder {
	b.line = &s
	return b
}

// App sets the app field.
func (b *LineBuilder) App(s string) *LineBuilder {
	b.app = &s
	return b
}

// Env sets the env field.
func (b *LineBuilder) Env(s string) *LineBuilder {
	b.env = &s
	return b
}

// File sets the file field.
func (b *LineBuilder) File(s string) *LineBuilder {
	b.file = &s
	return b
}

// Host sets the host field.
func (b *LineBuilder) Host(s string) *LineBuilder {
	b.host = &s
	return b
}

// Level sets the level field, conventionally one of TRACE, DEBUG, INFO,
// WARN, ERROR or FATAL.
func (b *LineBuilder) Level(s string) *LineBuilder {
	b.level = &s
	return b
}

// Labels sets the label map. A non-nil empty map is serialized as {}.
func (b *LineBuilder) Labels(m KeyValueMap) *LineBuilder {
	b.labels = m
	return b
}

// Annotations sets the annotation map.
func (b *LineBuilder) Annotations(m KeyValueMap) *LineBuilder {
	b.annotations = m
	return b
}

// Meta sets the meta field to an arbitrary JSON value.
func (b *LineBuilder) Meta(raw json.RawMessage) *LineBuilder {
	b.meta = raw
	return b
}

// Build validates the builder and returns the Line.
func (b *LineBuilder) Build() (*Line, error) {
	if b.line == nil {
		return nil, errors.New("line field is required")
	}
	return &Line{
		Annotations: b.annotations,
		App:         b.app,
		Env:         b.env,
		File:        b.file,
		Host:        b.host,
		Labels:      b.labels,
		Level:       b.level,
		Meta:        b.meta,
		Line:        *b.line,
	}, nil
}

// IngestBody is an unserialized batch of lines.
type IngestBody struct {
	Lines []*Line
}

// NewIngestBody wraps lines into a body.
func NewIngestBody(lines []*Line) *IngestBody {
	return &IngestBody{Lines: lines}
}

// IngestBodyBuffer is a serialized ingest body held in a segmented buffer.
// Failure results carry it back to the caller so a batch can be
// retransmitted without re-serializing.
type IngestBodyBuffer struct {
	buf *bufpool.SegmentedBuffer
}

// Reader returns a fresh sequential reader over the serialized bytes.
func (b *IngestBodyBuffer) Reader() *bufpool.Reader {
	return b.buf.Reader()
}

// Len reports the serialized length in bytes.
func (b *IngestBodyBuffer) Len() int {
	return b.buf.Len()
}

// Release returns the underlying segments to their pool.
func (b *IngestBodyBuffer) Release() {
	b.buf.Release()
}
