package client

import (
	"encoding/json"
	"io"
	"testing"

	"gotest.tools/v3/assert"

	"github.com/IBM/docker-logdna/bufpool"
)

func testPool(t *testing.T) *bufpool.Pool {
	t.Helper()
	pool, err := bufpool.NewPool(64, 2, 32)
	assert.NilError(t, err)
	return pool
}

func serializeLines(t *testing.T, pool *bufpool.Pool, now int64, lines ...*Line) string {
	t.Helper()
	buf := bufpool.NewBuffer(pool)
	s, err := NewBodySerializer(buf)
	assert.NilError(t, err)
	s.now = func() int64 { return now }
	for _, l := range lines {
		assert.NilError(t, s.WriteLine(l))
	}
	body, err := s.End()
	assert.NilError(t, err)
	data, err := io.ReadAll(body.Reader())
	assert.NilError(t, err)
	return string(data)
}

func mustLine(t *testing.T, b *LineBuilder) *Line {
	t.Helper()
	l, err := b.Build()
	assert.NilError(t, err)
	return l
}

func TestSerializeMinimalLine(t *testing.T) {
	pool := testPool(t)
	out := serializeLines(t, pool, 42, mustLine(t, NewLine().Line("hello")))
	assert.Equal(t, out, `{"lines":[{"line":"hello","timestamp":42}]}`)
}

func TestSerializeKeyOrderAndOmission(t *testing.T) {
	pool := testPool(t)
	line := mustLine(t, NewLine().
		Line("body").
		App("myapp").
		Level("INFO").
		Labels(KeyValueMap{"b": "2", "a": "1"}).
		Annotations(KeyValueMap{"k": "v"}))
	out := serializeLines(t, pool, 7, line)
	assert.Equal(t, out,
		`{"lines":[{"annotation":{"k":"v"},"app":"myapp","label":{"a":"1","b":"2"},"level":"INFO","line":"body","timestamp":7}]}`)
}

func TestSerializeEmptyLabelMapEmitted(t *testing.T) {
	pool := testPool(t)
	out := serializeLines(t, pool, 1, mustLine(t, NewLine().Line("x").Labels(KeyValueMap{})))
	assert.Equal(t, out, `{"lines":[{"label":{},"line":"x","timestamp":1}]}`)
}

func TestSerializeCommaDelimiting(t *testing.T) {
	pool := testPool(t)
	out := serializeLines(t, pool, 1,
		mustLine(t, NewLine().Line("one")),
		mustLine(t, NewLine().Line("two")),
		mustLine(t, NewLine().Line("three")))
	assert.Equal(t, out,
		`{"lines":[{"line":"one","timestamp":1},{"line":"two","timestamp":1},{"line":"three","timestamp":1}]}`)
}

func TestSerializeEscapes(t *testing.T) {
	pool := testPool(t)
	out := serializeLines(t, pool, 1, mustLine(t, NewLine().Line("a\"b\\c\nd\te\x01f\x08\x0c\r")))
	assert.Equal(t, out,
		`{"lines":[{"line":"a\"b\\c\nd\te\u0001f\b\f\r","timestamp":1}]}`)
}

func TestSerializeInvalidUTF8Replaced(t *testing.T) {
	pool := testPool(t)
	out := serializeLines(t, pool, 1, mustLine(t, NewLine().Line("ok\xffend")))

	var decoded struct {
		Lines []struct {
			Line string `json:"line"`
		} `json:"lines"`
	}
	assert.NilError(t, json.Unmarshal([]byte(out), &decoded))
	assert.Equal(t, decoded.Lines[0].Line, "ok�end")
}

func TestSerializeMeta(t *testing.T) {
	pool := testPool(t)
	line := mustLine(t, NewLine().Line("x").Meta(json.RawMessage(`{"nested":[1,2,3]}`)))
	out := serializeLines(t, pool, 1, line)
	assert.Equal(t, out, `{"lines":[{"meta":{"nested":[1,2,3]},"line":"x","timestamp":1}]}`)
}

// The streaming serializer must agree with the standard library encoder on
// any body with valid UTF-8 lines, modulo the fixed key schema.
func TestSerializeMatchesReferenceEncoder(t *testing.T) {
	pool := testPool(t)
	lines := []*Line{
		mustLine(t, NewLine().Line("plain ascii")),
		mustLine(t, NewLine().Line("unicode: 日本語 😀 ẞ").App("app").Env("prod")),
		mustLine(t, NewLine().Line("esc \" \\ \n \t").Host("h").File("f").Level("ERROR").
			Labels(KeyValueMap{"x": "y"})),
	}
	out := serializeLines(t, pool, 99, lines...)

	type refLine struct {
		App       *string           `json:"app,omitempty"`
		Env       *string           `json:"env,omitempty"`
		File      *string           `json:"file,omitempty"`
		Host      *string           `json:"host,omitempty"`
		Label     map[string]string `json:"label,omitempty"`
		Level     *string           `json:"level,omitempty"`
		Line      string            `json:"line"`
		Timestamp int64             `json:"timestamp"`
	}
	ref := struct {
		Lines []refLine `json:"lines"`
	}{}
	for _, l := range lines {
		ref.Lines = append(ref.Lines, refLine{
			App: l.App, Env: l.Env, File: l.File, Host: l.Host,
			Label: l.Labels, Level: l.Level, Line: l.Line, Timestamp: 99,
		})
	}
	expected, err := json.Marshal(ref)
	assert.NilError(t, err)

	var got, want interface{}
	assert.NilError(t, json.Unmarshal([]byte(out), &got))
	assert.NilError(t, json.Unmarshal(expected, &want))
	assert.DeepEqual(t, got, want)
}

func TestLineBuilderRequiresLine(t *testing.T) {
	_, err := NewLine().App("app").Build()
	assert.Error(t, err, "line field is required")
}

func TestSerializeBodyKeepsBufferOnSuccess(t *testing.T) {
	pool := testPool(t)
	body := NewIngestBody([]*Line{mustLine(t, NewLine().Line("x"))})
	buf, err := serializeBody(body, pool)
	assert.NilError(t, err)
	assert.Assert(t, buf.Len() > 0)
	buf.Release()
}
