package driver

import (
	"encoding/binary"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/docker/docker/api/types/plugins/logdriver"
	"github.com/gogo/protobuf/proto"
	"github.com/klauspost/compress/gzip"
	"gotest.tools/v3/assert"
)

// mockLine is the subset of an ingest line the tests look at.
type mockLine struct {
	Line  string            `json:"line"`
	Level string            `json:"level"`
	App   string            `json:"app"`
	Label map[string]string `json:"label"`
}

// mockIngest is a stand-in for the logdna ingest API. With failEven set it
// errors on every even request (0-indexed), which makes the send/feedback
// alternation of the retry path observable.
type mockIngest struct {
	ts *httptest.Server

	mu       sync.Mutex
	lines    []mockLine
	requests int
	failEven bool
}

func newMockIngest(t *testing.T, failEven bool) *mockIngest {
	t.Helper()
	m := &mockIngest{failEven: failEven}
	m.ts = httptest.NewServer(http.HandlerFunc(m.handle))
	t.Cleanup(m.ts.Close)
	return m
}

func (m *mockIngest) handle(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	idx := m.requests
	m.requests++
	m.mu.Unlock()

	if r.URL.Path != "/logs/agent" {
		http.Error(w, "unknown path", http.StatusNotFound)
		return
	}
	if m.failEven && idx%2 == 0 {
		http.Error(w, "mock induced failure", http.StatusInternalServerError)
		return
	}

	var body io.Reader = r.Body
	if r.Header.Get("Content-Encoding") == "gzip" {
		gz, err := gzip.NewReader(r.Body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		body = gz
	}

	var payload struct {
		Lines []mockLine `json:"lines"`
	}
	if err := json.NewDecoder(body).Decode(&payload); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	m.mu.Lock()
	m.lines = append(m.lines, payload.Lines...)
	m.mu.Unlock()
	w.WriteHeader(http.StatusOK)
}

// host returns the host:port of the mock server.
func (m *mockIngest) host() string {
	return strings.TrimPrefix(m.ts.URL, "http://")
}

func (m *mockIngest) snapshot() []mockLine {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]mockLine, len(m.lines))
	copy(out, m.lines)
	return out
}

func (m *mockIngest) requestCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.requests
}

// waitForLines polls until at least n lines have been received.
func (m *mockIngest) waitForLines(t *testing.T, n int, timeout time.Duration) []mockLine {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		lines := m.snapshot()
		if len(lines) >= n {
			return lines
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d lines, have %d", n, len(m.snapshot()))
	return nil
}

// testStartRequest builds a start request pointed at the mock server.
func testStartRequest(m *mockIngest, file string, extra map[string]string) StartRequest {
	cfg := map[string]string{
		"logdna_host":     m.host(),
		"api_key":         "k",
		"for_mock_server": "true",
	}
	for k, v := range extra {
		cfg[k] = v
	}
	return StartRequest{
		File: file,
		Info: StartInfo{
			Config:        cfg,
			ContainerID:   "deadbeef0000",
			ContainerName: "test-container",
		},
	}
}

func testContainer(t *testing.T, m *mockIngest, file string, extra map[string]string) *Container {
	t.Helper()
	c, err := newContainer(testStartRequest(m, file, extra))
	assert.NilError(t, err)
	return c
}

// encodeEntry frames one log record the way Docker writes it into the
// FIFO: big-endian u32 length, then the protobuf entry.
func encodeEntry(t *testing.T, line string) []byte {
	t.Helper()
	entry := &logdriver.LogEntry{
		Source:   "stdout",
		TimeNano: time.Now().UnixNano(),
		Line:     []byte(line),
	}
	data, err := proto.Marshal(entry)
	assert.NilError(t, err)
	framed := make([]byte, 4+len(data))
	binary.BigEndian.PutUint32(framed, uint32(len(data)))
	copy(framed[4:], data)
	return framed
}
