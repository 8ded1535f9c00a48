package client

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"gotest.tools/v3/assert"
	"gotest.tools/v3/assert/cmp"
)

func testClient(t *testing.T, serverURL string) *Client {
	t.Helper()
	host := strings.TrimPrefix(serverURL, "http://")
	tmpl, err := NewTemplate().
		Host(host).
		Schema(SchemaHTTP).
		Endpoint("/logs/agent").
		APIKey("k").
		Params(Params{Hostname: "test-host"}).
		Build()
	assert.NilError(t, err)
	c, err := NewClient(tmpl)
	assert.NilError(t, err)
	c.SetTimeout(5 * time.Second)
	return c
}

func singleLineBody(t *testing.T, text string) *IngestBody {
	t.Helper()
	return NewIngestBody([]*Line{mustLine(t, NewLine().Line(text))})
}

func TestSendSuccess(t *testing.T) {
	received := make(chan string, 1)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body := r.Body
		if r.Header.Get("Content-Encoding") == "gzip" {
			gz, err := gzip.NewReader(r.Body)
			assert.NilError(t, err)
			body = gz
		}
		data, err := io.ReadAll(body)
		assert.NilError(t, err)
		received <- string(data)
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	c := testClient(t, ts.URL)
	resp, err := c.Send(context.Background(), singleLineBody(t, "hello logdna"))
	assert.NilError(t, err)
	assert.Assert(t, resp.Sent())

	select {
	case data := <-received:
		assert.Assert(t, cmp.Contains(data, `"line":"hello logdna"`))
	case <-time.After(time.Second):
		t.Fatal("server never saw the request")
	}
}

func TestSendFailedStatusSurfacesBody(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		io.WriteString(w, "bad api key")
	}))
	defer ts.Close()

	c := testClient(t, ts.URL)
	resp, err := c.Send(context.Background(), singleLineBody(t, "x"))
	assert.NilError(t, err)
	assert.Assert(t, !resp.Sent())
	assert.Equal(t, resp.StatusCode, http.StatusForbidden)
	assert.Equal(t, resp.Reason, "bad api key")
}

func TestSendTimeoutCarriesBody(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(500 * time.Millisecond)
	}))
	defer ts.Close()

	c := testClient(t, ts.URL)
	c.SetTimeout(50 * time.Millisecond)

	buf, err := c.SerializeBody(singleLineBody(t, "slow"))
	assert.NilError(t, err)
	defer buf.Release()

	_, err = c.SendBuffer(context.Background(), buf)
	var timeoutErr *TimeoutError
	assert.Assert(t, errors.As(err, &timeoutErr))
	assert.Equal(t, timeoutErr.Body, buf)
}

func TestSendTransportErrorCarriesBody(t *testing.T) {
	// Grab a port nothing is listening on.
	l, err := net.Listen("tcp", "127.0.0.1:0")
	assert.NilError(t, err)
	addr := l.Addr().String()
	l.Close()

	tmpl, err := NewTemplate().
		Host(addr).
		Schema(SchemaHTTP).
		APIKey("k").
		Params(Params{Hostname: "test-host"}).
		Build()
	assert.NilError(t, err)
	c, err := NewClient(tmpl)
	assert.NilError(t, err)
	c.SetTimeout(2 * time.Second)

	buf, err := c.SerializeBody(singleLineBody(t, "nobody home"))
	assert.NilError(t, err)
	defer buf.Release()

	_, err = c.SendBuffer(context.Background(), buf)
	var sendErr *SendError
	assert.Assert(t, errors.As(err, &sendErr))
	assert.Equal(t, sendErr.Body, buf)
	assert.Assert(t, sendErr.Cause != nil)
}

func TestRetransmitAfterFailureWithoutReserializing(t *testing.T) {
	var attempts int
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	c := testClient(t, ts.URL)
	buf, err := c.SerializeBody(singleLineBody(t, "try again"))
	assert.NilError(t, err)
	defer buf.Release()

	resp, err := c.SendBuffer(context.Background(), buf)
	assert.NilError(t, err)
	assert.Assert(t, !resp.Sent())

	resp, err = c.SendBuffer(context.Background(), buf)
	assert.NilError(t, err)
	assert.Assert(t, resp.Sent())
	assert.Equal(t, attempts, 2)
}
