package client

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/pkg/errors"
)

// Response is the outcome of a request the remote actually answered.
type Response struct {
	StatusCode int
	// Reason carries the response body text when the status is not 2xx.
	Reason string
}

// Sent reports whether the remote accepted the batch.
func (r *Response) Sent() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// TimeoutError reports a request that exceeded the client timeout. Body is
// the serialized batch, available for retransmission.
type TimeoutError struct {
	Body *IngestBodyBuffer
}

func (e *TimeoutError) Error() string { return "request timed out" }

// SendError reports a transport failure. Body is the serialized batch,
// available for retransmission.
type SendError struct {
	Body  *IngestBodyBuffer
	Cause error
}

func (e *SendError) Error() string { return e.Cause.Error() }

func (e *SendError) Unwrap() error { return e.Cause }

// Client sends ingest bodies to the LogDNA ingestion API. Connections are
// pooled and kept alive across requests; hostnames resolve through a
// backoff-aware system resolver.
type Client struct {
	http     *http.Client
	template *RequestTemplate
	timeout  time.Duration
}

// NewClient builds a client around template. TLS is enforced by the
// template's schema: an HTTPS template never falls back to plain HTTP.
func NewClient(template *RequestTemplate) (*Client, error) {
	resolver, err := NewResolver()
	if err != nil {
		return nil, err
	}

	dialer := &net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 120 * time.Second,
	}
	transport := &http.Transport{
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			host, port, err := net.SplitHostPort(addr)
			if err != nil {
				return nil, err
			}
			ips, err := resolver.LookupIP(ctx, host)
			if err != nil {
				return nil, err
			}
			var lastErr error
			for _, ip := range ips {
				conn, err := dialer.DialContext(ctx, network, net.JoinHostPort(ip.String(), port))
				if err == nil {
					return conn, nil
				}
				lastErr = err
			}
			return nil, lastErr
		},
		MaxIdleConnsPerHost: 20,
		IdleConnTimeout:     90 * time.Second,
		ForceAttemptHTTP2:   true,
		TLSClientConfig:     &tls.Config{},
	}

	return &Client{
		http:     &http.Client{Transport: transport},
		template: template,
		timeout:  5 * time.Second,
	}, nil
}

// SetTimeout sets the per-request timeout.
func (c *Client) SetTimeout(timeout time.Duration) {
	c.timeout = timeout
}

// SerializeBody renders body once so it can be sent, and resent, without
// re-serializing.
func (c *Client) SerializeBody(body *IngestBody) (*IngestBodyBuffer, error) {
	return serializeBody(body, c.template.pool)
}

// Send serializes body and transmits it. See SendBuffer.
func (c *Client) Send(ctx context.Context, body *IngestBody) (*Response, error) {
	buf, err := c.SerializeBody(body)
	if err != nil {
		return nil, errors.Wrap(err, "serializing ingest body")
	}
	resp, err := c.SendBuffer(ctx, buf)
	if err == nil {
		buf.Release()
	}
	return resp, err
}

// SendBuffer transmits an already-serialized body. On a 2xx the response
// reports Sent; any other status carries the response text back in Reason.
// Timeouts and transport failures return errors that hold the buffer so
// callers can retransmit without re-serializing.
func (c *Client) SendBuffer(ctx context.Context, buf *IngestBodyBuffer) (*Response, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, cleanup, err := c.template.newRequest(ctx, buf)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, &TimeoutError{Body: buf}
		}
		return nil, &SendError{Body: buf, Cause: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		io.Copy(io.Discard, resp.Body)
		return &Response{StatusCode: resp.StatusCode}, nil
	}

	text, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &SendError{Body: buf, Cause: errors.Wrap(err, "reading failure response")}
	}
	return &Response{
		StatusCode: resp.StatusCode,
		Reason:     string(text),
	}, nil
}

// DescribeFailure renders a send outcome as an error for feedback lines.
func DescribeFailure(resp *Response, err error) error {
	if err != nil {
		return err
	}
	return fmt.Errorf("logdna returned status %d: %s", resp.StatusCode, resp.Reason)
}
