package driver

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/IBM/docker-logdna/client"
)

const criticalPrefix = "Critical docker_logdna error: "

// createLine builds an ingest line for a container: the configured app,
// the configured level when set, and the container labels.
func createLine(c *Container, text string) (*client.Line, error) {
	labels := client.KeyValueMap{}
	for k, v := range c.StartRequest.Info.ContainerLabels {
		labels[k] = v
	}

	b := client.NewLine().
		Line(text).
		App(c.Config.App).
		Labels(labels)
	if c.Config.Level != "" {
		b = b.Level(c.Config.Level)
	}

	line, err := b.Build()
	if err != nil {
		return nil, fmt.Errorf("Failed to build logdna line: %v", err)
	}
	return line, nil
}

// sendLines delivers a batch to the ingest API.
//
// With oneShot set there is exactly one attempt and no feedback is
// emitted; the failure is returned to the caller. Otherwise up to
// MaxRequestRetry+1 attempts are made, strictly sequentially, and a
// critical-error line describing each failure is sent between attempts.
func sendLines(ctx context.Context, c *Container, lines []*client.Line, oneShot bool) error {
	body := client.NewIngestBody(lines)
	buf, err := c.Client.SerializeBody(body)
	if err != nil {
		if oneShot {
			return err
		}
		sendCriticalError(ctx, c, fmt.Sprintf("Failed to serialize lines: %v", err))
		return err
	}
	defer buf.Release()

	if oneShot {
		resp, err := c.Client.SendBuffer(ctx, buf)
		if err != nil {
			return err
		}
		if !resp.Sent() {
			return client.DescribeFailure(resp, nil)
		}
		return nil
	}

	maxRetries := c.Config.MaxRequestRetry
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		resp, err := c.Client.SendBuffer(ctx, buf)
		if err == nil && resp.Sent() {
			return nil
		}
		lastErr = client.DescribeFailure(resp, err)

		// The last failure gets no feedback line; the batch is dropped.
		if attempt < maxRetries {
			sendCriticalError(ctx, c, fmt.Sprintf(
				"Failed to send line to logdna (%d/%d retries): %v",
				attempt, maxRetries, lastErr))
		}
	}
	return lastErr
}

// sendCriticalError forwards an internal failure as a FATAL log line
// through the regular ingest path. A secondary failure is logged locally
// and swallowed so feedback can never recurse.
func sendCriticalError(ctx context.Context, c *Container, msg string) {
	msg = criticalPrefix + msg
	logrus.Error(msg)
	emitCritical(ctx, c, msg)
}

// emitCritical ships an already-prefixed critical message without logging
// it locally; callers decide how loudly to log.
func emitCritical(ctx context.Context, c *Container, msg string) {
	line, err := client.NewLine().
		Line(msg).
		App(c.Config.App).
		Level("FATAL").
		Build()
	if err != nil {
		logrus.WithError(err).Error("failed to build critical error line")
		return
	}

	resp, err := c.Client.Send(ctx, client.NewIngestBody([]*client.Line{line}))
	if err != nil {
		logrus.WithError(err).Error("failed to send critical error line")
		return
	}
	if !resp.Sent() {
		logrus.WithField("status", resp.StatusCode).Error("failed to send critical error line")
	}
}
