package driver

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
)

// Config holds parsed and validated configuration for a single container,
// taken from the --log-opt key/value pairs Docker passes in StartLogging.
type Config struct {
	// Hostname reported to the ingest API; machine hostname if undefined.
	Hostname string
	// LogDNAHost is the ingest host, required.
	LogDNAHost string
	// APIKey is the ingestion key, required.
	APIKey string

	// IP and MAC are optional query parameters.
	IP  string
	MAC string

	// Tags is an optional comma separated list.
	Tags string

	// App defaults to the container name, else the container id.
	App string
	// Level is free-form, conventionally one of TRACE, DEBUG, INFO, WARN,
	// ERROR, FATAL. Empty means unset.
	Level string

	// MaxLength caps log line length in bytes; 0 disables capping.
	MaxLength int

	// ForMockServer switches to /logs/agent over plain http.
	ForMockServer bool

	// FlushInterval is how long to buffer before flushing to logdna.
	FlushInterval time.Duration
	// MaxBufferSize is how many buffered bytes force a flush.
	MaxBufferSize int
	// HTTPClientTimeout bounds each ingest request.
	HTTPClientTimeout time.Duration
	// MaxRequestRetry is how often to retry sending lines.
	MaxRequestRetry int
}

const (
	defaultMaxLength         = 8192
	defaultFlushInterval     = 250 * time.Millisecond
	defaultMaxBufferSize     = 2097152
	defaultHTTPClientTimeout = 30000 * time.Millisecond
	defaultMaxRequestRetry   = 5
)

// parseConfig validates and parses the log-opt map from a start request.
// Numeric durations are milliseconds.
func parseConfig(req *StartRequest) (*Config, error) {
	opts := req.Info.Config
	if opts == nil {
		return nil, errors.New("The logdna logging driver needs a config.")
	}

	cfg := &Config{
		MaxLength:         defaultMaxLength,
		FlushInterval:     defaultFlushInterval,
		MaxBufferSize:     defaultMaxBufferSize,
		HTTPClientTimeout: defaultHTTPClientTimeout,
		MaxRequestRetry:   defaultMaxRequestRetry,
	}

	if v, ok := opts["hostname"]; ok {
		cfg.Hostname = v
	} else {
		h, err := os.Hostname()
		if err != nil {
			logrus.WithError(err).Error("no hostname found")
			h = "err-no-hostname-found"
		}
		cfg.Hostname = h
	}

	v, ok := opts["logdna_host"]
	if !ok {
		return nil, errors.New("The logdna logging driver config needs the 'logdna_host' field.")
	}
	cfg.LogDNAHost = v

	v, ok = opts["api_key"]
	if !ok {
		return nil, errors.New("The logdna logging driver config needs the 'api_key' field.")
	}
	cfg.APIKey = v

	cfg.IP = opts["ip"]
	cfg.MAC = opts["mac"]
	cfg.Tags = opts["tags"]
	cfg.Level = opts["level"]

	if v, ok := opts["app"]; ok {
		cfg.App = v
	} else if req.Info.ContainerName != "" {
		cfg.App = req.Info.ContainerName
	} else {
		cfg.App = req.Info.ContainerID
	}

	if v, ok := opts["max_length"]; ok {
		n, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("failed to parse max_length: %v", err)
		}
		cfg.MaxLength = int(n)
	}

	if v, ok := opts["for_mock_server"]; ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("failed to parse for_mock_server: %v", err)
		}
		cfg.ForMockServer = b
	}

	if v, ok := opts["flush_interval"]; ok {
		ms, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("failed to parse flush_interval: %v", err)
		}
		cfg.FlushInterval = time.Duration(ms) * time.Millisecond
	}

	if v, ok := opts["max_buffer_size"]; ok {
		n, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("failed to parse max_buffer_size: %v", err)
		}
		cfg.MaxBufferSize = int(n)
	}

	if v, ok := opts["http_client_timeout"]; ok {
		ms, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("failed to parse http_client_timeout: %v", err)
		}
		cfg.HTTPClientTimeout = time.Duration(ms) * time.Millisecond
	}

	if v, ok := opts["max_request_retry"]; ok {
		n, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("failed to parse max_request_retry: %v", err)
		}
		cfg.MaxRequestRetry = int(n)
	}

	return cfg, nil
}
