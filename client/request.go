package client

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/pkg/errors"

	"github.com/IBM/docker-logdna/bufpool"
)

const (
	clientName    = "docker-logdna"
	clientVersion = "1.0.0"
)

const (
	serializationSegmentSize     = 16 * 1024
	serializationReserveSegments = 100
	serializationInitialSegments = (64 * 1024) / serializationSegmentSize
)

// Schema selects HTTP or HTTPS for ingest requests.
type Schema int

const (
	SchemaHTTPS Schema = iota
	SchemaHTTP
)

func (s Schema) String() string {
	if s == SchemaHTTP {
		return "http://"
	}
	return "https://"
}

// Encoding selects the request body encoding.
type Encoding struct {
	Gzip  bool
	Level int
}

// EncodingJSON sends the serialized body uncompressed.
var EncodingJSON = Encoding{}

// GzipJSON compresses the serialized body at the given level.
func GzipJSON(level int) Encoding {
	return Encoding{Gzip: true, Level: level}
}

// RequestTemplate generates ingest requests. One template is built per
// container and reused for every batch it sends.
type RequestTemplate struct {
	pool      *bufpool.Pool
	Method    string
	Charset   string
	Content   string
	UserAgent string
	Encoding  Encoding
	Schema    Schema
	Host      string
	Endpoint  string
	Params    Params
	APIKey    string

	now func() int64
}

// TemplateBuilder assembles a RequestTemplate.
type TemplateBuilder struct {
	template RequestTemplate
	err      error
}

// NewTemplate returns a builder preloaded with the production defaults:
// POST, gzip level 2, HTTPS against logs.logdna.com/logs/ingest.
func NewTemplate() *TemplateBuilder {
	return &TemplateBuilder{
		template: RequestTemplate{
			Method:    http.MethodPost,
			Charset:   "utf8",
			Content:   "application/json",
			UserAgent: clientName + "/" + clientVersion,
			Encoding:  GzipJSON(2),
			Schema:    SchemaHTTPS,
			Host:      "logs.logdna.com",
			Endpoint:  "/logs/ingest",
			now:       func() int64 { return time.Now().Unix() },
		},
	}
}

// Host sets the ingest host, required to be non-empty.
func (b *TemplateBuilder) Host(host string) *TemplateBuilder {
	if host == "" {
		b.err = errors.New("host is required to be non-empty in a TemplateBuilder")
		return b
	}
	b.template.Host = host
	return b
}

// Endpoint sets the ingest endpoint path.
func (b *TemplateBuilder) Endpoint(endpoint string) *TemplateBuilder {
	b.template.Endpoint = endpoint
	return b
}

// Schema sets HTTP or HTTPS.
func (b *TemplateBuilder) Schema(s Schema) *TemplateBuilder {
	b.template.Schema = s
	return b
}

// Encoding sets the body encoding.
func (b *TemplateBuilder) Encoding(e Encoding) *TemplateBuilder {
	b.template.Encoding = e
	return b
}

// APIKey sets the ingestion key, required to be non-empty.
func (b *TemplateBuilder) APIKey(key string) *TemplateBuilder {
	if key == "" {
		b.err = errors.New("api_key is required to be non-empty in a TemplateBuilder")
		return b
	}
	b.template.APIKey = key
	return b
}

// Params sets the query parameters.
func (b *TemplateBuilder) Params(p Params) *TemplateBuilder {
	b.template.Params = p
	return b
}

// Build validates the builder and returns the template with its
// serialization buffer pool attached.
func (b *TemplateBuilder) Build() (*RequestTemplate, error) {
	if b.err != nil {
		return nil, b.err
	}
	if b.template.APIKey == "" {
		return nil, errors.New("api_key is required in a TemplateBuilder")
	}
	if err := b.template.Params.validate(); err != nil {
		return nil, err
	}
	pool, err := bufpool.NewPool(
		serializationSegmentSize,
		serializationInitialSegments,
		serializationReserveSegments,
	)
	if err != nil {
		return nil, errors.Wrap(err, "creating serialization buffer pool")
	}
	t := b.template
	t.pool = pool
	return &t, nil
}

// uri renders the full request URI with a fresh now parameter.
func (t *RequestTemplate) uri() string {
	return t.Schema.String() + t.Host + t.Endpoint + "?" + t.Params.values(t.now()).Encode()
}

// newRequest builds an HTTP request carrying body. The returned cleanup
// releases any compression buffer once the request has been sent.
func (t *RequestTemplate) newRequest(ctx context.Context, body *IngestBodyBuffer) (*http.Request, func(), error) {
	cleanup := func() {}
	var reader io.Reader
	var length int

	if t.Encoding.Gzip {
		gzBuf := bufpool.NewBuffer(t.pool)
		enc, err := gzip.NewWriterLevel(gzBuf, t.Encoding.Level)
		if err != nil {
			gzBuf.Release()
			return nil, nil, errors.Wrap(err, "creating gzip encoder")
		}
		if _, err := io.Copy(enc, body.Reader()); err != nil {
			gzBuf.Release()
			return nil, nil, errors.Wrap(err, "compressing ingest body")
		}
		if err := enc.Close(); err != nil {
			gzBuf.Release()
			return nil, nil, errors.Wrap(err, "closing gzip encoder")
		}
		reader = gzBuf.Reader()
		length = gzBuf.Len()
		cleanup = gzBuf.Release
	} else {
		reader = body.Reader()
		length = body.Len()
	}

	req, err := http.NewRequestWithContext(ctx, t.Method, t.uri(), reader)
	if err != nil {
		cleanup()
		return nil, nil, errors.Wrap(err, "building ingest request")
	}
	req.ContentLength = int64(length)
	req.Header.Set("Accept-Charset", t.Charset)
	req.Header.Set("Content-Type", t.Content)
	req.Header.Set("User-Agent", t.UserAgent)
	req.Header.Set("apiKey", t.APIKey)
	if t.Encoding.Gzip {
		req.Header.Set("Content-Encoding", "gzip")
	}
	return req, cleanup, nil
}
