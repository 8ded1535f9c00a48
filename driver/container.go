package driver

import (
	"fmt"

	"github.com/IBM/docker-logdna/client"
)

// StartRequest is what Docker sends to /LogDriver.StartLogging.
type StartRequest struct {
	File string    `json:"File"`
	Info StartInfo `json:"Info"`
}

// StartInfo describes the container whose log stream is being attached.
type StartInfo struct {
	Config              map[string]string `json:"Config"`
	ContainerID         string            `json:"ContainerID"`
	ContainerName       string            `json:"ContainerName"`
	ContainerEntrypoint string            `json:"ContainerEntrypoint"`
	ContainerArgs       []string          `json:"ContainerArgs"`
	ContainerImageID    string            `json:"ContainerImageID"`
	ContainerImageName  string            `json:"ContainerImageName"`
	ContainerCreated    string            `json:"ContainerCreated"`
	ContainerEnv        []string          `json:"ContainerEnv"`
	ContainerLabels     map[string]string `json:"ContainerLabels"`
	LogPath             string            `json:"LogPath"`
	DaemonName          string            `json:"DaemonName"`
}

// StopRequest is what Docker sends to /LogDriver.StopLogging.
type StopRequest struct {
	File string `json:"File"`
}

// Container is the single source of truth for one connection to a
// container: the start request, the resolved config, and the ingest
// client built from them. It is shared immutably between the control
// plane and the pump.
type Container struct {
	StartRequest StartRequest
	Config       *Config
	Client       *client.Client
}

// newContainer resolves the config from a start request and builds the
// ingest client for it.
func newContainer(req StartRequest) (*Container, error) {
	cfg, err := parseConfig(&req)
	if err != nil {
		return nil, err
	}

	cli, err := newIngestClient(cfg)
	if err != nil {
		return nil, err
	}

	return &Container{
		StartRequest: req,
		Config:       cfg,
		Client:       cli,
	}, nil
}

func newIngestClient(cfg *Config) (*client.Client, error) {
	params := client.Params{
		Hostname: cfg.Hostname,
		Tags:     cfg.Tags,
		IP:       cfg.IP,
		MAC:      cfg.MAC,
	}

	// /logs/agent over plain http is required for the mocking server to
	// accept requests; /logs/ingest is the documented production endpoint.
	endpoint := "/logs/ingest"
	schema := client.SchemaHTTPS
	if cfg.ForMockServer {
		endpoint = "/logs/agent"
		schema = client.SchemaHTTP
	}

	template, err := client.NewTemplate().
		Params(params).
		Host(cfg.LogDNAHost).
		APIKey(cfg.APIKey).
		Endpoint(endpoint).
		Schema(schema).
		Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build logdna request template: %v", err)
	}

	cli, err := client.NewClient(template)
	if err != nil {
		return nil, fmt.Errorf("failed to build logdna client: %v", err)
	}
	cli.SetTimeout(cfg.HTTPClientTimeout)
	return cli, nil
}
