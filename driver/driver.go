// Package driver implements the Docker log-driver plugin protocol and the
// per-container pumps that forward container output to LogDNA.
package driver

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/docker/go-plugins-helpers/sdk"
	"github.com/sirupsen/logrus"

	"github.com/IBM/docker-logdna/client"
)

// maxRequestSize bounds control-plane request bodies.
const maxRequestSize = 1048576

const startupProbeLine = "Critical: docker_logdna starting to log"

// Driver multiplexes the plugin control plane: it keeps the registry of
// live pumps keyed by FIFO path and coordinates their shutdown.
type Driver struct {
	mu    sync.Mutex
	pumps map[string]*closeNotify
}

// New creates an empty Driver.
func New() *Driver {
	return &Driver{
		pumps: make(map[string]*closeNotify),
	}
}

// RegisterHandlers wires up the HTTP endpoints on the plugin handler.
func (d *Driver) RegisterHandlers(h sdk.Handler) {
	h.HandleFunc("/LogDriver.StartLogging", d.handleStartLogging)
	h.HandleFunc("/LogDriver.StopLogging", d.handleStopLogging)
	h.HandleFunc("/LogDriver.Capabilities", d.handleCapabilities)
	h.HandleFunc("/LogDriver.ReadLogs", d.handleReadLogs)
	h.HandleFunc("/", d.handleUnknown)
}

func (d *Driver) handleUnknown(w http.ResponseWriter, r *http.Request) {
	respondErr(w, fmt.Sprintf("Unknown path: %s", r.URL.Path), http.StatusNotFound)
}

// watching reports the number of registered pumps.
func (d *Driver) watching() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pumps)
}

func (d *Driver) handleStartLogging(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestSize))
	if err != nil {
		respondErr(w, fmt.Sprintf("Failed to read request body: %v", err), http.StatusInternalServerError)
		return
	}

	var req StartRequest
	if err := json.Unmarshal(body, &req); err != nil {
		respondErr(w, fmt.Sprintf("Failed to parse json: %v\njson str: %s", err, body),
			http.StatusInternalServerError)
		return
	}

	if req.Info.ContainerName != "" {
		logrus.WithField("fifo", req.File).Infof("Start logging from container %s", req.Info.ContainerName)
	} else {
		logrus.WithField("fifo", req.File).Info("Start logging unnamed container")
	}

	container, err := newContainer(req)
	if err != nil {
		respondErr(w, err.Error(), http.StatusInternalServerError)
		return
	}

	d.mu.Lock()
	if _, exists := d.pumps[req.File]; exists {
		d.mu.Unlock()
		respondErr(w, fmt.Sprintf("File %s has already been opened", req.File),
			http.StatusInternalServerError)
		return
	}
	// Reserve the slot so a concurrent Start on the same file fails while
	// the probe is in flight; the reservation is dropped if the probe fails.
	notifier := newCloseNotify()
	d.pumps[req.File] = notifier
	d.mu.Unlock()

	// Verify the logdna server can be talked to before a pump exists:
	// a single probe line, no retries, no feedback.
	if err := d.sendStartupProbe(r, container); err != nil {
		d.mu.Lock()
		delete(d.pumps, req.File)
		d.mu.Unlock()
		respondErr(w, "Connection to Logdna Host failed with supplied API Key",
			http.StatusInternalServerError)
		return
	}

	logrus.Infof("watching %d container roughly right now", d.watching())
	go newPump(container, notifier).run()

	respondOK(w)
}

func (d *Driver) sendStartupProbe(r *http.Request, container *Container) error {
	line, err := createLine(container, startupProbeLine)
	if err != nil {
		return err
	}
	return sendLines(r.Context(), container, []*client.Line{line}, true)
}

func (d *Driver) handleStopLogging(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestSize))
	if err != nil {
		respondErr(w, fmt.Sprintf("Failed to read request body: %v", err), http.StatusInternalServerError)
		return
	}

	var req StopRequest
	if err := json.Unmarshal(body, &req); err != nil {
		respondErr(w, fmt.Sprintf("Failed to parse json: %v\njson str: %s", err, body),
			http.StatusInternalServerError)
		return
	}

	logrus.WithField("fifo", req.File).Info("Stop logging")

	d.mu.Lock()
	notifier, ok := d.pumps[req.File]
	if ok {
		delete(d.pumps, req.File)
	}
	d.mu.Unlock()

	if !ok {
		respondErr(w, fmt.Sprintf("File %s has already been stopped", req.File),
			http.StatusInternalServerError)
		return
	}

	notify(notifier.requestedToClose)
	// Withhold the response until the pump has drained; this is what keeps
	// Docker from closing the FIFO while records are still in flight.
	<-notifier.letDockerClosePipe

	logrus.Infof("watching %d container roughly right now", d.watching())
	respondOK(w)
}

func (d *Driver) handleCapabilities(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", sdk.DefaultContentTypeV1_1)
	json.NewEncoder(w).Encode(struct {
		ReadLogs bool `json:"ReadLogs"`
	}{ReadLogs: false})
}

func (d *Driver) handleReadLogs(w http.ResponseWriter, _ *http.Request) {
	respondErr(w, "Reading logs is not implemented", http.StatusInternalServerError)
}

func respondOK(w http.ResponseWriter) {
	w.Header().Set("Content-Type", sdk.DefaultContentTypeV1_1)
	w.Write([]byte("{}\n"))
}

// respondErr reports a control-plane failure to Docker. An empty message
// is a programming error: an empty Err field would signal success.
func respondErr(w http.ResponseWriter, msg string, status int) {
	if msg == "" {
		panic("respondErr called with an empty error message")
	}
	logrus.Error(msg)
	w.Header().Set("Content-Type", sdk.DefaultContentTypeV1_1)
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(struct {
		Err string `json:"Err"`
	}{Err: msg})
}
