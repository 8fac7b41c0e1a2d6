// Package status runs the agent's periodic container reporting: one loop
// refreshes the set of containers the server wants described, the other
// reads the engine's container list and posts it back. The descriptor set
// is shared between the loops as an atomically swapped immutable snapshot.
package status

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/ottofleet/otad/pkg/engine"
	"github.com/ottofleet/otad/pkg/logging"
	"github.com/pkg/errors"
)

// Lister is the slice of the engine adapter the status reporter consumes.
type Lister interface {
	ListContainers(ctx context.Context, name string) ([]engine.Container, error)
}

// DefaultDescriptors is the built-in set of containers reported before the
// server sends its own.
func DefaultDescriptors() map[string]string {
	return map[string]string{
		"om1":                 "OM1 main container running the robot OS",
		"om1_sensor":          "OM1 sensor processing container handling sensor data",
		"orchestrator":        "ROS2 Orchestrator service container managing ROS2 nodes",
		"watchdog":            "ROS2 Watchdog service container monitoring system health",
		"zenoh_bridge":        "Zenoh Bridge service container serving the communication between OM1 and ROS2",
		"om1_avatar":          "OM1 Avatar container managing avatar functionalities",
		"om1_monitor":         "OM1 Monitor container for system monitoring",
		"om1_video_processor": "OM1 Video Processor container handling video streams",
		"ota_agent":           "OM1 OTA Agent container for over-the-air updates",
		"ota_updater":         "OM1 OTA Updater container for managing the OTA Agent updates",
	}
}

// ContainerStatus is one container's entry in a status report.
type ContainerStatus struct {
	Description string `json:"description"`
	Status      string `json:"status"`
	Image       string `json:"image"`
	Ports       string `json:"ports"`
	Created     string `json:"created"`
	Command     string `json:"command"`
	ID          string `json:"id"`
	Present     bool   `json:"present"`
}

type statusReport struct {
	ContainerStatus map[string]ContainerStatus `json:"container_status"`
}

type infoResponse struct {
	ContainerInfo map[string]string `json:"container_info"`
}

const (
	defaultInterval      = 30 * time.Second
	defaultErrorInterval = 5 * time.Second
)

// Reporter runs the descriptor-fetch and status-report loops.
type Reporter struct {
	log       logging.Logger
	httpc     *http.Client
	infoURL   string
	statusURL string
	apiKey    string
	lister    Lister

	interval      time.Duration
	errorInterval time.Duration

	descriptors atomic.Pointer[map[string]string]
}

// Option adjusts a Reporter at construction.
type Option func(*Reporter)

func WithHTTPClient(c *http.Client) Option {
	return func(r *Reporter) { r.httpc = c }
}

// WithInterval shrinks the poll intervals, primarily for tests.
func WithInterval(poll, retry time.Duration) Option {
	return func(r *Reporter) {
		r.interval = poll
		r.errorInterval = retry
	}
}

func WithDescriptors(d map[string]string) Option {
	return func(r *Reporter) { r.descriptors.Store(&d) }
}

// New builds a Reporter against the status endpoint base URL.
func New(log logging.Logger, baseURL, apiKey string, lister Lister, opts ...Option) (*Reporter, error) {
	if baseURL == "" {
		return nil, errors.New("container status URL must be provided")
	}
	r := &Reporter{
		log:           log,
		httpc:         &http.Client{Timeout: 10 * time.Second},
		infoURL:       baseURL + "/info",
		statusURL:     baseURL + "/status",
		apiKey:        apiKey,
		lister:        lister,
		interval:      defaultInterval,
		errorInterval: defaultErrorInterval,
	}
	defaults := DefaultDescriptors()
	r.descriptors.Store(&defaults)
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Descriptors reads the current descriptor snapshot. The returned map must
// not be mutated.
func (r *Reporter) Descriptors() map[string]string {
	return *r.descriptors.Load()
}

// RunInfo polls the server for the descriptor set until the context ends.
func (r *Reporter) RunInfo(ctx context.Context) error {
	for {
		wait := r.interval
		if err := r.fetchInfo(ctx); err != nil {
			r.log.WithError(err).Error("could not fetch container descriptors")
			wait = r.errorInterval
		}
		if !sleepCtx(ctx, wait) {
			return nil
		}
	}
}

// RunStatus reads the engine's container list and posts it to the server
// until the context ends.
func (r *Reporter) RunStatus(ctx context.Context) error {
	for {
		wait := r.interval
		if err := r.reportStatus(ctx); err != nil {
			r.log.WithError(err).Error("could not report container status")
			wait = r.errorInterval
		}
		if !sleepCtx(ctx, wait) {
			return nil
		}
	}
}

func (r *Reporter) fetchInfo(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.infoURL, nil)
	if err != nil {
		return errors.Wrap(err, "build descriptor request")
	}
	req.Header.Set("x-api-key", r.apiKey)

	resp, err := r.httpc.Do(req)
	if err != nil {
		return errors.Wrap(err, "fetch container descriptors")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("descriptor fetch returned %s", resp.Status)
	}

	var info infoResponse
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return errors.Wrap(err, "decode descriptor response")
	}
	if len(info.ContainerInfo) == 0 {
		// An empty set would blank out the report; keep the current one.
		return nil
	}

	r.descriptors.Store(&info.ContainerInfo)
	r.log.WithField("containers", len(info.ContainerInfo)).Debug("descriptor set updated")
	return nil
}

func (r *Reporter) reportStatus(ctx context.Context) error {
	snapshot, err := r.Snapshot(ctx)
	if err != nil {
		return err
	}

	body, err := json.Marshal(statusReport{ContainerStatus: snapshot})
	if err != nil {
		return errors.Wrap(err, "encode status report")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.statusURL, bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, "build status request")
	}
	req.Header.Set("x-api-key", r.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.httpc.Do(req)
	if err != nil {
		return errors.Wrap(err, "post container status")
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return errors.Errorf("status report returned %s", resp.Status)
	}

	r.log.WithField("containers", len(snapshot)).Debug("container status reported")
	return nil
}

// Snapshot builds the current report: every described container that exists
// locally with its engine state, and every described-but-absent container
// marked missing.
func (r *Reporter) Snapshot(ctx context.Context) (map[string]ContainerStatus, error) {
	descriptors := r.Descriptors()

	containers, err := r.lister.ListContainers(ctx, "")
	if err != nil {
		return nil, errors.Wrap(err, "list containers")
	}

	report := make(map[string]ContainerStatus, len(descriptors))
	for _, c := range containers {
		description, described := descriptors[c.Name]
		if !described {
			continue
		}
		created := ""
		if !c.Created.IsZero() {
			created = c.Created.UTC().Format(time.RFC3339)
		}
		report[c.Name] = ContainerStatus{
			Description: description,
			Status:      c.State,
			Image:       c.Image,
			Ports:       c.Ports,
			Created:     created,
			Command:     c.Command,
			ID:          c.ID,
			Present:     true,
		}
	}

	for name, description := range descriptors {
		if _, ok := report[name]; ok {
			continue
		}
		r.log.WithField("container", name).Warn("described container is absent")
		report[name] = ContainerStatus{
			Description: description,
			Status:      "missing",
			Image:       "unknown",
			Present:     false,
		}
	}
	return report, nil
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
