package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"sort"
	"strings"

	docker "github.com/fsouza/go-dockerclient"
	"github.com/ottofleet/otad/pkg/wire"
	"github.com/pkg/errors"
)

// EventKind classifies a recognized line of engine pull output.
type EventKind int

const (
	// EventServicePulling: the pull of a service's image began.
	EventServicePulling EventKind = iota
	// EventDownloading: a layer reported byte-level download progress.
	EventDownloading
	// EventExtracting: a layer is being unpacked.
	EventExtracting
	// EventLayerComplete: a layer finished (pulled or already present).
	EventLayerComplete
	// EventServicePulled: the pull of a service's image finished.
	EventServicePulled
)

// Event is one recognized pull progress observation. ServicesDone and
// ServicesTotal let the consumer derive a fraction-completed percent.
type Event struct {
	Kind          EventKind
	Service       string
	Layer         string
	Current       int64
	Total         int64
	ServicesDone  int
	ServicesTotal int
}

// streamMessage is one JSON object of the engine's raw pull stream.
type streamMessage struct {
	Status         string `json:"status"`
	ID             string `json:"id"`
	Error          string `json:"error"`
	ProgressDetail struct {
		Current int64 `json:"current"`
		Total   int64 `json:"total"`
	} `json:"progressDetail"`
}

// classify maps one decoded stream message to a pull event. The recognized
// status set (v1, current engine output): "Pulling from ...", "Downloading",
// "Extracting", "Pull complete", "Already exists", "Download complete".
// Anything else yields no event and therefore no progress change, so future
// output drift degrades instead of breaking the stage.
func classify(msg streamMessage) (Event, bool) {
	switch {
	case strings.HasPrefix(msg.Status, "Pulling from"):
		return Event{Kind: EventServicePulling}, true
	case msg.Status == "Downloading":
		return Event{
			Kind:    EventDownloading,
			Layer:   msg.ID,
			Current: msg.ProgressDetail.Current,
			Total:   msg.ProgressDetail.Total,
		}, true
	case msg.Status == "Extracting":
		return Event{Kind: EventExtracting, Layer: msg.ID}, true
	case msg.Status == "Pull complete", msg.Status == "Already exists", msg.Status == "Download complete":
		return Event{Kind: EventLayerComplete, Layer: msg.ID}, true
	}
	return Event{}, false
}

// pullStream consumes the engine's raw JSON pull stream line by line,
// forwarding classified events and capturing a stream-level error.
type pullStream struct {
	sink func(Event)
	buf  bytes.Buffer
	err  error
}

func (s *pullStream) Write(p []byte) (int, error) {
	s.buf.Write(p)
	for {
		line, rest, found := bytes.Cut(s.buf.Bytes(), []byte("\n"))
		if !found {
			break
		}
		s.consume(line)
		s.buf.Next(s.buf.Len() - len(rest))
	}
	if s.err != nil {
		return 0, s.err
	}
	return len(p), nil
}

func (s *pullStream) flush() {
	if s.buf.Len() > 0 {
		s.consume(s.buf.Bytes())
		s.buf.Reset()
	}
}

func (s *pullStream) consume(line []byte) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return
	}
	var msg streamMessage
	if err := json.Unmarshal(line, &msg); err != nil {
		// Unrecognized line: no progress change.
		return
	}
	if msg.Error != "" {
		s.err = errors.Errorf("engine error: %s", msg.Error)
		return
	}
	if ev, ok := classify(msg); ok && s.sink != nil {
		s.sink(ev)
	}
}

// Pull fetches the image of every service in the manifest, in stable order,
// streaming classified progress events to sink. The first failed pull aborts
// the remainder; nothing has been started at that point.
func (a *Adapter) Pull(ctx context.Context, m *wire.Manifest, sink func(Event)) error {
	services := make([]string, 0, len(m.Services))
	for name := range m.Services {
		services = append(services, name)
	}
	sort.Strings(services)

	total := len(services)
	for done, service := range services {
		image := m.Services[service].Image
		repository, tag := splitImageRef(image)

		a.log.WithField("service", service).WithField("image", image).Info("pulling image")
		if sink != nil {
			sink(Event{
				Kind:          EventServicePulling,
				Service:       service,
				ServicesDone:  done,
				ServicesTotal: total,
			})
		}

		stream := &pullStream{sink: func(ev Event) {
			ev.Service = service
			ev.ServicesDone = done
			ev.ServicesTotal = total
			if sink != nil {
				sink(ev)
			}
		}}

		pctx, cancel := a.opCtx(ctx, a.timeouts.Pull)
		err := a.client.PullImage(docker.PullImageOptions{
			Repository:    repository,
			Tag:           tag,
			OutputStream:  stream,
			RawJSONStream: true,
			Context:       pctx,
		}, docker.AuthConfiguration{})
		cancel()
		stream.flush()
		if err == nil {
			err = stream.err
		}
		if err != nil {
			return errors.Wrapf(err, "pull image %s for service %s", image, service)
		}

		if sink != nil {
			sink(Event{
				Kind:          EventServicePulled,
				Service:       service,
				ServicesDone:  done + 1,
				ServicesTotal: total,
			})
		}
	}
	return nil
}

// splitImageRef separates repository and tag, defaulting the tag to latest.
// A digest reference or a registry with a port keeps its repository intact.
func splitImageRef(image string) (repository, tag string) {
	if i := strings.LastIndex(image, "@"); i >= 0 {
		return image[:i], image[i+1:]
	}
	slash := strings.LastIndex(image, "/")
	colon := strings.LastIndex(image, ":")
	if colon > slash {
		return image[:colon], image[colon+1:]
	}
	return image, "latest"
}
