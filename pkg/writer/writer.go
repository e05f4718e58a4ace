// Package writer is the sole path from a decoded capture to both the
// local append-only log and the inventory API. It enforces a fixed
// order: write-local, then the de-dup check, then either a skip or a
// dispatch to sync on a background worker.
package writer

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	json "github.com/goccy/go-json"
	"go.uber.org/zap"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/arnaav00/daemonset-capture/pkg/dedup"
	"github.com/arnaav00/daemonset-capture/pkg/model"
	"github.com/arnaav00/daemonset-capture/pkg/onboard"
	"github.com/arnaav00/daemonset-capture/pkg/paramize"
	"github.com/arnaav00/daemonset-capture/pkg/registry"
	"github.com/arnaav00/daemonset-capture/pkg/resolve"
	"github.com/arnaav00/daemonset-capture/pkg/syncclient"
)

// DefaultQueueSize bounds the writer's local-write queue.
const DefaultQueueSize = 1024

// DefaultSyncWorkers is the size of the bounded pool dispatching sync
// I/O per capture.
const DefaultSyncWorkers = 8

const capturePrefix = "ENDPOINT_CAPTURE:"

// Metrics receives per-capture outcome counts; the metrics package
// implements it. Nil is safe — all calls become no-ops.
type Metrics interface {
	IncHTTPCapture(kind string)
	IncDedupHit()
	IncSyncRequest(outcome string)
	IncOnboardingAttempt(outcome string)
}

// onboarder is the subset of onboard.Coordinator a Writer depends on,
// named narrowly for fakeability.
type onboarder interface {
	Onboard(ctx context.Context, service string) (registry.Mapping, bool)
}

// syncer is the subset of syncclient.Client a Writer depends on.
type syncer interface {
	Preview(ctx context.Context, appID, instanceID string, requests []syncclient.BoltRequest) (syncclient.PreviewResult, error)
	Commit(ctx context.Context, appID, instanceID string, endpoints []syncclient.CommitEndpoint) error
	AddEndpoints(ctx context.Context, appID, instanceID string, items []syncclient.AddEndpointItem) error
	ListEndpoints(ctx context.Context, appID, instanceID string) (map[syncclient.EndpointKey]string, error)
	UpdateEndpointExample(ctx context.Context, appID, instanceID, endpointID, contentType, body string) error
}

// Writer owns the append-only capture log and dispatches de-duplicated
// captures onward to onboarding and the inventory API.
type Writer struct {
	log     *zap.Logger
	fileLog io.WriteCloser
	stdout  io.Writer
	dedup   *dedup.Cache
	reg     *registry.Registry
	onboard onboarder
	client  syncer
	metrics Metrics

	queue    chan *model.Capture
	syncJobs chan *model.Capture

	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Config bundles the paths and tuning knobs a Writer needs.
type Config struct {
	OutputFile  string
	QueueSize   int
	SyncWorkers int
}

// New builds a Writer and starts its write-local and sync worker
// goroutines. Close must be called to drain them.
func New(cfg Config, dedupCache *dedup.Cache, reg *registry.Registry, onboard onboarder, client syncer, metrics Metrics, log *zap.Logger) *Writer {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.SyncWorkers <= 0 {
		cfg.SyncWorkers = DefaultSyncWorkers
	}

	w := &Writer{
		log: log,
		fileLog: &lumberjack.Logger{
			Filename:   cfg.OutputFile,
			MaxSize:    100,
			MaxBackups: 3,
			MaxAge:     28,
			LocalTime:  true,
		},
		stdout:   os.Stdout,
		dedup:    dedupCache,
		reg:      reg,
		onboard:  onboard,
		client:   client,
		metrics:  metrics,
		queue:    make(chan *model.Capture, cfg.QueueSize),
		syncJobs: make(chan *model.Capture, cfg.SyncWorkers*4),
	}

	w.wg.Add(1)
	go w.writeLoop()

	for i := 0; i < cfg.SyncWorkers; i++ {
		w.wg.Add(1)
		go w.syncLoop()
	}

	return w
}

// Write enqueues a capture for local logging and sync dispatch. It
// blocks the calling goroutine while the queue is full — this is the
// capture path's only backpressure point. Write is called from the
// flow table's Ingest, so a full queue stalls the capture loop of the
// interface that delivered the packet, not just one flow.
func (w *Writer) Write(c *model.Capture) {
	w.queue <- c
}

// Close drains the queue and stops all workers.
func (w *Writer) Close() {
	w.closeOnce.Do(func() {
		close(w.queue)
		w.wg.Wait()
		w.fileLog.Close()
	})
}

func (w *Writer) writeLoop() {
	defer w.wg.Done()
	// writeLoop is the only sender on syncJobs; closing it here lets the
	// sync workers drain and exit once the queue is closed.
	defer close(w.syncJobs)
	for c := range w.queue {
		w.writeLocal(c)

		if w.metrics != nil {
			w.metrics.IncHTTPCapture(string(c.Kind))
		}

		if w.dedup.Seen(c) {
			if w.metrics != nil {
				w.metrics.IncDedupHit()
			}
			continue
		}

		select {
		case w.syncJobs <- c:
		default:
			w.log.Warn("sync worker pool saturated, dropping capture from sync", zap.String("service", c.Service), zap.String("endpoint", c.Endpoint))
		}
	}
}

func (w *Writer) writeLocal(c *model.Capture) {
	line, err := json.Marshal(c)
	if err != nil {
		w.log.Error("failed to marshal capture", zap.Error(err))
		return
	}

	if _, err := w.fileLog.Write(append(line, '\n')); err != nil {
		w.log.Error("failed to write capture to local log", zap.Error(err))
	}
	fmt.Fprintf(w.stdout, "%s %s\n", capturePrefix, line)
}

func (w *Writer) syncLoop() {
	defer func() {
		w.wg.Done()
	}()
	for c := range w.syncJobs {
		w.dispatchSync(c)
	}
}

func (w *Writer) dispatchSync(c *model.Capture) {
	if c.Service == "" || c.Service == resolve.UnknownService {
		return
	}

	ctx := context.Background()

	switch c.Kind {
	case model.KindRequest:
		w.syncRequest(ctx, c)
	case model.KindResponse:
		w.syncResponseExample(ctx, c)
	}
}

func (w *Writer) syncRequest(ctx context.Context, c *model.Capture) {
	mapping, ok := w.reg.Lookup(c.Service)
	if !ok {
		mapping, ok = w.onboard.Onboard(ctx, c.Service)
		outcome := "onboarded"
		if !ok {
			outcome = "skipped"
		}
		if w.metrics != nil {
			w.metrics.IncOnboardingAttempt(outcome)
		}
		if !ok {
			return
		}
	}

	req := syncclient.BoltRequest{
		Method:         c.Method,
		URL:            c.URL,
		RequestHeaders: c.RequestHeaders,
		RequestBody:    c.RequestBody,
	}

	preview, err := w.client.Preview(ctx, mapping.AppID, mapping.InstanceID, []syncclient.BoltRequest{req})
	if err != nil {
		w.log.Warn("bolt preview failed", zap.String("service", c.Service), zap.Error(err))
		w.recordSyncOutcome(err)
		return
	}

	if len(preview.EndpointSuggestions) > 0 {
		w.commitSuggestion(ctx, mapping, c, preview.EndpointSuggestions[0])
		return
	}

	w.addEndpoint(ctx, mapping, c)
}

func (w *Writer) commitSuggestion(ctx context.Context, mapping registry.Mapping, c *model.Capture, suggestion syncclient.EndpointSuggestion) {
	endpoint := syncclient.CommitEndpoint{
		EndpointID:  suggestion.EndpointID,
		Include:     true,
		PathParams:  suggestion.PathParams,
		QueryParams: suggestion.QueryParams,
		Headers:     c.RequestHeaders,
		RequestBodyExample: &syncclient.RequestBodyExample{
			ContentType: contentTypeOf(c.RequestHeaders),
			Content:     c.RequestBody,
		},
	}

	err := w.client.Commit(ctx, mapping.AppID, mapping.InstanceID, []syncclient.CommitEndpoint{endpoint})
	if err != nil {
		w.log.Warn("bolt commit failed", zap.String("service", c.Service), zap.Error(err))
	}
	w.recordSyncOutcome(err)
}

func (w *Writer) addEndpoint(ctx context.Context, mapping registry.Mapping, c *model.Capture) {
	item := syncclient.AddEndpointItem{
		Method:   strings.ToLower(c.Method),
		Endpoint: paramize.Parameterize(c.Endpoint),
		Payload:  c.RequestBody,
	}

	err := w.client.AddEndpoints(ctx, mapping.AppID, mapping.InstanceID, []syncclient.AddEndpointItem{item})
	if err != nil {
		w.log.Warn("add-endpoints fallback failed", zap.String("service", c.Service), zap.Error(err))
	}
	w.recordSyncOutcome(err)
}

// syncResponseExample refreshes an already-committed endpoint's body
// sample with a later response capture's body, without re-running
// preview/commit. Responses never trigger onboarding — a response on
// an unmapped service means the request side hasn't onboarded it yet,
// and there is nothing in the inventory API to attach the example to.
func (w *Writer) syncResponseExample(ctx context.Context, c *model.Capture) {
	mapping, ok := w.reg.Lookup(c.Service)
	if !ok {
		return
	}

	endpoints, err := w.client.ListEndpoints(ctx, mapping.AppID, mapping.InstanceID)
	if err != nil {
		w.log.Debug("list endpoints failed during response example refresh", zap.String("service", c.Service), zap.Error(err))
		return
	}

	key := syncclient.EndpointKey{Method: strings.ToUpper(c.Method), Path: paramize.Parameterize(c.Endpoint)}
	endpointID, found := endpoints[key]
	if !found {
		return
	}

	err = w.client.UpdateEndpointExample(ctx, mapping.AppID, mapping.InstanceID, endpointID, contentTypeOf(c.ResponseHeaders), c.ResponseBody)
	if err != nil {
		w.log.Debug("update endpoint example failed", zap.String("service", c.Service), zap.Error(err))
	}
	w.recordSyncOutcome(err)
}

func (w *Writer) recordSyncOutcome(err error) {
	if w.metrics == nil {
		return
	}
	switch err.(type) {
	case nil:
		w.metrics.IncSyncRequest("success")
	case *syncclient.UnauthorizedError:
		w.metrics.IncSyncRequest("unauthorized")
	case *syncclient.TransientError:
		w.metrics.IncSyncRequest("transient")
	default:
		w.metrics.IncSyncRequest("error")
	}
}

func contentTypeOf(headers map[string]string) string {
	for k, v := range headers {
		if strings.EqualFold(k, "Content-Type") {
			return v
		}
	}
	return "application/json"
}
