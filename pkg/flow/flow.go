// Package flow tracks per-TCP-flow byte buffers and drives the HTTP
// decoder over them as bytes arrive, in delivery order.
//
// The table is backed by haxmap.Map rather than a mutex-guarded
// map[string]*Entry: flow keys are disjoint across concurrent packet
// sources, and haxmap's GetOrCompute gives the single-insert-per-key
// semantics a flow table needs without a lock shared by every key.
package flow

import (
	"strconv"
	"sync"
	"time"

	"github.com/alphadose/haxmap"
	"github.com/google/uuid"
	"github.com/valyala/bytebufferpool"
	"go.uber.org/zap"

	"github.com/arnaav00/daemonset-capture/pkg/httpdecode"
	"github.com/arnaav00/daemonset-capture/pkg/model"
)

// DefaultIdleTimeout is how long a flow may sit without new bytes
// before its entry is evicted and its buffers returned to the pool.
const DefaultIdleTimeout = 30 * time.Second

// DefaultSweepInterval is how often the idle sweep runs.
const DefaultSweepInterval = 10 * time.Second

// Resolver attributes a service name to a request capture. It is
// called with the decoded Host header and the destination IP; any
// failure path is expected to return "unknown", never an error.
type Resolver interface {
	Resolve(host, dstIP string) string
}

// Entry holds the buffered bytes and request-context memory for one
// TCP flow, keyed by its first-seen 4-tuple.
type Entry struct {
	srcIP   string
	srcPort uint16
	dstIP   string
	dstPort uint16

	mu       sync.Mutex
	bufFwd   *bytebufferpool.ByteBuffer // srcIP:srcPort -> dstIP:dstPort
	bufRev   *bytebufferpool.ByteBuffer // dstIP:dstPort -> srcIP:srcPort
	ctxFwd   *model.RequestContext      // most recent request parsed in the forward direction
	ctxRev   *model.RequestContext      // most recent request parsed in the reverse direction
	lastSeen time.Time
	nonHTTP  bool
}

// Table is the set of live flows for this node.
type Table struct {
	entries  *haxmap.Map[string, *Entry]
	node     string
	resolver Resolver
	onCap    func(*model.Capture)
	idle     time.Duration
	log      *zap.Logger

	stop chan struct{}
	once sync.Once
}

// New builds a flow table. onCapture is invoked for every decoded
// request or response, synchronously from the goroutine that called
// Ingest.
func New(node string, resolver Resolver, onCapture func(*model.Capture), idleTimeout time.Duration, log *zap.Logger) *Table {
	if idleTimeout <= 0 {
		idleTimeout = DefaultIdleTimeout
	}
	t := &Table{
		entries:  haxmap.New[string, *Entry](),
		node:     node,
		resolver: resolver,
		onCap:    onCapture,
		idle:     idleTimeout,
		log:      log,
		stop:     make(chan struct{}),
	}
	go t.sweepLoop()
	return t
}

// Close stops the idle sweep goroutine.
func (t *Table) Close() {
	t.once.Do(func() { close(t.stop) })
}

func flowKey(srcIP string, srcPort uint16, dstIP string, dstPort uint16) string {
	a := srcIP + ":" + strconv.Itoa(int(srcPort))
	b := dstIP + ":" + strconv.Itoa(int(dstPort))
	if a < b {
		return a + "|" + b
	}
	return b + "|" + a
}

// Ingest appends payload to the flow identified by the 4-tuple and
// attempts to decode as many complete HTTP messages as the buffer now
// holds. Captures are emitted via the onCapture callback passed to New.
func (t *Table) Ingest(srcIP string, srcPort uint16, dstIP string, dstPort uint16, payload []byte, ts time.Time) {
	if len(payload) == 0 {
		return
	}
	key := flowKey(srcIP, srcPort, dstIP, dstPort)
	entry, _ := t.entries.GetOrCompute(key, func() *Entry {
		return &Entry{
			srcIP:    srcIP,
			srcPort:  srcPort,
			dstIP:    dstIP,
			dstPort:  dstPort,
			bufFwd:   bytebufferpool.Get(),
			bufRev:   bytebufferpool.Get(),
			lastSeen: ts,
		}
	})

	entry.mu.Lock()
	defer entry.mu.Unlock()

	entry.lastSeen = ts
	if entry.nonHTTP {
		return
	}

	forward := srcIP == entry.srcIP && srcPort == entry.srcPort
	var buf *bytebufferpool.ByteBuffer
	var ctxOwn, ctxOther **model.RequestContext
	if forward {
		buf = entry.bufFwd
		ctxOwn, ctxOther = &entry.ctxFwd, &entry.ctxRev
	} else {
		buf = entry.bufRev
		ctxOwn, ctxOther = &entry.ctxRev, &entry.ctxFwd
	}
	_, _ = buf.Write(payload)

	for {
		src := httpdecode.Addr{IP: srcIP, Port: srcPort}
		dst := httpdecode.Addr{IP: dstIP, Port: dstPort}
		res := httpdecode.TryParse(buf.B, src, dst, t.node, ts, *ctxOther)
		switch res.Outcome {
		case httpdecode.Complete:
			trimmed := append([]byte(nil), buf.B[res.Consumed:]...)
			buf.Reset()
			_, _ = buf.Write(trimmed)

			cap := res.Capture
			if cap.Kind == model.KindRequest {
				cap.Service = t.resolver.Resolve(cap.Host, dst.IP)
				cap.ID = uuid.NewString()
				if res.ReqCtx != nil {
					res.ReqCtx.Service = cap.Service
					*ctxOwn = res.ReqCtx
				}
			} else {
				cap.ID = uuid.NewString()
			}
			if t.onCap != nil {
				t.onCap(cap)
			}
			if buf.Len() == 0 {
				return
			}
			continue
		case httpdecode.Incomplete:
			return
		case httpdecode.NotHttp:
			entry.nonHTTP = true
			buf.Reset()
			return
		}
	}
}

func (t *Table) sweepLoop() {
	ticker := time.NewTicker(DefaultSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-t.stop:
			return
		case <-ticker.C:
			t.sweep()
		}
	}
}

func (t *Table) sweep() {
	now := time.Now()
	var stale []string
	t.entries.ForEach(func(key string, e *Entry) bool {
		e.mu.Lock()
		idle := now.Sub(e.lastSeen)
		e.mu.Unlock()
		if idle > t.idle {
			stale = append(stale, key)
		}
		return true
	})
	for _, key := range stale {
		if e, ok := t.entries.Get(key); ok {
			e.mu.Lock()
			bytebufferpool.Put(e.bufFwd)
			bytebufferpool.Put(e.bufRev)
			e.mu.Unlock()
		}
		t.entries.Del(key)
	}
	if len(stale) > 0 {
		t.log.Debug("evicted idle flows", zap.Int("count", len(stale)))
	}
}

// Len reports the number of live flow entries, for metrics.
func (t *Table) Len() int {
	return int(t.entries.Len())
}
