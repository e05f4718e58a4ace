// Package registry implements the two-layer service mapping store: a
// read-only mount document carrying the API key and initial mappings,
// and a writable overlay document holding mappings learned at runtime.
// Every lookup re-stats both files and re-reads whichever one changed on
// disk, so that a mapping written by one worker becomes visible to every
// other worker without a process restart.
package registry

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/gofrs/flock"
	json "github.com/goccy/go-json"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// DefaultAPISecURL is used when the mount document omits apisecUrl.
const DefaultAPISecURL = "https://api.apisecapps.com"

// Mapping is a persisted service-name -> inventory-application
// association.
type Mapping struct {
	AppID      string `json:"appId"`
	InstanceID string `json:"instanceId"`
}

// mountDoc is the shape of the read-only configuration document.
type mountDoc struct {
	APIKey                 string             `json:"apiKey"`
	AutoOnboardNewServices bool               `json:"autoOnboardNewServices"`
	APISecURL              string             `json:"apisecUrl"`
	ServiceMappings        map[string]Mapping `json:"serviceMappings"`
}

// overlayDoc is the shape of the writable overlay document.
type overlayDoc struct {
	ServiceMappings map[string]Mapping `json:"serviceMappings"`
}

// Registry merges the mount and overlay documents on every lookup.
type Registry struct {
	mountPath   string
	overlayPath string
	log         *zap.Logger

	mu          sync.Mutex
	mount       mountDoc
	overlay     overlayDoc
	mountStat   time.Time
	overlayStat time.Time
	watcher     *fsnotify.Watcher
}

// New builds a Registry over the given mount and overlay paths. Both
// files are read immediately so construction fails loudly if the mount
// path is missing; a missing overlay is treated as empty.
func New(mountPath, overlayPath string, log *zap.Logger) (*Registry, error) {
	r := &Registry{
		mountPath:   mountPath,
		overlayPath: overlayPath,
		log:         log,
	}
	if err := r.reloadLocked(); err != nil {
		return nil, err
	}
	if err := r.startWatcher(); err != nil {
		log.Warn("registry hot-reload watcher unavailable, falling back to mtime polling", zap.Error(err))
	}
	return r, nil
}

func (r *Registry) startWatcher() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "new fsnotify watcher")
	}
	for _, p := range []string{r.mountPath, r.overlayPath} {
		dir := filepath.Dir(p)
		if err := w.Add(dir); err != nil {
			r.log.Warn("watch registry directory failed", zap.String("dir", dir), zap.Error(err))
		}
	}
	r.watcher = w
	go r.watchLoop()
	return nil
}

func (r *Registry) watchLoop() {
	for {
		select {
		case ev, ok := <-r.watcher.Events:
			if !ok {
				return
			}
			if ev.Name == r.mountPath || ev.Name == r.overlayPath {
				r.log.Info("config changed, hot-reloading", zap.String("file", ev.Name))
			}
		case err, ok := <-r.watcher.Errors:
			if !ok {
				return
			}
			r.log.Warn("registry watcher error", zap.Error(err))
		}
	}
}

// Close releases the fsnotify watcher, if any.
func (r *Registry) Close() error {
	if r.watcher != nil {
		return r.watcher.Close()
	}
	return nil
}

// reloadLocked re-stats both documents and re-parses whichever one
// changed. Callers must hold r.mu.
func (r *Registry) reloadLocked() error {
	mountInfo, err := os.Stat(r.mountPath)
	if err != nil {
		return errors.Wrap(err, "stat mount document")
	}
	if mountInfo.ModTime().After(r.mountStat) || r.mountStat.IsZero() {
		var doc mountDoc
		raw, err := os.ReadFile(r.mountPath)
		if err != nil {
			return errors.Wrap(err, "read mount document")
		}
		if err := json.Unmarshal(raw, &doc); err != nil {
			return errors.Wrap(err, "parse mount document")
		}
		doc.APIKey = strings.TrimSpace(doc.APIKey)
		if doc.APISecURL == "" {
			doc.APISecURL = DefaultAPISecURL
		}
		if doc.ServiceMappings == nil {
			doc.ServiceMappings = map[string]Mapping{}
		}
		r.mount = doc
		r.mountStat = mountInfo.ModTime()
	}

	overlayInfo, statErr := os.Stat(r.overlayPath)
	switch {
	case statErr == nil:
		if overlayInfo.ModTime().After(r.overlayStat) || r.overlayStat.IsZero() {
			raw, err := os.ReadFile(r.overlayPath)
			if err != nil {
				return errors.Wrap(err, "read overlay document")
			}
			var doc overlayDoc
			if err := json.Unmarshal(raw, &doc); err != nil {
				r.log.Warn("malformed overlay document, quarantining", zap.Error(err))
				r.quarantineOverlay()
				doc = overlayDoc{}
			}
			if doc.ServiceMappings == nil {
				doc.ServiceMappings = map[string]Mapping{}
			}
			r.overlay = doc
			r.overlayStat = overlayInfo.ModTime()
		}
	case os.IsNotExist(statErr):
		r.overlay = overlayDoc{ServiceMappings: map[string]Mapping{}}
	default:
		return errors.Wrap(statErr, "stat overlay document")
	}
	return nil
}

// quarantineOverlay renames a malformed overlay document aside so a
// future read treats it as absent. Callers must hold r.mu.
func (r *Registry) quarantineOverlay() {
	backup := r.overlayPath + ".bak." + formatUnixNano()
	if err := os.Rename(r.overlayPath, backup); err != nil {
		r.log.Warn("quarantine malformed overlay failed", zap.Error(err))
	}
}

// Lookup re-reads both documents and returns the merged mapping for
// service, overlay taking precedence.
func (r *Registry) Lookup(service string) (Mapping, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.reloadLocked(); err != nil {
		r.log.Warn("registry reload failed, serving stale mapping", zap.Error(err))
	}
	if m, ok := r.overlay.ServiceMappings[service]; ok {
		return m, true
	}
	m, ok := r.mount.ServiceMappings[service]
	return m, ok
}

// APIKey returns the trimmed API key from the mount document.
func (r *Registry) APIKey() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.reloadLocked(); err != nil {
		r.log.Warn("registry reload failed, serving stale api key", zap.Error(err))
	}
	return r.mount.APIKey
}

// APISecURL returns the configured inventory API base URL.
func (r *Registry) APISecURL() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.reloadLocked(); err != nil {
		r.log.Warn("registry reload failed, serving stale apisec url", zap.Error(err))
	}
	return r.mount.APISecURL
}

// AutoOnboard reports whether newly-seen services should be onboarded.
func (r *Registry) AutoOnboard() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.reloadLocked(); err != nil {
		r.log.Warn("registry reload failed, serving stale auto-onboard flag", zap.Error(err))
	}
	return r.mount.AutoOnboardNewServices
}

// SetMapping persists a new overlay mapping for service. It never
// overwrites an existing mapping for the same service, matching the
// "stored mapping wins" invariant: a caller that already holds the
// onboarding lock for service is expected to have already checked
// Lookup before calling SetMapping.
func (r *Registry) SetMapping(service string, m Mapping) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	fl := flock.New(r.overlayPath + ".lock")
	if err := fl.Lock(); err != nil {
		return errors.Wrap(err, "acquire overlay file lock")
	}
	defer fl.Unlock()

	if err := r.reloadLocked(); err != nil {
		r.log.Warn("registry reload before write failed, proceeding with stale overlay", zap.Error(err))
	}
	if _, exists := r.overlay.ServiceMappings[service]; exists {
		return nil
	}
	if _, exists := r.mount.ServiceMappings[service]; exists {
		return nil
	}

	next := overlayDoc{ServiceMappings: make(map[string]Mapping, len(r.overlay.ServiceMappings)+1)}
	for k, v := range r.overlay.ServiceMappings {
		next.ServiceMappings[k] = v
	}
	next.ServiceMappings[service] = m

	raw, err := json.MarshalIndent(next, "", "  ")
	if err != nil {
		return errors.Wrap(err, "marshal overlay document")
	}

	dir := filepath.Dir(r.overlayPath)
	tmp, err := os.CreateTemp(dir, ".overlay-*.tmp")
	if err != nil {
		return errors.Wrap(err, "create overlay temp file")
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return errors.Wrap(err, "write overlay temp file")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return errors.Wrap(err, "close overlay temp file")
	}
	if err := os.Rename(tmpName, r.overlayPath); err != nil {
		os.Remove(tmpName)
		return errors.Wrap(err, "rename overlay temp file into place")
	}

	r.overlay = next
	if info, err := os.Stat(r.overlayPath); err == nil {
		r.overlayStat = info.ModTime()
	}
	return nil
}

// ClearOverlay backs up the overlay document and truncates it to an
// empty mapping set, for CLEAR_SAVED_MAPPINGS=true startup handling.
func (r *Registry) ClearOverlay() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, err := os.Stat(r.overlayPath); err == nil {
		backup := r.overlayPath + ".bak." + formatUnixNano()
		if err := copyFile(r.overlayPath, backup); err != nil {
			return errors.Wrap(err, "back up overlay before clearing")
		}
	}
	empty := overlayDoc{ServiceMappings: map[string]Mapping{}}
	raw, err := json.MarshalIndent(empty, "", "  ")
	if err != nil {
		return errors.Wrap(err, "marshal empty overlay")
	}
	if err := os.WriteFile(r.overlayPath, raw, 0o644); err != nil {
		return errors.Wrap(err, "write empty overlay")
	}
	r.overlay = empty
	r.overlayStat = time.Time{}
	return nil
}

func copyFile(src, dst string) error {
	raw, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, raw, 0o644)
}

func formatUnixNano() string {
	return strconv.FormatInt(time.Now().UnixNano(), 10)
}
