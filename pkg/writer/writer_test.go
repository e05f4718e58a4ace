package writer

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/arnaav00/daemonset-capture/pkg/dedup"
	"github.com/arnaav00/daemonset-capture/pkg/model"
	"github.com/arnaav00/daemonset-capture/pkg/registry"
	"github.com/arnaav00/daemonset-capture/pkg/syncclient"
)

type fakeOnboarder struct {
	mapping registry.Mapping
	ok      bool
	calls   int
}

func (f *fakeOnboarder) Onboard(ctx context.Context, service string) (registry.Mapping, bool) {
	f.calls++
	return f.mapping, f.ok
}

type fakeSyncer struct {
	mu sync.Mutex

	previewResult syncclient.PreviewResult
	previewErr    error
	commitErr     error
	addErr        error
	listResult    map[syncclient.EndpointKey]string
	updateErr     error

	previewCalls int
	commitCalls  []syncclient.CommitEndpoint
	addCalls     []syncclient.AddEndpointItem
	updateCalls  int
}

func (f *fakeSyncer) Preview(ctx context.Context, appID, instanceID string, requests []syncclient.BoltRequest) (syncclient.PreviewResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.previewCalls++
	return f.previewResult, f.previewErr
}

func (f *fakeSyncer) Commit(ctx context.Context, appID, instanceID string, endpoints []syncclient.CommitEndpoint) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commitCalls = append(f.commitCalls, endpoints...)
	return f.commitErr
}

func (f *fakeSyncer) AddEndpoints(ctx context.Context, appID, instanceID string, items []syncclient.AddEndpointItem) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.addCalls = append(f.addCalls, items...)
	return f.addErr
}

func (f *fakeSyncer) ListEndpoints(ctx context.Context, appID, instanceID string) (map[syncclient.EndpointKey]string, error) {
	return f.listResult, nil
}

func (f *fakeSyncer) UpdateEndpointExample(ctx context.Context, appID, instanceID, endpointID, contentType, body string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updateCalls++
	return f.updateErr
}

func newTestRegistry(t *testing.T, mappings map[string]registry.Mapping) *registry.Registry {
	t.Helper()
	dir := t.TempDir()
	mountPath := filepath.Join(dir, "mount.json")
	overlayPath := filepath.Join(dir, "overlay.json")

	sm := map[string]interface{}{}
	for svc, m := range mappings {
		sm[svc] = map[string]string{"appId": m.AppID, "instanceId": m.InstanceID}
	}
	raw, _ := json.Marshal(map[string]interface{}{
		"apiKey":                 "k",
		"autoOnboardNewServices": true,
		"serviceMappings":        sm,
	})
	require.NoError(t, os.WriteFile(mountPath, raw, 0o644))

	r, err := registry.New(mountPath, overlayPath, zap.NewNop())
	require.NoError(t, err)
	return r
}

func newTestWriter(t *testing.T, reg *registry.Registry, onboarder onboarder, syncer syncer) (*Writer, string) {
	t.Helper()
	outFile := filepath.Join(t.TempDir(), "endpoints.json")
	w := New(Config{OutputFile: outFile}, dedup.New(time.Hour, 0), reg, onboarder, syncer, nil, zap.NewNop())
	return w, outFile
}

func waitForFile(t *testing.T, path string, lines int) []string {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		f, err := os.Open(path)
		if err == nil {
			var got []string
			scanner := bufio.NewScanner(f)
			for scanner.Scan() {
				got = append(got, scanner.Text())
			}
			f.Close()
			if len(got) >= lines {
				return got
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d lines in %s", lines, path)
	return nil
}

func TestWrite_AppendsLocalLogRegardlessOfSync(t *testing.T) {
	reg := newTestRegistry(t, nil)
	w, outFile := newTestWriter(t, reg, &fakeOnboarder{ok: false}, &fakeSyncer{})
	defer w.Close()

	w.Write(&model.Capture{Kind: model.KindRequest, Service: "unknown", Method: "GET", Endpoint: "/x"})

	lines := waitForFile(t, outFile, 1)
	assert.Contains(t, lines[0], `"endpoint":"/x"`)
}

func TestDispatchSync_SkipsUnknownService(t *testing.T) {
	reg := newTestRegistry(t, nil)
	syncer := &fakeSyncer{}
	w, outFile := newTestWriter(t, reg, &fakeOnboarder{}, syncer)
	defer w.Close()

	w.Write(&model.Capture{Kind: model.KindRequest, Service: "unknown", Method: "GET", Endpoint: "/x"})
	waitForFile(t, outFile, 1)
	time.Sleep(20 * time.Millisecond)

	syncer.mu.Lock()
	defer syncer.mu.Unlock()
	assert.Zero(t, syncer.previewCalls)
}

func TestDispatchSync_MappedServiceWithSuggestionCommits(t *testing.T) {
	reg := newTestRegistry(t, map[string]registry.Mapping{"orders": {AppID: "A1", InstanceID: "I1"}})
	syncer := &fakeSyncer{previewResult: syncclient.PreviewResult{
		EndpointSuggestions: []syncclient.EndpointSuggestion{{EndpointID: "E1", PathParams: map[string]string{"id": "42"}}},
	}}
	w, outFile := newTestWriter(t, reg, &fakeOnboarder{}, syncer)
	defer w.Close()

	w.Write(&model.Capture{Kind: model.KindRequest, Service: "orders", Method: "GET", Endpoint: "/orders/42"})
	waitForFile(t, outFile, 1)

	require.Eventually(t, func() bool {
		syncer.mu.Lock()
		defer syncer.mu.Unlock()
		return len(syncer.commitCalls) == 1
	}, time.Second, 5*time.Millisecond)

	syncer.mu.Lock()
	defer syncer.mu.Unlock()
	assert.Equal(t, "E1", syncer.commitCalls[0].EndpointID)
	assert.Zero(t, len(syncer.addCalls))
}

func TestDispatchSync_MappedServiceNoSuggestionFallsBackToAddEndpoint(t *testing.T) {
	reg := newTestRegistry(t, map[string]registry.Mapping{"orders": {AppID: "A1", InstanceID: "I1"}})
	syncer := &fakeSyncer{previewResult: syncclient.PreviewResult{}}
	w, outFile := newTestWriter(t, reg, &fakeOnboarder{}, syncer)
	defer w.Close()

	w.Write(&model.Capture{Kind: model.KindRequest, Service: "orders", Method: "POST", Endpoint: "/orders/3", RequestBody: `{"x":1}`})
	waitForFile(t, outFile, 1)

	require.Eventually(t, func() bool {
		syncer.mu.Lock()
		defer syncer.mu.Unlock()
		return len(syncer.addCalls) == 1
	}, time.Second, 5*time.Millisecond)

	syncer.mu.Lock()
	defer syncer.mu.Unlock()
	assert.Equal(t, "post", syncer.addCalls[0].Method)
}

func TestDispatchSync_UnmappedServiceTriggersOnboarding(t *testing.T) {
	reg := newTestRegistry(t, nil)
	onb := &fakeOnboarder{mapping: registry.Mapping{AppID: "A9", InstanceID: "I9"}, ok: true}
	syncer := &fakeSyncer{}
	w, outFile := newTestWriter(t, reg, onb, syncer)
	defer w.Close()

	w.Write(&model.Capture{Kind: model.KindRequest, Service: "checkout", Method: "GET", Endpoint: "/checkout"})
	waitForFile(t, outFile, 1)

	require.Eventually(t, func() bool {
		syncer.mu.Lock()
		defer syncer.mu.Unlock()
		return syncer.previewCalls == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, onb.calls)
}

func TestDispatchSync_ResponseRefreshesEndpointExampleWhenKnown(t *testing.T) {
	reg := newTestRegistry(t, map[string]registry.Mapping{"orders": {AppID: "A1", InstanceID: "I1"}})
	syncer := &fakeSyncer{listResult: map[syncclient.EndpointKey]string{
		{Method: "GET", Path: "/orders/{id}"}: "E1",
	}}
	w, outFile := newTestWriter(t, reg, &fakeOnboarder{}, syncer)
	defer w.Close()

	w.Write(&model.Capture{Kind: model.KindResponse, Service: "orders", Method: "GET", Endpoint: "/orders/42", ResponseBody: `{"id":42}`})
	waitForFile(t, outFile, 1)

	require.Eventually(t, func() bool {
		syncer.mu.Lock()
		defer syncer.mu.Unlock()
		return syncer.updateCalls == 1
	}, time.Second, 5*time.Millisecond)
}

func TestDispatchSync_DedupHitSkipsSecondSync(t *testing.T) {
	reg := newTestRegistry(t, map[string]registry.Mapping{"orders": {AppID: "A1", InstanceID: "I1"}})
	syncer := &fakeSyncer{previewResult: syncclient.PreviewResult{}}
	w, outFile := newTestWriter(t, reg, &fakeOnboarder{}, syncer)
	defer w.Close()

	cap := func() *model.Capture {
		return &model.Capture{Kind: model.KindRequest, Service: "orders", Method: "GET", Endpoint: "/orders/1"}
	}
	w.Write(cap())
	w.Write(cap())
	waitForFile(t, outFile, 2)

	require.Eventually(t, func() bool {
		syncer.mu.Lock()
		defer syncer.mu.Unlock()
		return syncer.previewCalls == 1
	}, time.Second, 5*time.Millisecond)

	time.Sleep(20 * time.Millisecond)
	syncer.mu.Lock()
	defer syncer.mu.Unlock()
	assert.Equal(t, 1, syncer.previewCalls, "second identical capture should be suppressed by dedup")
}
