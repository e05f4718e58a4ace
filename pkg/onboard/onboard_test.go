package onboard

import (
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

	"github.com/arnaav00/daemonset-capture/pkg/registry"
	"github.com/arnaav00/daemonset-capture/pkg/syncclient"
)

type fakeClient struct {
	mu        sync.Mutex
	apps      []syncclient.Application
	createdAt map[string]int
	nextAppID string
	nextInst  string
	err       error
}

func (f *fakeClient) ListApplications(ctx context.Context) ([]syncclient.Application, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.apps, nil
}

func (f *fakeClient) CreateInstance(ctx context.Context, appID, hostURL, instanceName string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createdAt == nil {
		f.createdAt = map[string]int{}
	}
	f.createdAt["instance:"+appID]++
	return f.nextInst, nil
}

func (f *fakeClient) CreateApplication(ctx context.Context, serviceName string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createdAt == nil {
		f.createdAt = map[string]int{}
	}
	f.createdAt["app:"+serviceName]++
	return f.nextAppID, nil
}

func newTestRegistry(t *testing.T, autoOnboard bool) *registry.Registry {
	t.Helper()
	dir := t.TempDir()
	mountPath := filepath.Join(dir, "mount.json")
	overlayPath := filepath.Join(dir, "overlay.json")
	raw, _ := json.Marshal(map[string]interface{}{
		"apiKey":                 "k",
		"autoOnboardNewServices": autoOnboard,
	})
	require.NoError(t, os.WriteFile(mountPath, raw, 0o644))
	r, err := registry.New(mountPath, overlayPath, zap.NewNop())
	require.NoError(t, err)
	return r
}

func TestOnboard_ExistingMappingShortCircuits(t *testing.T) {
	r := newTestRegistry(t, true)
	require.NoError(t, r.SetMapping("orders", registry.Mapping{AppID: "A1", InstanceID: "I1"}))

	c := New(r, &fakeClient{}, zap.NewNop())
	m, ok := c.Onboard(context.Background(), "orders")
	require.True(t, ok)
	assert.Equal(t, "A1", m.AppID)
}

func TestOnboard_AutoOnboardDisabledDropsCapture(t *testing.T) {
	r := newTestRegistry(t, false)
	c := New(r, &fakeClient{}, zap.NewNop())
	_, ok := c.Onboard(context.Background(), "orders")
	assert.False(t, ok)
}

func TestOnboard_ExistingApplicationWithInstanceIsReused(t *testing.T) {
	r := newTestRegistry(t, true)
	client := &fakeClient{
		apps: []syncclient.Application{
			{ApplicationID: "A1", ApplicationName: "orders", Instances: []syncclient.Instance{{InstanceID: "I1"}}},
		},
	}
	c := New(r, client, zap.NewNop())
	m, ok := c.Onboard(context.Background(), "orders")
	require.True(t, ok)
	assert.Equal(t, "A1", m.AppID)
	assert.Equal(t, "I1", m.InstanceID)
	assert.Zero(t, client.createdAt["instance:A1"], "should not create an instance when one already exists")
}

func TestOnboard_ExistingApplicationNoInstanceCreatesOne(t *testing.T) {
	r := newTestRegistry(t, true)
	client := &fakeClient{
		apps:     []syncclient.Application{{ApplicationID: "A1", ApplicationName: "orders"}},
		nextInst: "I2",
	}
	c := New(r, client, zap.NewNop())
	m, ok := c.Onboard(context.Background(), "orders")
	require.True(t, ok)
	assert.Equal(t, "I2", m.InstanceID)
	assert.Equal(t, 1, client.createdAt["instance:A1"])
}

func TestOnboard_NewServiceCreatesApplicationAndInstance(t *testing.T) {
	r := newTestRegistry(t, true)
	client := &fakeClient{nextAppID: "A9", nextInst: "I9"}
	c := New(r, client, zap.NewNop())
	m, ok := c.Onboard(context.Background(), "checkout")
	require.True(t, ok)
	assert.Equal(t, "A9", m.AppID)
	assert.Equal(t, "I9", m.InstanceID)
	assert.Equal(t, 1, client.createdAt["app:checkout"])
}

func TestOnboard_ConcurrentAttemptsCreateApplicationOnce(t *testing.T) {
	r := newTestRegistry(t, true)
	client := &fakeClient{nextAppID: "A9", nextInst: "I9"}
	c := New(r, client, zap.NewNop())

	var wg sync.WaitGroup
	results := make([]bool, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, ok := c.Onboard(context.Background(), "checkout")
			results[i] = ok
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, ok := range results {
		if ok {
			succeeded++
		}
	}
	assert.GreaterOrEqual(t, succeeded, 1)
	assert.Equal(t, 1, client.createdAt["app:checkout"], "concurrent attempts must create the application exactly once")

	time.Sleep(10 * time.Millisecond)
	m, ok := r.Lookup("checkout")
	require.True(t, ok)
	assert.Equal(t, "A9", m.AppID)
}
