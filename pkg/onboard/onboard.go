// Package onboard implements the exactly-once inventory-application
// creation protocol for a service seen without a mapping: acquire a
// per-service lock non-blockingly, recheck under the lock, search the
// inventory API by name, and either reuse, provision an instance on,
// or create an application for the service before persisting the
// resulting mapping.
package onboard

import (
	"context"
	"fmt"
	"sync"

	"github.com/alphadose/haxmap"
	"go.uber.org/zap"

	"github.com/arnaav00/daemonset-capture/pkg/registry"
	"github.com/arnaav00/daemonset-capture/pkg/syncclient"
)

// State is a service's position in the onboarding lifecycle.
type State string

const (
	StateUnmapped   State = "unmapped"
	StateOnboarding State = "onboarding"
	StateMapped     State = "mapped"
	StateFailed     State = "failed"
)

// applicationClient is the subset of syncclient.Client the coordinator
// needs, named narrowly so tests can fake it.
type applicationClient interface {
	ListApplications(ctx context.Context) ([]syncclient.Application, error)
	CreateInstance(ctx context.Context, appID, hostURL, instanceName string) (string, error)
	CreateApplication(ctx context.Context, serviceName string) (string, error)
}

// Coordinator onboards services into the inventory application on
// first sight, subject to the registry's auto-onboard flag.
type Coordinator struct {
	reg    *registry.Registry
	client applicationClient
	log    *zap.Logger
	locks  *haxmap.Map[string, *sync.Mutex]
}

// New builds a Coordinator bound to a registry and inventory client.
func New(reg *registry.Registry, client applicationClient, log *zap.Logger) *Coordinator {
	return &Coordinator{
		reg:    reg,
		client: client,
		log:    log,
		locks:  haxmap.New[string, *sync.Mutex](),
	}
}

func (c *Coordinator) lockFor(service string) *sync.Mutex {
	l, _ := c.locks.GetOrCompute(service, func() *sync.Mutex { return &sync.Mutex{} })
	return l
}

// Onboard attempts to acquire, create, and persist a mapping for
// service. It returns (mapping, true) only when a mapping now exists
// (either found already present, or freshly onboarded). A false
// second value means the capture that triggered this call should be
// logged locally but not forwarded; a later capture will retry.
func (c *Coordinator) Onboard(ctx context.Context, service string) (registry.Mapping, bool) {
	if m, ok := c.reg.Lookup(service); ok {
		return m, true
	}
	if !c.reg.AutoOnboard() {
		return registry.Mapping{}, false
	}

	lock := c.lockFor(service)
	if !lock.TryLock() {
		c.log.Debug("onboarding already in flight, dropping this attempt", zap.String("service", service))
		return registry.Mapping{}, false
	}
	defer lock.Unlock()

	if m, ok := c.reg.Lookup(service); ok {
		return m, true
	}

	m, err := c.onboardLocked(ctx, service)
	if err != nil {
		c.log.Warn("onboarding attempt failed", zap.String("service", service), zap.Error(err))
		return registry.Mapping{}, false
	}
	return m, true
}

func (c *Coordinator) onboardLocked(ctx context.Context, service string) (registry.Mapping, error) {
	apps, err := c.client.ListApplications(ctx)
	if err != nil {
		return registry.Mapping{}, fmt.Errorf("list applications: %w", err)
	}

	var appID string
	var instances []syncclient.Instance
	found := false
	for _, app := range apps {
		if app.ApplicationName == service {
			appID = app.ApplicationID
			instances = app.Instances
			found = true
			break
		}
	}

	var instanceID string
	switch {
	case found && len(instances) > 0:
		instanceID = instances[0].InstanceID
	case found:
		instanceID, err = c.client.CreateInstance(ctx, appID, "/", service+"_instance")
		if err != nil {
			return registry.Mapping{}, fmt.Errorf("create instance for existing application: %w", err)
		}
	default:
		appID, err = c.client.CreateApplication(ctx, service)
		if err != nil {
			return registry.Mapping{}, fmt.Errorf("create application: %w", err)
		}
		instanceID, err = c.client.CreateInstance(ctx, appID, "/", service+"_instance")
		if err != nil {
			return registry.Mapping{}, fmt.Errorf("create instance for new application: %w", err)
		}
	}

	m := registry.Mapping{AppID: appID, InstanceID: instanceID}
	if err := c.reg.SetMapping(service, m); err != nil {
		return registry.Mapping{}, fmt.Errorf("persist mapping: %w", err)
	}

	if stored, ok := c.reg.Lookup(service); ok {
		return stored, nil
	}
	return m, nil
}
