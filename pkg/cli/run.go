package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/automaxprocs/maxprocs"
	"go.uber.org/zap"

	"github.com/arnaav00/daemonset-capture/internal/logging"
	"github.com/arnaav00/daemonset-capture/pkg/capture"
	"github.com/arnaav00/daemonset-capture/pkg/dedup"
	"github.com/arnaav00/daemonset-capture/pkg/flow"
	"github.com/arnaav00/daemonset-capture/pkg/k8s"
	"github.com/arnaav00/daemonset-capture/pkg/metrics"
	"github.com/arnaav00/daemonset-capture/pkg/onboard"
	"github.com/arnaav00/daemonset-capture/pkg/registry"
	"github.com/arnaav00/daemonset-capture/pkg/resolve"
	"github.com/arnaav00/daemonset-capture/pkg/syncclient"
	"github.com/arnaav00/daemonset-capture/pkg/writer"
)

// daemonConfig is sentryd's entire environment-variable surface.
type daemonConfig struct {
	nodeName           string
	outputFile         string
	serviceConfigPath  string
	overlayPath        string
	syncEnabled        bool
	clearSavedMappings bool
	metricsAddr        string
	logLevel           string
	logJSON            bool
}

func loadConfigFromEnv() daemonConfig {
	cfg := daemonConfig{
		nodeName:           os.Getenv("NODE_NAME"),
		outputFile:         os.Getenv("OUTPUT_FILE"),
		serviceConfigPath:  os.Getenv("SERVICE_CONFIG_PATH"),
		syncEnabled:        os.Getenv("ENABLE_DEV_WEBSITE_INTEGRATION") == "true",
		clearSavedMappings: os.Getenv("CLEAR_SAVED_MAPPINGS") == "true",
		metricsAddr:        os.Getenv("METRICS_ADDR"),
		logLevel:           os.Getenv("LOG_LEVEL"),
		logJSON:            os.Getenv("LOG_JSON") == "true",
	}
	if cfg.outputFile == "" {
		cfg.outputFile = "/tmp/endpoints.json"
	}
	if cfg.serviceConfigPath == "" {
		cfg.serviceConfigPath = "/etc/sentryd/config.json"
	}
	cfg.overlayPath = filepath.Join(filepath.Dir(cfg.serviceConfigPath), "overlay.json")
	if cfg.nodeName == "" {
		cfg.nodeName, _ = os.Hostname()
	}
	return cfg
}

func runDaemon(cmd *cobra.Command, args []string) error {
	maxprocs.Set()

	cfg := loadConfigFromEnv()
	log := logging.New(logging.Options{Level: cfg.logLevel, JSON: cfg.logJSON})
	defer log.Sync()

	log.Info("sentryd starting",
		zap.String("node", cfg.nodeName),
		zap.String("outputFile", cfg.outputFile),
		zap.String("serviceConfigPath", cfg.serviceConfigPath),
		zap.Bool("syncEnabled", cfg.syncEnabled))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)
	go func() {
		sig := <-sigChan
		log.Info("received shutdown signal, draining in-flight work", zap.String("signal", sig.String()))
		cancel()
		<-sigChan
		log.Warn("second signal received, forcing exit")
		os.Exit(1)
	}()

	reg, err := registry.New(cfg.serviceConfigPath, cfg.overlayPath, log)
	if err != nil {
		return fmt.Errorf("build service registry: %w", err)
	}
	defer reg.Close()

	if cfg.clearSavedMappings {
		if err := reg.ClearOverlay(); err != nil {
			log.Warn("failed to clear saved mappings", zap.Error(err))
		}
	}

	metricsCollector := metrics.New()

	var resolver *resolve.Resolver
	if k8sClient, err := k8s.NewClient(); err != nil {
		log.Warn("kubernetes cluster resolver unavailable, falling back to Host-header attribution only", zap.Error(err))
		resolver = resolve.New(nil, log)
	} else {
		resolver = resolve.New(k8sClient, log)
	}

	var w *writer.Writer
	if cfg.syncEnabled {
		client := syncclient.New(reg.APISecURL, reg.APIKey, log)
		coordinator := onboard.New(reg, client, log)
		w = writer.New(writer.Config{OutputFile: cfg.outputFile}, dedup.New(dedup.DefaultTTL, dedup.DefaultCleanupEvery), reg, coordinator, client, metricsCollector, log)
	} else {
		w = writer.New(writer.Config{OutputFile: cfg.outputFile}, dedup.New(dedup.DefaultTTL, dedup.DefaultCleanupEvery), reg, noopOnboarder{}, noopSyncer{}, metricsCollector, log)
	}
	defer w.Close()

	flowTable := flow.New(cfg.nodeName, resolver, w.Write, flow.DefaultIdleTimeout, log)
	defer flowTable.Close()

	go pollFlowTableSize(ctx, flowTable, metricsCollector)

	go func() {
		if err := metricsCollector.Serve(ctx, cfg.metricsAddr, log); err != nil {
			log.Error("metrics server error", zap.Error(err))
		}
	}()

	ifaces, err := capture.SelectInterfaces()
	if err != nil {
		return fmt.Errorf("select capture interfaces: %w", err)
	}
	log.Info("selected capture interfaces", zap.Strings("interfaces", ifaces))

	source := capture.NewSource(ifaces, capture.DefaultPorts, flowTable, metricsCollector, log)
	if err := source.Run(ctx); err != nil {
		return fmt.Errorf("packet capture: %w", err)
	}

	return nil
}

func pollFlowTableSize(ctx context.Context, table *flow.Table, m *metrics.Collector) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.SetFlowTableSize(table.Len())
		}
	}
}

// noopOnboarder and noopSyncer let the writer run in local-log-only
// mode when ENABLE_DEV_WEBSITE_INTEGRATION is unset, without branching
// every sync call on a feature flag.
type noopOnboarder struct{}

func (noopOnboarder) Onboard(ctx context.Context, service string) (registry.Mapping, bool) {
	return registry.Mapping{}, false
}

type noopSyncer struct{}

func (noopSyncer) Preview(ctx context.Context, appID, instanceID string, requests []syncclient.BoltRequest) (syncclient.PreviewResult, error) {
	return syncclient.PreviewResult{}, nil
}
func (noopSyncer) Commit(ctx context.Context, appID, instanceID string, endpoints []syncclient.CommitEndpoint) error {
	return nil
}
func (noopSyncer) AddEndpoints(ctx context.Context, appID, instanceID string, items []syncclient.AddEndpointItem) error {
	return nil
}
func (noopSyncer) ListEndpoints(ctx context.Context, appID, instanceID string) (map[syncclient.EndpointKey]string, error) {
	return nil, nil
}
func (noopSyncer) UpdateEndpointExample(ctx context.Context, appID, instanceID, endpointID, contentType, body string) error {
	return nil
}
