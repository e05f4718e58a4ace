// Package resolve attributes a service name to a captured request: the
// Host header's first label when present, the cluster resolver's
// pod-label lookup otherwise, and "unknown" when both come up empty.
package resolve

import (
	"context"
	"net"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
	"go.uber.org/zap"
)

// UnknownService is returned when no attribution source succeeds.
const UnknownService = "unknown"

// DefaultBudget bounds the entire resolution path, including the
// cluster-resolver retry.
const DefaultBudget = 2 * time.Second

// ClusterResolver is the narrow interface pkg/k8s.Client satisfies.
type ClusterResolver interface {
	ServiceForIP(ctx context.Context, ip string) (string, error)
}

// Resolver attributes captures to services.
type Resolver struct {
	cluster ClusterResolver
	log     *zap.Logger
}

// New builds a Resolver. cluster may be nil, in which case resolution
// falls back to Host-header parsing only (e.g. capture running outside
// a cluster, or the in-cluster client failed to construct).
func New(cluster ClusterResolver, log *zap.Logger) *Resolver {
	return &Resolver{cluster: cluster, log: log}
}

// Resolve returns a service name for a captured request. host is the
// raw Host header value (possibly with a port); dstIP is the flow's
// destination address, used as the cluster-resolver fallback key.
func (r *Resolver) Resolve(host, dstIP string) string {
	if label := firstLabelFromHost(host); label != "" {
		return label
	}

	if r.cluster == nil {
		return UnknownService
	}

	ctx, cancel := context.WithTimeout(context.Background(), DefaultBudget)
	defer cancel()

	service, err := retry.DoWithData(
		func() (string, error) {
			return r.cluster.ServiceForIP(ctx, dstIP)
		},
		retry.Context(ctx),
		retry.Attempts(2),
		retry.Delay(250*time.Millisecond),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		r.log.Debug("cluster resolver lookup failed", zap.String("dstIp", dstIP), zap.Error(err))
		return UnknownService
	}
	return service
}

// firstLabelFromHost extracts the leading dot-delimited label of a
// Host header, stripping any port and skipping IP-literal hosts
// entirely (those carry no service name on their own).
func firstLabelFromHost(host string) string {
	if host == "" {
		return ""
	}
	hostOnly := host
	if h, _, err := net.SplitHostPort(host); err == nil {
		hostOnly = h
	}
	hostOnly = strings.Trim(hostOnly, "[]")
	if net.ParseIP(hostOnly) != nil {
		return ""
	}
	label, _, _ := strings.Cut(hostOnly, ".")
	return label
}
