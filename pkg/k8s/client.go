// Package k8s adapts a Kubernetes clientset into the cluster-resolver
// fallback the service resolver reaches for when an observed flow
// carries no usable Host header: given a destination pod IP, look up
// the owning pod and read its service/app label.
package k8s

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/client-go/util/homedir"
)

// appLabelKeys is the ordered set of labels tried when attributing a
// pod to a service name.
var appLabelKeys = []string{"app.kubernetes.io/name", "app", "k8s-app"}

// DefaultCacheTTL bounds how long an IP-to-service lookup is trusted
// before the cluster is re-queried.
const DefaultCacheTTL = 5 * time.Second

// Client wraps a Kubernetes clientset with a small IP-indexed cache.
type Client struct {
	clientset kubernetes.Interface

	mu    sync.Mutex
	cache map[string]cacheEntry
	ttl   time.Duration
}

type cacheEntry struct {
	service   string
	fetchedAt time.Time
}

// NewClient builds a Client from the in-cluster config, falling back
// to the default kubeconfig path for local development.
func NewClient() (*Client, error) {
	config, err := rest.InClusterConfig()
	if err != nil {
		var kubeconfig string
		if home := homedir.HomeDir(); home != "" {
			kubeconfig = filepath.Join(home, ".kube", "config")
		}
		config, err = clientcmd.BuildConfigFromFlags("", kubeconfig)
		if err != nil {
			return nil, fmt.Errorf("build kubeconfig: %w", err)
		}
	}

	clientset, err := kubernetes.NewForConfig(config)
	if err != nil {
		return nil, fmt.Errorf("build clientset: %w", err)
	}

	return &Client{
		clientset: clientset,
		cache:     make(map[string]cacheEntry),
		ttl:       DefaultCacheTTL,
	}, nil
}

// ServiceForIP resolves a pod IP to the service/app label of the pod
// currently holding it, caching the result for ttl.
func (c *Client) ServiceForIP(ctx context.Context, ip string) (string, error) {
	c.mu.Lock()
	if entry, ok := c.cache[ip]; ok && time.Since(entry.fetchedAt) < c.ttl {
		c.mu.Unlock()
		return entry.service, nil
	}
	c.mu.Unlock()

	pods, err := c.clientset.CoreV1().Pods("").List(ctx, metav1.ListOptions{
		FieldSelector: "status.podIP=" + ip,
	})
	if err != nil {
		return "", fmt.Errorf("list pods by ip %s: %w", ip, err)
	}
	if len(pods.Items) == 0 {
		return "", fmt.Errorf("no pod found with ip %s", ip)
	}

	service := serviceNameForPod(pods.Items[0])

	c.mu.Lock()
	c.cache[ip] = cacheEntry{service: service, fetchedAt: time.Now()}
	c.mu.Unlock()
	return service, nil
}

func serviceNameForPod(pod corev1.Pod) string {
	for _, key := range appLabelKeys {
		if v, ok := pod.Labels[key]; ok && v != "" {
			return v
		}
	}
	return pod.Name
}

// Clientset returns the underlying Kubernetes clientset, for callers
// that need lower-level access than ServiceForIP provides.
func (c *Client) Clientset() kubernetes.Interface {
	return c.clientset
}
