// Package k8s provisions upstream MCP servers as pods via MCPInstance
// custom resources. An operator watches the CRs and owns the pod and
// service lifecycle; this package creates CRs, waits for readiness and
// resolves each server to its in-cluster URL.
package k8s

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/halyard/halyard/internal/database"
)

var instanceGVR = schema.GroupVersionResource{
	Group:    "mcp.halyard.io",
	Version:  "v1alpha1",
	Resource: "mcpinstances",
}

const (
	labelManagedBy = "halyard.io/managed-by"
	labelServer    = "halyard.io/server"
	managedByValue = "halyard"

	pollInterval = 2 * time.Second
)

// ManagerConfig holds configuration for the kubernetes instance manager.
type ManagerConfig struct {
	Namespace    string
	Kubeconfig   string // empty = in-cluster
	ReadyWait    time.Duration
	IdleTTL      time.Duration
	MaxLifetime  time.Duration
	GCInterval   time.Duration
	MaxInstances int
}

// Manager provisions one MCPInstance per kubernetes-runtime server and
// caches the resolved endpoint URLs.
type Manager struct {
	mu            sync.Mutex
	serviceURLs   map[string]string // server name → endpoint URL
	dynamicClient dynamic.Interface
	clientset     kubernetes.Interface
	namespace     string
	config        ManagerConfig
	stopGC        chan struct{}
}

// NewManager creates a kubernetes instance manager.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	var restConfig *rest.Config
	var err error

	if cfg.Kubeconfig != "" {
		restConfig, err = clientcmd.BuildConfigFromFlags("", cfg.Kubeconfig)
	} else {
		restConfig, err = rest.InClusterConfig()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create k8s config: %w", err)
	}

	dynamicClient, err := dynamic.NewForConfig(restConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create dynamic client: %w", err)
	}

	clientset, err := kubernetes.NewForConfig(restConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create clientset: %w", err)
	}

	if cfg.ReadyWait <= 0 {
		cfg.ReadyWait = 2 * time.Minute
	}
	if cfg.GCInterval <= 0 {
		cfg.GCInterval = time.Minute
	}
	if cfg.MaxInstances <= 0 {
		cfg.MaxInstances = 20
	}

	m := &Manager{
		serviceURLs:   make(map[string]string),
		dynamicClient: dynamicClient,
		clientset:     clientset,
		namespace:     cfg.Namespace,
		config:        cfg,
		stopGC:        make(chan struct{}),
	}

	go m.gcLoop()

	log.Info().
		Str("namespace", cfg.Namespace).
		Int("max_instances", cfg.MaxInstances).
		Msg("Kubernetes manager initialized")

	return m, nil
}

// EnsureServer makes sure an instance is running for the server and returns
// its MCP endpoint URL. The env map becomes a Secret mounted into the pod;
// it only takes effect at pod start, so env changes need RestartServer.
func (m *Manager) EnsureServer(ctx context.Context, record *database.ServerRecord, env map[string]string) (string, error) {
	m.mu.Lock()
	if cached, ok := m.serviceURLs[record.Name]; ok {
		m.mu.Unlock()
		go m.touchLastUsed(context.Background(), sanitizeName(record.Name))
		return cached, nil
	}
	m.mu.Unlock()

	crName := sanitizeName(record.Name)

	existing, err := m.dynamicClient.Resource(instanceGVR).Namespace(m.namespace).Get(ctx, crName, metav1.GetOptions{})
	if err == nil {
		phase, _, _ := unstructured.NestedString(existing.Object, "status", "phase")
		serviceURL, _, _ := unstructured.NestedString(existing.Object, "status", "serviceURL")

		switch {
		case phase == "Ready" && serviceURL != "":
			endpoint := serviceURL + "/mcp"
			m.mu.Lock()
			m.serviceURLs[record.Name] = endpoint
			m.mu.Unlock()
			go m.touchLastUsed(context.Background(), crName)
			return endpoint, nil
		case phase == "Failed":
			log.Warn().Str("instance", crName).Msg("MCPInstance in Failed state, recreating")
			_ = m.dynamicClient.Resource(instanceGVR).Namespace(m.namespace).Delete(ctx, crName, metav1.DeleteOptions{})
			// Wait briefly for deletion
			time.Sleep(2 * time.Second)
		default:
			// Pending or starting
			return m.waitForReady(ctx, record.Name, crName)
		}
	} else if !errors.IsNotFound(err) {
		return "", fmt.Errorf("failed to check MCPInstance: %w", err)
	}

	list, err := m.dynamicClient.Resource(instanceGVR).Namespace(m.namespace).List(ctx, metav1.ListOptions{})
	if err != nil {
		return "", fmt.Errorf("failed to list MCPInstances: %w", err)
	}
	if len(list.Items) >= m.config.MaxInstances {
		return "", fmt.Errorf("max kubernetes instances reached (%d)", m.config.MaxInstances)
	}

	secretName := crName + "-env"
	if len(env) > 0 {
		if err := m.upsertEnvSecret(ctx, secretName, crName, env); err != nil {
			return "", err
		}
	}

	cr := m.buildInstance(record, crName, secretName, len(env) > 0)
	if _, err := m.dynamicClient.Resource(instanceGVR).Namespace(m.namespace).Create(ctx, cr, metav1.CreateOptions{}); err != nil {
		return "", fmt.Errorf("failed to create MCPInstance: %w", err)
	}

	log.Info().
		Str("instance", crName).
		Str("server", record.Name).
		Str("image", record.Image).
		Msg("Created MCPInstance CR")

	return m.waitForReady(ctx, record.Name, crName)
}

func (m *Manager) buildInstance(record *database.ServerRecord, crName, secretName string, hasEnv bool) *unstructured.Unstructured {
	port := record.Port
	if port == 0 {
		port = 8080
	}

	spec := map[string]interface{}{
		"image":       record.Image,
		"port":        int64(port),
		"server":      record.Name,
		"serverID":    record.ID.String(),
		"idleTTL":     m.config.IdleTTL.String(),
		"maxLifetime": m.config.MaxLifetime.String(),
	}
	if hasEnv {
		spec["secretRef"] = secretName
	}
	if record.HealthPath != "" {
		spec["healthPath"] = record.HealthPath
	}
	// Command overrides ENTRYPOINT, Args overrides CMD; they are independent.
	if record.Command != "" {
		spec["command"] = []interface{}{record.Command}
	}
	if len(record.Args) > 0 {
		args := make([]interface{}, len(record.Args))
		for i, a := range record.Args {
			args[i] = a
		}
		spec["args"] = args
	}

	return &unstructured.Unstructured{
		Object: map[string]interface{}{
			"apiVersion": instanceGVR.Group + "/" + instanceGVR.Version,
			"kind":       "MCPInstance",
			"metadata": map[string]interface{}{
				"name":      crName,
				"namespace": m.namespace,
				"labels": map[string]interface{}{
					labelManagedBy: managedByValue,
					labelServer:    crName,
				},
			},
			"spec": spec,
		},
	}
}

// upsertEnvSecret writes the env Secret, replacing any stale data so pods
// created after an env change start with the current values.
func (m *Manager) upsertEnvSecret(ctx context.Context, secretName, crName string, env map[string]string) error {
	data := make(map[string][]byte, len(env))
	for k, v := range env {
		data[k] = []byte(v)
	}
	secret := &corev1.Secret{
		ObjectMeta: metav1.ObjectMeta{
			Name:      secretName,
			Namespace: m.namespace,
			Labels: map[string]string{
				labelManagedBy: managedByValue,
				labelServer:    crName,
			},
		},
		Data: data,
	}

	if _, err := m.clientset.CoreV1().Secrets(m.namespace).Create(ctx, secret, metav1.CreateOptions{}); err != nil {
		if !errors.IsAlreadyExists(err) {
			return fmt.Errorf("failed to create env secret: %w", err)
		}
		if _, err := m.clientset.CoreV1().Secrets(m.namespace).Update(ctx, secret, metav1.UpdateOptions{}); err != nil {
			return fmt.Errorf("failed to update env secret: %w", err)
		}
	}
	return nil
}

// waitForReady polls the MCPInstance until it reaches Ready phase and its
// service accepts connections, then caches and returns the endpoint URL.
func (m *Manager) waitForReady(ctx context.Context, serverName, crName string) (string, error) {
	deadline := time.Now().Add(m.config.ReadyWait)

	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		default:
		}

		cr, err := m.dynamicClient.Resource(instanceGVR).Namespace(m.namespace).Get(ctx, crName, metav1.GetOptions{})
		if err != nil {
			return "", fmt.Errorf("failed to get MCPInstance: %w", err)
		}

		phase, _, _ := unstructured.NestedString(cr.Object, "status", "phase")
		serviceURL, _, _ := unstructured.NestedString(cr.Object, "status", "serviceURL")

		if phase == "Ready" && serviceURL != "" {
			// The pod can be Ready before the MCP server is listening.
			if err := m.waitForConnection(ctx, serviceURL, crName); err != nil {
				return "", err
			}

			endpoint := serviceURL + "/mcp"
			m.mu.Lock()
			m.serviceURLs[serverName] = endpoint
			m.mu.Unlock()

			log.Info().
				Str("instance", crName).
				Str("endpoint", endpoint).
				Msg("MCPInstance is Ready")
			return endpoint, nil
		}

		if phase == "Failed" {
			message, _, _ := unstructured.NestedString(cr.Object, "status", "message")
			return "", fmt.Errorf("MCPInstance %s failed: %s", crName, message)
		}

		time.Sleep(pollInterval)
	}

	return "", fmt.Errorf("MCPInstance %s did not become ready within %s", crName, m.config.ReadyWait)
}

// waitForConnection checks that the service actually accepts TCP connections.
func (m *Manager) waitForConnection(ctx context.Context, serviceURL, crName string) error {
	parsed, err := url.Parse(serviceURL)
	if err != nil {
		return fmt.Errorf("invalid service URL: %w", err)
	}

	addr := parsed.Host
	maxAttempts := 15

	for i := 0; i < maxAttempts; i++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
		if err == nil {
			conn.Close()
			log.Debug().Str("instance", crName).Int("attempts", i+1).Msg("Service is accepting connections")
			return nil
		}

		log.Debug().Str("instance", crName).Int("attempt", i+1).Msg("Service not ready yet, retrying")
		time.Sleep(pollInterval)
	}

	return fmt.Errorf("service %s not reachable after %d attempts", addr, maxAttempts)
}

// touchLastUsed patches status.lastUsedAt so the operator's idle reaper
// knows the instance is in use.
func (m *Manager) touchLastUsed(ctx context.Context, crName string) {
	now := time.Now().UTC().Format(time.RFC3339)
	patch := []byte(fmt.Sprintf(`{"status":{"lastUsedAt":"%s"}}`, now))

	_, err := m.dynamicClient.Resource(instanceGVR).Namespace(m.namespace).Patch(
		ctx, crName, "application/merge-patch+json", patch, metav1.PatchOptions{}, "status",
	)
	if err != nil {
		log.Debug().Err(err).Str("instance", crName).Msg("Failed to touch lastUsedAt")
	}
}

// RestartServer deletes the MCPInstances for a server and drops its cached
// endpoint. The next EnsureServer recreates them with current config.
func (m *Manager) RestartServer(ctx context.Context, name string) (int, error) {
	list, err := m.dynamicClient.Resource(instanceGVR).Namespace(m.namespace).List(ctx, metav1.ListOptions{
		LabelSelector: labelServer + "=" + sanitizeName(name),
	})
	if err != nil {
		return 0, fmt.Errorf("failed to list MCPInstances: %w", err)
	}

	deleted := 0
	for _, item := range list.Items {
		if err := m.dynamicClient.Resource(instanceGVR).Namespace(m.namespace).Delete(ctx, item.GetName(), metav1.DeleteOptions{}); err != nil {
			log.Warn().Err(err).Str("instance", item.GetName()).Msg("Failed to delete MCPInstance")
			continue
		}
		deleted++
	}

	m.mu.Lock()
	delete(m.serviceURLs, name)
	m.mu.Unlock()

	if deleted > 0 {
		log.Info().Str("server", name).Int("deleted", deleted).Msg("Restarted MCPInstances")
	}
	return deleted, nil
}

// DeleteServer removes a server's instances and its env Secret.
func (m *Manager) DeleteServer(ctx context.Context, name string) error {
	if _, err := m.RestartServer(ctx, name); err != nil {
		return err
	}
	secretName := sanitizeName(name) + "-env"
	if err := m.clientset.CoreV1().Secrets(m.namespace).Delete(ctx, secretName, metav1.DeleteOptions{}); err != nil && !errors.IsNotFound(err) {
		return fmt.Errorf("failed to delete env secret: %w", err)
	}
	return nil
}

// gcLoop periodically drops cached endpoints that stopped answering.
func (m *Manager) gcLoop() {
	ticker := time.NewTicker(m.config.GCInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.gc()
		case <-m.stopGC:
			return
		}
	}
}

func (m *Manager) gc() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for name, endpoint := range m.serviceURLs {
		parsed, err := url.Parse(endpoint)
		if err != nil {
			delete(m.serviceURLs, name)
			continue
		}
		conn, err := net.DialTimeout("tcp", parsed.Host, 2*time.Second)
		if err != nil {
			log.Debug().Str("server", name).Msg("GC: removing stale endpoint")
			delete(m.serviceURLs, name)
		} else {
			conn.Close()
		}
	}
}

// Shutdown stops the GC loop and clears cached endpoints. Running instances
// are left to the operator's own TTL reaping.
func (m *Manager) Shutdown() {
	close(m.stopGC)

	m.mu.Lock()
	defer m.mu.Unlock()

	log.Info().Int("count", len(m.serviceURLs)).Msg("Shutting down kubernetes manager")
	m.serviceURLs = make(map[string]string)
}

// sanitizeName converts a server name to a kubernetes-safe resource name:
// max 63 chars, lowercase alphanumeric and hyphens.
func sanitizeName(name string) string {
	re := regexp.MustCompile(`[^a-z0-9-]`)
	out := re.ReplaceAllString(strings.ToLower(name), "-")
	out = strings.Trim(out, "-")
	for strings.Contains(out, "--") {
		out = strings.ReplaceAll(out, "--", "-")
	}
	if len(out) > 63 {
		out = out[:63]
	}
	return strings.TrimRight(out, "-")
}
