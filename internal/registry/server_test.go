package registry

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/halyard/halyard/internal/mcp"
)

// flakyLister overrides ListResources so discovery failures can be injected.
type flakyLister struct {
	fakeTransport
	listErr error
}

func (f *flakyLister) ListResources(ctx context.Context) ([]mcp.Resource, error) {
	f.mu.Lock()
	f.listResCalls++
	f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.resources, nil
}

func TestNewServerTransportInference(t *testing.T) {
	tests := []struct {
		name          string
		cfg           ServerConfig
		wantTransport string
		wantErr       string
	}{
		{
			name:          "command implies stdio",
			cfg:           ServerConfig{Name: "local", Command: "/usr/bin/mcp-server"},
			wantTransport: TransportSTDIO,
		},
		{
			name:          "url implies http",
			cfg:           ServerConfig{Name: "remote", URL: "http://mcp.internal/rpc"},
			wantTransport: TransportHTTP,
		},
		{
			name:          "explicit transport wins",
			cfg:           ServerConfig{Name: "both", Transport: TransportSTDIO, Command: "/bin/x", URL: "http://ignored"},
			wantTransport: TransportSTDIO,
		},
		{
			name:    "http requires url",
			cfg:     ServerConfig{Name: "bare", Transport: TransportHTTP},
			wantErr: "url is required",
		},
		{
			name:    "stdio requires command",
			cfg:     ServerConfig{Name: "bare", Transport: TransportSTDIO},
			wantErr: "command is required",
		},
		{
			name:    "name required",
			cfg:     ServerConfig{URL: "http://mcp.internal"},
			wantErr: "name is required",
		},
		{
			name:    "unknown transport",
			cfg:     ServerConfig{Name: "odd", Transport: "carrier-pigeon"},
			wantErr: `unknown transport "carrier-pigeon"`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, err := NewServer(tt.cfg)
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("err = %v, want %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("NewServer: %v", err)
			}
			defer srv.Close()
			if srv.Transport() != tt.wantTransport {
				t.Errorf("transport = %q, want %q", srv.Transport(), tt.wantTransport)
			}
			if !srv.Enabled() {
				t.Error("servers default to enabled")
			}
		})
	}
}

func TestNewServerDisabledByConfig(t *testing.T) {
	off := false
	srv, err := NewServer(ServerConfig{Name: "calc", URL: "http://calc.internal", Enabled: &off})
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	defer srv.Close()
	if srv.Enabled() {
		t.Error("Enabled=false in config should stick")
	}
}

func TestServerDiscoveryOnce(t *testing.T) {
	fake := &fakeTransport{resources: []mcp.Resource{
		{Name: "add", Description: "adds", URI: "calc://add"},
		{Name: "mul", Description: "multiplies", URI: "calc://mul", MimeType: "application/json"},
	}}
	srv := NewServerWithClient("calc", TransportHTTP, fake)

	if srv.DiscoveryAttempted() {
		t.Fatal("fresh server should not be marked discovered")
	}
	if err := srv.DiscoverResources(context.Background()); err != nil {
		t.Fatalf("DiscoverResources: %v", err)
	}
	if err := srv.DiscoverResources(context.Background()); err != nil {
		t.Fatalf("second DiscoverResources: %v", err)
	}
	if fake.listResCalls != 1 {
		t.Errorf("listResCalls = %d, discovery must run once", fake.listResCalls)
	}
	if !srv.DiscoveryAttempted() {
		t.Error("marker not set")
	}
	if attempted, _ := srv.Metadata()["discovery_attempted"].(bool); !attempted {
		t.Error("metadata marker not set")
	}

	res := srv.Resources()
	if len(res) != 2 || res[0].Name != "add" || res[1].Name != "mul" {
		t.Fatalf("resources = %v", res)
	}
	if !res[0].Enabled || res[0].URI != "calc://add" {
		t.Errorf("discovered resource = %+v", res[0])
	}
	if res[1].MimeType != "application/json" {
		t.Errorf("mime type lost: %+v", res[1])
	}

	// Admin refresh bypasses the marker.
	if err := srv.Rediscover(context.Background()); err != nil {
		t.Fatalf("Rediscover: %v", err)
	}
	if fake.listResCalls != 2 {
		t.Errorf("listResCalls = %d after Rediscover, want 2", fake.listResCalls)
	}
}

func TestServerDiscoveryFailureStillMarks(t *testing.T) {
	fake := &flakyLister{listErr: &mcp.NetworkError{Err: errors.New("refused")}}
	srv := NewServerWithClient("calc", TransportHTTP, fake)

	if err := srv.DiscoverResources(context.Background()); err == nil {
		t.Fatal("expected discovery error")
	}
	if !srv.DiscoveryAttempted() {
		t.Error("failed attempt still counts as attempted")
	}
	if err := srv.DiscoverResources(context.Background()); err != nil {
		t.Fatalf("repeat after failure should be a no-op, got %v", err)
	}
	if fake.listResCalls != 1 {
		t.Errorf("listResCalls = %d, want 1", fake.listResCalls)
	}
}

func TestServerDiscoveryMergesByName(t *testing.T) {
	fake := &fakeTransport{resources: []mcp.Resource{{Name: "add", Description: "from wire", URI: "calc://add"}}}
	srv := NewServerWithClient("calc", TransportHTTP, fake)

	manual := calcResource()
	srv.AddResource(manual)
	keep := NewResource("keep", "manual only", "calc://keep")
	srv.AddResource(keep)

	if err := srv.DiscoverResources(context.Background()); err != nil {
		t.Fatalf("DiscoverResources: %v", err)
	}

	add, ok := srv.Resource("add")
	if !ok {
		t.Fatal("add missing after discovery")
	}
	if add.Description != "from wire" {
		t.Errorf("rediscovered entry should overwrite: %+v", add)
	}
	if _, ok := srv.Resource("keep"); !ok {
		t.Error("entries absent from the listing must survive the merge")
	}
}

func TestServerCallResourceLocalChecks(t *testing.T) {
	fake := &fakeTransport{result: json.RawMessage(`{"sum":5}`)}
	srv := NewServerWithClient("calc", TransportHTTP, fake)
	srv.AddResource(calcResource())

	srv.SetEnabled(false)
	var de *mcp.DisabledError
	if _, err := srv.CallResource(context.Background(), "add", nil); !errors.As(err, &de) || de.Kind != "server" {
		t.Fatalf("disabled server: got %v", err)
	}
	srv.SetEnabled(true)

	var nf *mcp.NotFoundError
	if _, err := srv.CallResource(context.Background(), "ghost", nil); !errors.As(err, &nf) || nf.Kind != "resource" {
		t.Fatalf("unknown resource: got %v", err)
	}

	off := NewResource("off", "", "calc://off")
	off.Enabled = false
	srv.AddResource(off)
	if _, err := srv.CallResource(context.Background(), "off", nil); !errors.As(err, &de) || de.Kind != "resource" {
		t.Fatalf("disabled resource: got %v", err)
	}

	if got := fake.wireCalls(); got != 0 {
		t.Fatalf("local checks made %d wire calls, want 0", got)
	}

	result, err := srv.CallResource(context.Background(), "add", map[string]interface{}{"a": 2, "b": 3})
	if err != nil {
		t.Fatalf("CallResource: %v", err)
	}
	if string(result) != `{"sum":5}` || fake.resCalls != 1 {
		t.Errorf("result = %s, resCalls = %d", result, fake.resCalls)
	}
}

func TestServerCallToolDisabled(t *testing.T) {
	fake := &fakeTransport{}
	srv := NewServerWithClient("calc", TransportHTTP, fake)
	srv.SetEnabled(false)

	var de *mcp.DisabledError
	if _, err := srv.CallTool(context.Background(), "add", nil); !errors.As(err, &de) || de.Kind != "server" {
		t.Fatalf("got %v", err)
	}
	if got := fake.wireCalls(); got != 0 {
		t.Errorf("wireCalls = %d, want 0", got)
	}
}

func collectStream(seq func(yield func(json.RawMessage, error) bool)) ([]json.RawMessage, error) {
	var chunks []json.RawMessage
	var streamErr error
	seq(func(chunk json.RawMessage, err error) bool {
		if err != nil {
			streamErr = err
			return false
		}
		chunks = append(chunks, chunk)
		return true
	})
	return chunks, streamErr
}

func TestServerStreamResourceCapability(t *testing.T) {
	fake := &fakeTransport{}
	srv := NewServerWithClient("calc", TransportHTTP, fake)
	srv.AddResource(calcResource())

	chunks, err := collectStream(srv.StreamResource(context.Background(), "add", nil))
	if !errors.Is(err, mcp.ErrNoStreaming) {
		t.Fatalf("err = %v, want ErrNoStreaming", err)
	}
	if len(chunks) != 0 || fake.wireCalls() != 0 {
		t.Errorf("capability failure must happen before any traffic")
	}
}

func TestServerStreamResourceChecksPrecedeDial(t *testing.T) {
	fake := &fakeStreamer{chunks: []string{`{"n":1}`}}
	srv := NewServerWithClient("calc", TransportHTTP, fake)
	srv.AddResource(calcResource())
	srv.SetEnabled(false)

	var de *mcp.DisabledError
	if _, err := collectStream(srv.StreamResource(context.Background(), "add", nil)); !errors.As(err, &de) {
		t.Fatalf("got %v", err)
	}
	if fake.streams != 0 {
		t.Errorf("streams = %d, disabled server must not dial", fake.streams)
	}

	srv.SetEnabled(true)
	var nf *mcp.NotFoundError
	if _, err := collectStream(srv.StreamResource(context.Background(), "ghost", nil)); !errors.As(err, &nf) {
		t.Fatalf("got %v", err)
	}
	if fake.streams != 0 {
		t.Errorf("streams = %d, unknown resource must not dial", fake.streams)
	}

	chunks, err := collectStream(srv.StreamResource(context.Background(), "add", nil))
	if err != nil || len(chunks) != 1 {
		t.Fatalf("chunks = %v, err = %v", chunks, err)
	}
}

func TestServerSupportsStreaming(t *testing.T) {
	if NewServerWithClient("a", TransportHTTP, &fakeTransport{}).SupportsStreaming() {
		t.Error("plain transport should not report streaming")
	}
	if !NewServerWithClient("b", TransportHTTP, &fakeStreamer{}).SupportsStreaming() {
		t.Error("streamer should report streaming")
	}
}

func TestServerSpecRoundTrip(t *testing.T) {
	srv, err := NewServer(ServerConfig{
		Name:    "calc",
		URL:     "http://calc.internal/mcp",
		Timeout: 0,
	})
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	defer srv.Close()

	srv.AddResource(calcResource())
	off := NewResource("off", "switched off", "calc://off")
	off.Enabled = false
	srv.AddResource(off)
	srv.SetEnabled(false)
	srv.SetMetadata("discovery_attempted", true)
	srv.SetMetadata("region", "eu-west")

	spec := srv.Spec()

	// Persistence shape: the snapshot must survive a JSON round trip.
	data, err := json.Marshal(spec)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var loaded ServerSpec
	if err := json.Unmarshal(data, &loaded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	restored, err := ServerFromSpec(loaded)
	if err != nil {
		t.Fatalf("ServerFromSpec: %v", err)
	}
	defer restored.Close()

	if restored.Name() != "calc" || restored.Transport() != TransportHTTP || restored.URL() != "http://calc.internal/mcp" {
		t.Errorf("identity lost: %s/%s/%s", restored.Name(), restored.Transport(), restored.URL())
	}
	if restored.Enabled() {
		t.Error("disabled state lost")
	}
	if !restored.DiscoveryAttempted() {
		t.Error("discovery marker lost")
	}
	if got := restored.Metadata()["region"]; got != "eu-west" {
		t.Errorf("metadata lost: %v", got)
	}

	add, ok := restored.Resource("add")
	if !ok {
		t.Fatal("resource add lost")
	}
	if len(add.Parameters) != 2 || !add.Parameters["a"].Required {
		t.Errorf("parameters lost: %+v", add.Parameters)
	}
	offRestored, ok := restored.Resource("off")
	if !ok || offRestored.Enabled {
		t.Errorf("disabled resource state lost: %+v", offRestored)
	}

	// Spec snapshots are clones; mutating them must not reach the server.
	spec.Resources[0].Enabled = false
	if live, _ := srv.Resource(spec.Resources[0].Name); !live.Enabled {
		t.Error("spec mutation leaked into the live server")
	}
}

func TestServerFromSpecStdio(t *testing.T) {
	restored, err := ServerFromSpec(ServerSpec{
		Name:      "local",
		Transport: TransportSTDIO,
		Command:   "/usr/bin/mcp-server",
		Args:      []string{"--fast"},
		Enabled:   true,
	})
	if err != nil {
		t.Fatalf("ServerFromSpec: %v", err)
	}
	defer restored.Close()
	if restored.Transport() != TransportSTDIO || restored.Command() != "/usr/bin/mcp-server" {
		t.Errorf("stdio identity lost: %s %s", restored.Transport(), restored.Command())
	}

	if _, err := ServerFromSpec(ServerSpec{Name: "broken", Transport: TransportHTTP}); err == nil {
		t.Error("http spec without url should fail")
	}
}

func TestServerConnect(t *testing.T) {
	fake := &fakeTransport{}
	srv := NewServerWithClient("calc", TransportHTTP, fake)
	if err := srv.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if fake.initCalls != 1 {
		t.Errorf("initCalls = %d, want 1", fake.initCalls)
	}
}
