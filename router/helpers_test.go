package router

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

// fakeClient is an in-memory TargetClient for tests. Behavior is keyed by
// target name; unset entries succeed with empty responses.
type fakeClient struct {
	mu        sync.Mutex
	models    map[string][]ModelInfo
	util      map[string]Utilization
	healthErr map[string]error
	inferFn   func(target string) (*InferResult, error)
	inferred  []string
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		models:    make(map[string][]ModelInfo),
		util:      make(map[string]Utilization),
		healthErr: make(map[string]error),
	}
}

func (f *fakeClient) serve(target string, models ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	infos := make([]ModelInfo, 0, len(models))
	for _, m := range models {
		infos = append(infos, ModelInfo{Name: m, MaxBatchSize: 8})
	}
	f.models[target] = infos
}

func (f *fakeClient) Health(_ context.Context, target TargetView) (*HealthReport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.healthErr[target.Name]; err != nil {
		return nil, err
	}
	return &HealthReport{Status: "healthy", Utilization: f.util[target.Name]}, nil
}

func (f *fakeClient) Models(_ context.Context, target TargetView) ([]ModelInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.healthErr[target.Name]; err != nil {
		return nil, err
	}
	return f.models[target.Name], nil
}

func (f *fakeClient) Infer(ctx context.Context, target TargetView, model string, inputs json.RawMessage) (*InferResult, error) {
	f.mu.Lock()
	f.inferred = append(f.inferred, target.Name)
	fn := f.inferFn
	f.mu.Unlock()
	if fn != nil {
		return fn(target.Name)
	}
	return &InferResult{Outputs: json.RawMessage(`{"ok":true}`), Metadata: InferMetadata{ExecutionTimeMillis: 1, BatchSize: 1}}, nil
}

// rig wires a full engine stack around a fakeClient from a YAML policy.
type rig struct {
	bus        *Bus
	registry   *Registry
	policies   *Store
	catalog    *Catalog
	engine     *Engine
	dispatcher *Dispatcher
	client     *fakeClient
}

func newRig(t *testing.T, policyYAML string) *rig {
	t.Helper()
	var doc PolicyDocument
	require.NoError(t, yaml.Unmarshal([]byte(policyYAML), &doc))

	bus := NewBus()
	registry := NewRegistry(bus)
	policies := NewStore()
	snap, err := policies.Load(&doc)
	require.NoError(t, err)
	for _, tgt := range snap.Targets {
		registry.Upsert(tgt)
	}

	client := newFakeClient()
	catalog := NewCatalog(registry, client, time.Hour)
	catalog.probeRetries = 0 // no in-cycle backoff sleeps in tests
	engine := NewEngine(policies, registry, catalog)
	dispatcher := NewDispatcher(engine, registry, policies, client, bus, 200*time.Millisecond)
	return &rig{bus: bus, registry: registry, policies: policies, catalog: catalog, engine: engine, dispatcher: dispatcher, client: client}
}

// advertise seeds the catalog with the given models per target via a
// normal discovery refresh.
func (r *rig) advertise(t *testing.T, target string, models ...string) {
	t.Helper()
	r.client.serve(target, models...)
	view, err := r.registry.Get(target)
	require.NoError(t, err)
	require.NoError(t, r.catalog.Refresh(context.Background(), view))
}

func candidateNames(cands []Candidate) []string {
	names := make([]string, 0, len(cands))
	for _, c := range cands {
		names = append(names, c.Target.Name)
	}
	return names
}

// twoTierPolicy is the baseline document used across tests: an edge
// target gated on CPU and a local fallback.
const twoTierPolicy = `
targets:
  - name: edge-compute
    tier: edge
    endpoint: http://edge:8000
    cost_per_hour: 0.30
    capacity: {cpu: 8, memory: 16Gi}
  - name: local
    tier: local
    endpoint: http://local:8001
    cost_per_hour: 0.0
    capacity: {cpu: 4, memory: 8Gi}
services:
  text_classifier:
    rules:
      - target: edge-compute
        priority: 1
        conditions: ["cpu_utilization < 70%"]
      - target: local
        priority: 2
global:
  latency_threshold: 100ms
`

// gpuPolicy mirrors the resnet50 scenario: a gpu cluster gated on free
// GPU memory with a cost-capped cloud fallback.
const gpuPolicy = `
targets:
  - name: gpu-cluster
    tier: gpu-cluster
    endpoint: http://gpu:8000
    cost_per_hour: 2.40
    capacity: {cpu: 32, memory: 128Gi, gpu_class: a100, gpu_memory: 40Gi}
  - name: cloud-gpu
    tier: cloud
    endpoint: http://cloud:8000
    cost_per_hour: 0.45
    capacity: {cpu: 16, memory: 64Gi, gpu_class: t4, gpu_memory: 16Gi}
services:
  resnet50:
    rules:
      - target: gpu-cluster
        priority: 1
        conditions: ["gpu_memory_available >= 8Gi"]
      - target: cloud-gpu
        priority: 2
        cost_threshold: 0.50
global:
  latency_threshold: 100ms
`

func gib(n int64) int64 { return n << 30 }

func errFor(name string) error { return fmt.Errorf("%s is down", name) }
