package backend

import (
	"context"
	"fmt"
	"sync"
)

// FakeBuffer is a Buffer identified by name; equality is by identity so
// Stage 1's "skip if already identical" optimization can be exercised in
// tests.
type FakeBuffer struct {
	name string
}

func NewFakeBuffer(name string) *FakeBuffer { return &FakeBuffer{name: name} }
func (b *FakeBuffer) Name() string          { return b.name }

// FakeRequest is an in-memory Request: StartAsync returns at once and runs
// the configured work function (StatusOK when Work is nil) on a new
// goroutine, then invokes the completion callback on that same goroutine,
// standing in for a backend's completion thread.
type FakeRequest struct {
	mu       sync.Mutex
	blobs    map[string]Buffer
	callback func(status Status)
	Work     func() Status
}

func NewFakeRequest() *FakeRequest {
	return &FakeRequest{blobs: map[string]Buffer{}}
}

func (r *FakeRequest) StartAsync(ctx context.Context) {
	go func() {
		status := StatusOK
		if r.Work != nil {
			status = r.Work()
		}
		r.mu.Lock()
		cb := r.callback
		r.mu.Unlock()
		if cb != nil {
			cb(status)
		}
	}()
}

func (r *FakeRequest) SetCompletionCallback(fn func(status Status)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.callback = fn
}

func (r *FakeRequest) GetBlob(name string) (Buffer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.blobs[name]
	return b, ok
}

func (r *FakeRequest) SetBlob(name string, buf Buffer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.blobs[name] = buf
}

func (r *FakeRequest) GetPerformanceCounts() map[string]ProfileRecord {
	return map[string]ProfileRecord{
		"layer0": {LayerName: "layer0", RealTimeUsec: 42, ExecType: "fake"},
	}
}

// FakeCompiledNetwork is an in-memory CompiledNetwork used by selection,
// scheduler, and pipeline tests in place of a real device plugin.
type FakeCompiledNetwork struct {
	mu               sync.Mutex
	optimalRequests  uint32
	metrics          map[string]interface{}
	config           map[string]interface{}
	hasContext       bool
	created          int
	NewRequest       func() *FakeRequest
}

func NewFakeCompiledNetwork(optimalRequests uint32) *FakeCompiledNetwork {
	return &FakeCompiledNetwork{
		optimalRequests: optimalRequests,
		metrics:         map[string]interface{}{},
		config:          map[string]interface{}{},
	}
}

func (c *FakeCompiledNetwork) CreateInferRequest() Request {
	c.mu.Lock()
	c.created++
	c.mu.Unlock()
	if c.NewRequest != nil {
		return c.NewRequest()
	}
	return NewFakeRequest()
}

func (c *FakeCompiledNetwork) GetMetric(key string) (interface{}, error) {
	if key == "OPTIMAL_NUMBER_OF_INFER_REQUESTS" {
		return c.optimalRequests, nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if v, ok := c.metrics[key]; ok {
		return v, nil
	}
	return nil, fmt.Errorf("unsupported metric %q", key)
}

func (c *FakeCompiledNetwork) GetConfig(key string) (interface{}, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if v, ok := c.config[key]; ok {
		return v, nil
	}
	return nil, fmt.Errorf("%s not found in the ExecutableNetwork config", key)
}

func (c *FakeCompiledNetwork) GetContext() (interface{}, error) {
	if c.hasContext {
		return "fake-remote-context", nil
	}
	return nil, ErrNotSupported
}

// FakePlugin is an in-memory Plugin. It carries no device name or class of
// its own; tests map device names to instances in their PluginResolver.
type FakePlugin struct {
	SupportedLayers map[string]SupportTag
	QueryErr        error
	LoadErr         error
	Compiled        *FakeCompiledNetwork
}

func (p *FakePlugin) QueryNetwork(network Network, deviceConfig map[string]string) (map[string]SupportTag, error) {
	if p.QueryErr != nil {
		return nil, p.QueryErr
	}
	return p.SupportedLayers, nil
}

func (p *FakePlugin) LoadNetwork(network Network, deviceConfig map[string]string) (CompiledNetwork, error) {
	if p.LoadErr != nil {
		return nil, p.LoadErr
	}
	if p.Compiled == nil {
		p.Compiled = NewFakeCompiledNetwork(1)
	}
	return p.Compiled, nil
}

// ErrNotSupported is returned by GetContext when a backend has no
// associated remote context.
var ErrNotSupported = fmt.Errorf("not supported")
