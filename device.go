// Package autodevice implements the Dispatcher Façade (spec §4.4): the
// top-level entry point that merges configuration, enumerates candidate
// devices, invokes the selection policy, and wraps the chosen backend's
// compiled network in a Scheduler.
//
// Grounded on AutoInferencePlugin from the original multi-device plugin
// (LoadExeNetworkImpl, QueryNetwork, GetConfig/SetConfig/GetMetric,
// ParseMetaDevices) and on the teacher's bootstrap.NewEngineFromEnv for the
// config-merge-and-wire shape.
package autodevice

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/mashoujiang/autodevice/internal/audit"
	"github.com/mashoujiang/autodevice/internal/backend"
	"github.com/mashoujiang/autodevice/internal/capabilities"
	"github.com/mashoujiang/autodevice/internal/config"
	"github.com/mashoujiang/autodevice/internal/errkind"
	"github.com/mashoujiang/autodevice/internal/observability"
	"github.com/mashoujiang/autodevice/internal/pipeline"
	"github.com/mashoujiang/autodevice/internal/scheduler"
	"github.com/mashoujiang/autodevice/internal/selection"
	"github.com/mashoujiang/autodevice/pkg/deviceapi"
)

// EnumerateFunc lists the available candidate devices. Out of scope per
// spec §1: the core only needs the resulting list, not how it was
// produced (CLI args, a plugin registry, a config file).
type EnumerateFunc func() ([]deviceapi.DeviceDescriptor, error)

// PluginResolver maps a device name to its backend plugin. Also out of
// scope: the core treats plugins as opaque collaborators.
type PluginResolver func(deviceName string) (backend.Plugin, error)

// Dispatcher is the Dispatcher Façade of spec §4.4.
type Dispatcher struct {
	mu sync.Mutex
	// cfg is the dispatcher-level default config, merged with per-call
	// config on every Compile/QueryLayers (mergeConfigs in the original).
	cfg config.Map

	enumerate     EnumerateFunc
	resolvePlugin PluginResolver
	capabilities  *capabilities.Catalog
	selector      selection.Policy

	// audit is optional; when set, Compile records device_selected when it
	// returns a Scheduler and compile_failed when every candidate was tried
	// and none accepted the network (SPEC_FULL §3's audit trail). Compile
	// errors returned before or outside the candidate loop (validation,
	// schedule type, enumeration, selection, scheduler construction) record
	// no event.
	audit audit.Sink
}

// Option configures a Dispatcher at construction.
type Option func(*Dispatcher)

func WithEnumerateFunc(f EnumerateFunc) Option { return func(d *Dispatcher) { d.enumerate = f } }
func WithPluginResolver(f PluginResolver) Option {
	return func(d *Dispatcher) { d.resolvePlugin = f }
}
func WithCapabilities(c *capabilities.Catalog) Option {
	return func(d *Dispatcher) { d.capabilities = c }
}
func WithSelectionPolicy(p selection.Policy) Option { return func(d *Dispatcher) { d.selector = p } }
func WithConfig(m config.Map) Option                { return func(d *Dispatcher) { d.cfg = m } }
func WithAuditSink(s audit.Sink) Option             { return func(d *Dispatcher) { d.audit = s } }

// New constructs a Dispatcher. Without a capabilities catalog or selection
// policy supplied, it uses the built-in default catalog and the STATIC
// policy, the only one spec'd.
func New(opts ...Option) *Dispatcher {
	d := &Dispatcher{
		cfg:          config.FromEnv(),
		capabilities: capabilities.DefaultCatalog(),
		selector:     selection.NewStatic(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// SetConfig merges m into the dispatcher's default config (spec's
// supplemented "MULTI_DEVICE_PRIORITIES runtime re-read": later calls to
// Compile always see the latest defaults merged under call-site config).
func (d *Dispatcher) SetConfig(m map[string]string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cfg = config.Merge(d.cfg, config.Map(m))
}

// GetConfig is R1's round-trip half for the dispatcher-level store: a miss
// is a hard error, per spec §7's misuse taxonomy.
func (d *Dispatcher) GetConfig(key string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if v, ok := d.cfg[key]; ok {
		return v, nil
	}
	return "", errkind.New(errkind.Misuse, errors.Errorf("unsupported config key: %s", key))
}

// candidateDevices resolves the enumeration+override pipeline shared by
// Compile and QueryLayers: a DEVICE_PRIORITIES/DEVICE_CHOICE entry in the
// merged config overrides the enumeration callback's output (spec §6).
func (d *Dispatcher) candidateDevices(fullConfig config.Map) ([]deviceapi.DeviceDescriptor, error) {
	if override, ok := fullConfig[deviceapi.ConfigDevicePriorities]; ok {
		return parseDeviceOverride(override, fullConfig)
	}
	if override, ok := fullConfig[deviceapi.ConfigDeviceChoice]; ok {
		return parseDeviceOverride(override, fullConfig)
	}
	if d.enumerate == nil {
		return nil, errkind.New(errkind.Misuse, errors.New("no device enumeration callback provided"))
	}
	return d.enumerate()
}

func parseDeviceOverride(raw string, fullConfig config.Map) ([]deviceapi.DeviceDescriptor, error) {
	entries, err := config.ParseDeviceList(raw)
	if err != nil {
		return nil, errkind.New(errkind.Misuse, err)
	}
	out := make([]deviceapi.DeviceDescriptor, 0, len(entries))
	for _, e := range entries {
		cfg := map[string]string{}
		if id, ok := fullConfig[deviceapi.ConfigDeviceID]; ok {
			cfg[deviceapi.ConfigDeviceID] = id
		}
		out = append(out, deviceapi.DeviceDescriptor{
			DeviceName:            e.Name,
			Config:                cfg,
			RequestedRequestCount: e.RequestCount,
		})
	}
	return out, nil
}

func (d *Dispatcher) mergedConfig(callConfig config.Map) config.Map {
	d.mu.Lock()
	defer d.mu.Unlock()
	return config.Merge(d.cfg, callConfig)
}

// Compile is compile(network, call_config) (spec §4.4): merges config,
// enumerates candidates, selects a device, and retries on backend compile
// failure until the candidate list is exhausted. The returned Scheduler is
// passed to CreateRequest to obtain a runnable AsyncRequest.
func (d *Dispatcher) Compile(ctx context.Context, network backend.Network, callConfig config.Map) (*scheduler.Scheduler, error) {
	if err := validateNetwork(network); err != nil {
		return nil, err
	}

	fullConfig := d.mergedConfig(callConfig)

	scheduleType := fullConfig[deviceapi.ConfigScheduleType]
	if scheduleType == "" {
		scheduleType = "STATIC"
	}
	if scheduleType != "STATIC" {
		return nil, errkind.New(errkind.Misuse, errors.Errorf("schedule type %q is not implemented", scheduleType))
	}

	candidates, err := d.candidateDevices(fullConfig)
	if err != nil {
		return nil, err
	}

	precision := deviceapi.NormalizePrecision(network.FirstInputPrecision)
	ads := d.capabilities.Advertisements("default")

	var attempts []error
	remaining := append([]deviceapi.DeviceDescriptor(nil), candidates...)
	for len(remaining) > 0 {
		selected, selErr := d.selector.SelectDevice(precision, remaining, ads)
		if selErr != nil {
			return nil, selErr
		}

		observability.Default.IncCounter(observability.MetricCompileAttempts, map[string]string{"device": selected.DeviceName}, 1)

		plugin, resolveErr := d.resolvePluginFor(selected.DeviceName)
		if resolveErr != nil {
			attempts = append(attempts, resolveErr)
			remaining = removeDevice(remaining, selected)
			continue
		}

		if _, err := plugin.QueryNetwork(network, selected.Config); err != nil {
			attempts = append(attempts, errors.Wrapf(err, "query network failed on %s", selected.DeviceName))
			remaining = removeDevice(remaining, selected)
			continue
		}

		compiled, loadErr := plugin.LoadNetwork(network, selected.Config)
		if loadErr != nil {
			attempts = append(attempts, errors.Wrapf(loadErr, "load network failed on %s", selected.DeviceName))
			remaining = removeDevice(remaining, selected)
			observability.Warnf("autodevice: compile failed on %s, retrying with remaining candidates", selected.DeviceName)
			continue
		}

		needPerf := perfCountersRequested(fullConfig) && compiledHonorsPerfCount(compiled)
		sched, schedErr := scheduler.New(ctx, compiled, selected, fullConfig, needPerf)
		if schedErr != nil {
			return nil, schedErr
		}
		d.recordAudit(ctx, audit.ActionDeviceSelected, selected.DeviceName, network.Name, "ok", "")
		return sched, nil
	}

	failErr := errkind.New(errkind.CompileFailure, errors.Wrap(joinErrors(attempts), "no device accepted the network"))
	d.recordAudit(ctx, audit.ActionCompileFailed, "", network.Name, "error", failErr.Error())
	return nil, failErr
}

// CreateRequest is the façade's entry point into the Async Request
// Pipeline (spec §4.6): given the Scheduler returned by Compile, it
// creates an AsyncRequest a caller binds inputs/outputs to, Starts, and
// Waits on or StopAndWaits to tear down. sched must come from a prior
// Compile call against this or another Dispatcher.
func (d *Dispatcher) CreateRequest(sched *scheduler.Scheduler, inputNames, outputNames []string) *pipeline.Request {
	req := sched.CreateRequest(inputNames, outputNames)
	if d.audit != nil {
		req.SetAuditSink(d.audit)
	}
	return req
}

// recordAudit is a best-effort side channel: an audit sink failure must
// never change a Compile outcome.
func (d *Dispatcher) recordAudit(ctx context.Context, action, device, resource, result, details string) {
	if d.audit == nil {
		return
	}
	if err := d.audit.Append(ctx, audit.Event{Action: action, Device: device, Resource: resource, Result: result, Details: details}); err != nil {
		observability.Warnf("autodevice: audit append failed: %v", err)
	}
}

func perfCountersRequested(cfg config.Map) bool {
	return cfg[deviceapi.ConfigPerfCount] == "YES"
}

func compiledHonorsPerfCount(compiled backend.CompiledNetwork) bool {
	v, err := compiled.GetConfig(deviceapi.ConfigPerfCount)
	if err != nil {
		return false
	}
	s, ok := v.(string)
	return ok && s == "YES"
}

func (d *Dispatcher) resolvePluginFor(deviceName string) (backend.Plugin, error) {
	if d.resolvePlugin == nil {
		return nil, errkind.New(errkind.Misuse, errors.New("no plugin resolver provided"))
	}
	return d.resolvePlugin(deviceName)
}

// validateNetwork checks network against the expected graph form (spec
// §4.4/§7.1's "unsupported network representation" Misuse case): a
// network with no declared layers carries nothing a selection policy or
// backend could query or load.
func validateNetwork(network backend.Network) error {
	if len(network.Layers) == 0 {
		return errkind.New(errkind.Misuse, errors.New("network representation is not the expected graph form: no layers declared"))
	}
	return nil
}

func removeDevice(list []deviceapi.DeviceDescriptor, remove deviceapi.DeviceDescriptor) []deviceapi.DeviceDescriptor {
	out := make([]deviceapi.DeviceDescriptor, 0, len(list))
	for _, d := range list {
		if !d.Equal(remove) {
			out = append(out, d)
		}
	}
	return out
}

func joinErrors(errs []error) error {
	if len(errs) == 0 {
		return errors.New("no candidates were available")
	}
	msg := errs[0].Error()
	for _, e := range errs[1:] {
		msg += "; " + e.Error()
	}
	return errors.New(msg)
}

// QueryLayers is query_layers(network, call_config) (spec §4.4): the
// intersection of the supported-layer sets of every successfully-queried
// candidate that returned a non-empty set, mapped to this dispatcher's
// identifier. Candidates returning an empty set count as participating but
// are left out of the intersection.
func (d *Dispatcher) QueryLayers(network backend.Network, callConfig config.Map) (map[string]string, error) {
	fullConfig := d.mergedConfig(callConfig)
	candidates, err := d.candidateDevices(fullConfig)
	if err != nil {
		return nil, err
	}

	var intersection map[string]bool
	participated := 0
	for _, cand := range candidates {
		plugin, resolveErr := d.resolvePluginFor(cand.DeviceName)
		if resolveErr != nil {
			continue
		}
		layers, queryErr := plugin.QueryNetwork(network, cand.Config)
		if queryErr != nil {
			continue
		}
		participated++
		if len(layers) == 0 {
			continue
		}
		set := make(map[string]bool, len(layers))
		for name := range layers {
			set[name] = true
		}
		if intersection == nil {
			intersection = set
			continue
		}
		intersection = intersectSets(intersection, set)
	}

	if participated == 0 {
		return nil, errkind.New(errkind.Misuse, errors.New("no supported devices can be used"))
	}

	out := make(map[string]string, len(intersection))
	for name := range intersection {
		out[name] = deviceapi.FullDeviceName
	}
	return out, nil
}

func intersectSets(a, b map[string]bool) map[string]bool {
	out := make(map[string]bool)
	for k := range a {
		if b[k] {
			out[k] = true
		}
	}
	return out
}

// GetMetric answers the dispatcher-level metrics of spec §6. Keys this
// dispatcher doesn't recognize are passed to sched.GetMetric when sched is
// non-nil (the supplemented per-device metrics passthrough of SPEC_FULL
// §4), else reported as unsupported. sched.GetMetric answers only its own
// fixed key set and rejects any other key; it does not forward arbitrary
// keys to the backend.
func (d *Dispatcher) GetMetric(key string, sched *scheduler.Scheduler) (interface{}, error) {
	switch key {
	case deviceapi.MetricSupportedMetrics:
		return []string{
			deviceapi.MetricAvailableDevices,
			deviceapi.MetricSupportedMetrics,
			deviceapi.MetricFullDeviceName,
			deviceapi.MetricSupportedConfigKeys,
			deviceapi.MetricOptimizationCaps,
		}, nil
	case deviceapi.MetricAvailableDevices:
		return d.availableDevices()
	case deviceapi.MetricFullDeviceName:
		return deviceapi.FullDeviceName, nil
	case deviceapi.MetricSupportedConfigKeys:
		return []string{
			deviceapi.ConfigDevicePriorities,
			deviceapi.ConfigDeviceChoice,
			deviceapi.ConfigScheduleType,
			deviceapi.ConfigPerfCount,
			deviceapi.ConfigDeviceID,
		}, nil
	case deviceapi.MetricOptimizationCaps:
		return d.optimizationCapabilities(), nil
	default:
		if sched != nil {
			return sched.GetMetric(key)
		}
		return nil, errkind.New(errkind.Misuse, errors.Errorf("unsupported metric key %s", key))
	}
}

// availableDevices lists the enumerated device names exactly as the
// enumeration callback returns them, instance suffixes included (e.g.
// "GPU.0", "GPU.1"; SPEC_FULL §4's AVAILABLE_DEVICES formatting). It does
// not expand a bare class name into instances.
func (d *Dispatcher) availableDevices() ([]string, error) {
	if d.enumerate == nil {
		return nil, errkind.New(errkind.Misuse, errors.New("no device enumeration callback provided"))
	}
	descs, err := d.enumerate()
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(descs))
	for _, desc := range descs {
		out = append(out, desc.DeviceName)
	}
	return out, nil
}

func (d *Dispatcher) optimizationCapabilities() []string {
	caps := map[string]bool{}
	for _, ad := range d.capabilities.Advertisements("default") {
		for _, p := range ad.Precisions {
			caps[p] = true
		}
	}
	out := make([]string, 0, len(caps))
	for c := range caps {
		out = append(out, c)
	}
	return out
}
