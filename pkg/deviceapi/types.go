// Package deviceapi holds the value types shared between the dispatcher
// façade and its internal subsystems: device descriptors, capability
// advertisements, and the well-known metric/config keys.
package deviceapi

import "strings"

// DeviceClass groups a DeviceDescriptor by backend family. Order matters:
// it is the fixed preference order used by the STATIC selection policy.
type DeviceClass int

const (
	ClassUnknown DeviceClass = iota
	ClassVPUX
	ClassGPU
	ClassGNA
	ClassMYRIAD
	ClassCPU
	ClassOther
)

// PriorityOrder is the fixed class-priority walk of the STATIC policy.
var PriorityOrder = []DeviceClass{ClassVPUX, ClassGPU, ClassGNA, ClassMYRIAD, ClassCPU}

func (c DeviceClass) String() string {
	switch c {
	case ClassVPUX:
		return "VPUX"
	case ClassGPU:
		return "GPU"
	case ClassGNA:
		return "GNA"
	case ClassMYRIAD:
		return "MYRIAD"
	case ClassCPU:
		return "CPU"
	case ClassOther:
		return "OTHER"
	default:
		return "UNKNOWN"
	}
}

// ClassOf derives a DeviceClass from a device_name prefix, e.g. "GPU.1" -> ClassGPU.
func ClassOf(deviceName string) DeviceClass {
	switch {
	case strings.HasPrefix(deviceName, "VPUX"):
		return ClassVPUX
	case strings.HasPrefix(deviceName, "GPU"):
		return ClassGPU
	case strings.HasPrefix(deviceName, "GNA"):
		return ClassGNA
	case strings.HasPrefix(deviceName, "MYRIAD"):
		return ClassMYRIAD
	case strings.HasPrefix(deviceName, "CPU"):
		return ClassCPU
	default:
		return ClassOther
	}
}

// DeviceDescriptor names a candidate device and the config slice it will be
// invoked with. Immutable once constructed; equality is on DeviceName.
type DeviceDescriptor struct {
	DeviceName            string
	Config                map[string]string
	RequestedRequestCount int // -1 means auto
}

// Equal compares descriptors on DeviceName only, per spec.
func (d DeviceDescriptor) Equal(o DeviceDescriptor) bool {
	return d.DeviceName == o.DeviceName
}

// CapabilityAdvertisement is a backend-advertised, per-class string of
// supported precisions, e.g. "GPU: FP16 FP32".
type CapabilityAdvertisement struct {
	Class      DeviceClass
	Precisions []string
}

// SupportsPrecision reports whether the advertisement contains precision as
// a substring match against its joined precision tokens, mirroring the
// original backend's loose substring test.
func (c CapabilityAdvertisement) SupportsPrecision(precision string) bool {
	joined := strings.Join(c.Precisions, " ")
	return strings.Contains(joined, precision)
}

// Well-known metric keys exposed by the dispatcher and the scheduler.
const (
	MetricSupportedMetrics      = "SUPPORTED_METRICS"
	MetricAvailableDevices      = "AVAILABLE_DEVICES"
	MetricFullDeviceName        = "FULL_DEVICE_NAME"
	MetricSupportedConfigKeys   = "SUPPORTED_CONFIG_KEYS"
	MetricOptimizationCaps      = "OPTIMIZATION_CAPABILITIES"
	MetricOptimalNumberOfInferR = "OPTIMAL_NUMBER_OF_INFER_REQUESTS"
	MetricNetworkName           = "NETWORK_NAME"
)

// Well-known configuration keys recognized by the core.
const (
	ConfigDevicePriorities = "DEVICE_PRIORITIES"
	ConfigDeviceChoice     = "DEVICE_CHOICE"
	ConfigScheduleType     = "SCHEDULE_TYPE"
	ConfigPerfCount        = "PERF_COUNT"
	ConfigDeviceID         = "DEVICE_ID"
)

// FullDeviceName is the fixed string identifying this dispatcher to callers.
const FullDeviceName = "AUTO"

// NormalizePrecision applies the one known renaming rule: backend "I8"
// reports correspond to the network-precision token "INT8".
func NormalizePrecision(name string) string {
	if name == "I8" {
		return "INT8"
	}
	return name
}
