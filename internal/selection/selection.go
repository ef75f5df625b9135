// Package selection implements the Device Selection Policy: given a
// network and an ordered list of candidate devices plus their capability
// advertisements, choose exactly one device or fail.
//
// The STATIC policy here is a direct port of AutoStaticPolicy::SelectDevice
// in the original multi-device plugin: partition candidates by class in a
// fixed preference order, prefer discrete GPU instances within the GPU
// partition, then walk the preference order picking the first class whose
// advertisement supports the network's precision, falling back to CPU.
package selection

import (
	"fmt"
	"sort"

	"github.com/mashoujiang/autodevice/internal/errkind"
	"github.com/mashoujiang/autodevice/pkg/deviceapi"
)

// Policy chooses one device from candidates for the given network
// precision and advertisements.
type Policy interface {
	SelectDevice(precision string, candidates []deviceapi.DeviceDescriptor, ads []deviceapi.CapabilityAdvertisement) (deviceapi.DeviceDescriptor, error)
}

// Static is the only implemented policy (spec §4.3 / §9's resolved Open
// Question). It is safe for concurrent use; callers don't need to pool it.
type Static struct{}

func NewStatic() *Static { return &Static{} }

func (Static) SelectDevice(precision string, candidates []deviceapi.DeviceDescriptor, ads []deviceapi.CapabilityAdvertisement) (deviceapi.DeviceDescriptor, error) {
	partitions := map[deviceapi.DeviceClass][]deviceapi.DeviceDescriptor{}
	for _, d := range candidates {
		class := deviceapi.ClassOf(d.DeviceName)
		if class == deviceapi.ClassOther {
			return deviceapi.DeviceDescriptor{}, errkind.New(errkind.Misuse,
				fmt.Errorf("auto device selection doesn't support device named %s", d.DeviceName))
		}
		partitions[class] = append(partitions[class], d)
	}

	anyNonEmpty := false
	for _, class := range deviceapi.PriorityOrder {
		if len(partitions[class]) > 0 {
			anyNonEmpty = true
			break
		}
	}
	if !anyNonEmpty {
		return deviceapi.DeviceDescriptor{}, errkind.New(errkind.SelectionFailure, fmt.Errorf("no available device found"))
	}

	// dGPU preferred: sort descending by device_name so "GPU.1" precedes "GPU.0".
	if gpu := partitions[deviceapi.ClassGPU]; len(gpu) > 1 {
		sort.Slice(gpu, func(i, j int) bool { return gpu[i].DeviceName > gpu[j].DeviceName })
		partitions[deviceapi.ClassGPU] = gpu
	}
	for class, group := range partitions {
		if class == deviceapi.ClassGPU {
			continue
		}
		sort.Slice(group, func(i, j int) bool { return group[i].DeviceName < group[j].DeviceName })
		partitions[class] = group
	}

	adByClass := map[deviceapi.DeviceClass]deviceapi.CapabilityAdvertisement{}
	for _, a := range ads {
		adByClass[a.Class] = a
	}

	for _, class := range deviceapi.PriorityOrder {
		group := partitions[class]
		if len(group) == 0 {
			continue
		}
		ad, ok := adByClass[class]
		if !ok {
			continue
		}
		if ad.SupportsPrecision(precision) {
			return group[0], nil
		}
	}

	cpu := partitions[deviceapi.ClassCPU]
	if len(cpu) == 0 {
		return deviceapi.DeviceDescriptor{}, errkind.New(errkind.SelectionFailure, fmt.Errorf("no device usable"))
	}
	return cpu[0], nil
}
