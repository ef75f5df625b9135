package selection

import (
	"testing"

	"github.com/mashoujiang/autodevice/internal/errkind"
	"github.com/mashoujiang/autodevice/pkg/deviceapi"
)

func descs(names ...string) []deviceapi.DeviceDescriptor {
	out := make([]deviceapi.DeviceDescriptor, 0, len(names))
	for _, n := range names {
		out = append(out, deviceapi.DeviceDescriptor{DeviceName: n, RequestedRequestCount: -1})
	}
	return out
}

func ad(class deviceapi.DeviceClass, precisions ...string) deviceapi.CapabilityAdvertisement {
	return deviceapi.CapabilityAdvertisement{Class: class, Precisions: precisions}
}

func TestSelectDevice_PrecisionMatchedDiscreteGPU(t *testing.T) {
	p := NewStatic()
	got, err := p.SelectDevice("FP16", descs("CPU", "GPU.0", "GPU.1"), []deviceapi.CapabilityAdvertisement{
		ad(deviceapi.ClassCPU, "FP32"),
		ad(deviceapi.ClassGPU, "FP16", "FP32"),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.DeviceName != "GPU.1" {
		t.Fatalf("expected GPU.1 (discrete wins tie), got %s", got.DeviceName)
	}
}

func TestSelectDevice_PrecisionMissFallsToCPU(t *testing.T) {
	p := NewStatic()
	got, err := p.SelectDevice("INT8", descs("GPU.0", "CPU"), []deviceapi.CapabilityAdvertisement{
		ad(deviceapi.ClassGPU, "FP16"),
		ad(deviceapi.ClassCPU, "FP32", "INT8"),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.DeviceName != "CPU" {
		t.Fatalf("expected CPU fallback, got %s", got.DeviceName)
	}
}

func TestSelectDevice_UnknownClassIsHardError(t *testing.T) {
	p := NewStatic()
	_, err := p.SelectDevice("FP32", descs("FPGA"), nil)
	if !errkind.Is(err, errkind.Misuse) {
		t.Fatalf("expected misuse error, got %v", err)
	}
}

func TestSelectDevice_NoCandidatesFails(t *testing.T) {
	p := NewStatic()
	_, err := p.SelectDevice("FP32", nil, nil)
	if !errkind.Is(err, errkind.SelectionFailure) {
		t.Fatalf("expected selection failure, got %v", err)
	}
}

func TestSelectDevice_NoPrecisionMatchAndNoCPUFails(t *testing.T) {
	p := NewStatic()
	_, err := p.SelectDevice("INT8", descs("GPU.0"), []deviceapi.CapabilityAdvertisement{
		ad(deviceapi.ClassGPU, "FP16"),
	})
	if !errkind.Is(err, errkind.SelectionFailure) {
		t.Fatalf("expected selection failure, got %v", err)
	}
}

func TestSelectDevice_NeverInventsADevice(t *testing.T) {
	p := NewStatic()
	candidates := descs("CPU", "GPU.0")
	got, err := p.SelectDevice("FP32", candidates, []deviceapi.CapabilityAdvertisement{
		ad(deviceapi.ClassCPU, "FP32"),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	found := false
	for _, c := range candidates {
		if c.Equal(got) {
			found = true
		}
	}
	if !found {
		t.Fatalf("selected device %s not in candidate list", got.DeviceName)
	}
}
