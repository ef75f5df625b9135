// Package capabilities loads per-class capability advertisements and
// default device-priority profiles from an optional YAML fixture, the way
// internal/policy and internal/models load their YAML-rule files in the
// teacher: an env-selected file path, parsed with gopkg.in/yaml.v3, falling
// back to a built-in default when unset.
package capabilities

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/mashoujiang/autodevice/pkg/deviceapi"
)

// ClassAdvertisement is one YAML entry: a device class name and its
// space-separated supported precisions, e.g. "GPU: FP16 FP32".
type ClassAdvertisement struct {
	Class      string `yaml:"class"`
	Precisions string `yaml:"precisions"`
}

// Profile is a named, loadable set of class advertisements plus a default
// device priority list, e.g. for simulating a particular lab machine.
type Profile struct {
	Name            string               `yaml:"name"`
	Advertisements  []ClassAdvertisement `yaml:"advertisements"`
	DevicePriorities string              `yaml:"device_priorities"`
}

// Config is the top-level YAML document: a set of named profiles.
type Config struct {
	Profiles []Profile `yaml:"profiles"`
}

// Catalog indexes profiles by name for lookup.
type Catalog struct {
	profiles map[string]Profile
}

// DefaultCatalog is the built-in fixture used when no YAML file is
// configured: CPU always advertises every common precision.
func DefaultCatalog() *Catalog {
	return &Catalog{
		profiles: map[string]Profile{
			"default": {
				Name: "default",
				Advertisements: []ClassAdvertisement{
					{Class: "CPU", Precisions: "FP32 FP16 INT8 BF16"},
					{Class: "GPU", Precisions: "FP16 FP32"},
					{Class: "GNA", Precisions: "FP32 INT8"},
					{Class: "VPUX", Precisions: "FP16 INT8"},
					{Class: "MYRIAD", Precisions: "FP16"},
				},
			},
		},
	}
}

// LoadFromEnv reads AUTODEVICE_CAPABILITIES_FILE if set, else returns the
// built-in DefaultCatalog, mirroring policy.LoadFromEnv's env-path-or-noop
// pattern.
func LoadFromEnv() (*Catalog, error) {
	path := strings.TrimSpace(os.Getenv("AUTODEVICE_CAPABILITIES_FILE"))
	if path == "" {
		return DefaultCatalog(), nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read capabilities file: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("parse capabilities file: %w", err)
	}
	return NewFromConfig(cfg), nil
}

func NewFromConfig(cfg Config) *Catalog {
	c := &Catalog{profiles: map[string]Profile{}}
	for _, p := range cfg.Profiles {
		c.profiles[p.Name] = p
	}
	if _, ok := c.profiles["default"]; !ok {
		c.profiles["default"] = DefaultCatalog().profiles["default"]
	}
	return c
}

// Advertisements returns the CapabilityAdvertisement list for the named
// profile, falling back to "default" if the name is unknown or empty.
func (c *Catalog) Advertisements(profile string) []deviceapi.CapabilityAdvertisement {
	p, ok := c.profiles[profile]
	if !ok {
		p = c.profiles["default"]
	}
	out := make([]deviceapi.CapabilityAdvertisement, 0, len(p.Advertisements))
	for _, a := range p.Advertisements {
		out = append(out, deviceapi.CapabilityAdvertisement{
			Class:      classFromName(a.Class),
			Precisions: strings.Fields(a.Precisions),
		})
	}
	return out
}

func classFromName(name string) deviceapi.DeviceClass {
	return deviceapi.ClassOf(name)
}
