// Package config merges flat string-keyed config maps and parses the
// device-list grammar, the way worker/internal/config and
// internal/bootstrap/controlplane.go in the teacher merge environment
// defaults with call-site overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Map is a flat key/value config, the unit of merge throughout the core.
type Map map[string]string

// Merge returns a new Map with local overriding base, mirroring
// auto_plugin.cpp's mergeConfigs: last writer wins, base is never mutated.
func Merge(base, local Map) Map {
	out := make(Map, len(base)+len(local))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range local {
		out[k] = v
	}
	return out
}

// DeviceEntry is one parsed token of the device-list grammar:
// entry := name ( "(" positive-int ")" )?
type DeviceEntry struct {
	Name          string
	RequestCount  int // -1 means auto
}

// ParseDeviceList parses a comma-separated DEVICE_PRIORITIES/DEVICE_CHOICE
// value into ordered entries. list := entry ("," entry)*.
func ParseDeviceList(raw string) ([]DeviceEntry, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	tokens := strings.Split(raw, ",")
	entries := make([]DeviceEntry, 0, len(tokens))
	for _, tok := range tokens {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}
		entry, err := parseDeviceEntry(tok)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func parseDeviceEntry(tok string) (DeviceEntry, error) {
	open := strings.IndexByte(tok, '(')
	if open == -1 {
		return DeviceEntry{Name: tok, RequestCount: -1}, nil
	}
	if !strings.HasSuffix(tok, ")") {
		return DeviceEntry{}, fmt.Errorf("malformed device entry %q: missing closing paren", tok)
	}
	name := tok[:open]
	countStr := tok[open+1 : len(tok)-1]
	count, err := strconv.Atoi(countStr)
	if err != nil || count <= 0 {
		return DeviceEntry{}, fmt.Errorf("malformed device entry %q: request count must be a positive integer", tok)
	}
	return DeviceEntry{Name: name, RequestCount: count}, nil
}

func getenv(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

// FromEnv builds a base Map from the core's recognized environment
// variables, following the teacher's getenv-with-fallback idiom.
func FromEnv() Map {
	m := Map{}
	if v := getenv("AUTODEVICE_DEVICE_PRIORITIES", ""); v != "" {
		m["DEVICE_PRIORITIES"] = v
	}
	if v := getenv("AUTODEVICE_SCHEDULE_TYPE", "STATIC"); v != "" {
		m["SCHEDULE_TYPE"] = v
	}
	if v := getenv("AUTODEVICE_PERF_COUNT", "NO"); v != "" {
		m["PERF_COUNT"] = v
	}
	return m
}
