package observability

import "k8s.io/klog/v2"

// Logging throughout the core goes through klog, the way gomlx/gopjrt logs
// backend plugin loading and gomlx/gomlx logs tensor placement decisions:
// klog.V(1) for routine scheduling trace, Warningf/Errorf for backend
// failures and shutdown races.

func Tracef(format string, args ...interface{}) {
	klog.V(1).Infof(format, args...)
}

func Warnf(format string, args ...interface{}) {
	klog.Warningf(format, args...)
}

func Errorf(format string, args ...interface{}) {
	klog.Errorf(format, args...)
}
