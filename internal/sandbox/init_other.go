//go:build !linux

package sandbox

// MaybeRunInit is a no-op where the process backend is unsupported.
func MaybeRunInit() {}
