//go:build !windows

package sandbox

func newWindows(Type) Manager { return nil }
