//go:build !darwin

package sandbox

func newSeatbelt() Manager { return nil }
