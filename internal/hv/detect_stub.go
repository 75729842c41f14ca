//go:build !arm64

package hv

func hostHasEl2() bool { return false }
