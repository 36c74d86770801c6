//go:build !linux

package main

// cpuUsage, memUsage, and diskAvailableBytes only have real implementations
// on Linux, since Firecracker itself is Linux-only; this build exists so
// the package still compiles for local tooling on other platforms.

func cpuUsage() float64 { return 0 }

func memUsage() float64 { return 0 }

func diskAvailableBytes(path string) uint64 { return 0 }
