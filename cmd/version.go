package main

import (
	"fmt"
	"runtime"
)

// Version is set at build time with -ldflags "-X main.Version=...".
var Version = "v0.1.0"

// PrintVersion prints version information.
func PrintVersion() {
	fmt.Printf("inference-gateway %s\n", Version)
	fmt.Printf("Runtime: %s/%s\n", runtime.GOOS, runtime.GOARCH)
}
