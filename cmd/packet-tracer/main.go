// packet-tracer follows network packets through the kernel stack and Open
// vSwitch and reports every probe they hit.
package main

import (
	"os"
)

// Version information injected at build time.
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
