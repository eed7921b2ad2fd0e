// Command telemetryctl administers the telemetry store: schema setup and user accounts.
package main

import (
	"os"
)

func main() {
	if err := newRootCmd(openDependencies).Execute(); err != nil {
		os.Exit(1)
	}
}
