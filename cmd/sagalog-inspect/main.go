// Command sagalog-inspect reads and repairs the SQLite saga log of a linked
// data store instance.
package main

import (
	"fmt"
	"os"

	"github.com/descoped/linked-data-store-core/internal/pkg/telemetry"
)

func main() {
	telemetry.InitLogger()
	if err := NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
