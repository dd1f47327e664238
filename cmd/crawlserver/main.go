// Command crawlserver is the SSR gateway that fronts a single
// WebAssembly application: it renders fully-formed HTML for each HTTP
// GET by dispatching to a pool of isolated Worker Host processes, per
// spec.md §1.
package main

import (
	"fmt"
	"os"

	"github.com/crawlserver/crawlserver/internal/config"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == workerSubcommandName {
		runWorker(os.Args[2:])
		return
	}

	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitCodeFor(err))
	}
}

func exitCodeFor(err error) int {
	switch {
	case config.IsWasmPathMissing(err):
		return config.ExitWasmPathMissing
	case config.IsServerPortMissing(err):
		return config.ExitWasmPathMissing
	case errIsWasmFileMissing(err):
		return config.ExitWasmFileMissing
	case errIsListenerFailed(err):
		return config.ExitListenerFailed
	default:
		return config.ExitOther
	}
}
