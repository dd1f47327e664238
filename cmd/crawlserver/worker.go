package main

import (
	"context"
	"encoding/json"
	"io"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/crawlserver/crawlserver/internal/ipc"
	"github.com/crawlserver/crawlserver/internal/workerhost"
)

// runWorker is the Worker Host entrypoint: a single-threaded message
// loop reading RenderJobs from stdin and writing exactly one
// RenderResult per job to stdout, per spec.md §4.1's "Contract". It
// runs inside the child process created by pool.Spawn's self-re-exec.
func runWorker(args []string) {
	debug := false
	for _, a := range args {
		if a == "-d" || a == "--debug" {
			debug = true
		}
	}

	log := logrus.New()
	log.SetOutput(os.Stderr)
	if debug {
		log.SetLevel(logrus.DebugLevel)
	}
	entry := logrus.NewEntry(log)

	host := workerhost.New(entry)
	defer func() { _ = host.Close(context.Background()) }()

	dec := json.NewDecoder(os.Stdin)
	enc := json.NewEncoder(os.Stdout)
	ctx := context.Background()

	for {
		var job ipc.Job
		if err := dec.Decode(&job); err != nil {
			if err == io.EOF {
				return
			}
			entry.WithError(err).Error("worker: malformed job on stdin")
			os.Exit(1)
		}

		outcome := host.Handle(ctx, job)
		if err := enc.Encode(outcome.Result); err != nil {
			entry.WithError(err).Error("worker: failed to write result")
			os.Exit(1)
		}
		if outcome.Terminate {
			os.Exit(outcome.ExitCode)
		}
	}
}
