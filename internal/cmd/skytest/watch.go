package skytest

import (
	"context"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/albertocavalcante/skykit/internal/starlark/tester"
)

// runWatchMode runs targets once, then again whenever a file they depend on
// changes. Only the targets that load the changed file, directly or not,
// are re-run.
func runWatchMode(
	ctx context.Context,
	targets []tester.Target,
	p *pipeline,
	opts tester.Options,
	reporter tester.Reporter,
	stdout, stderr io.Writer,
) int {
	r, err := p.newRunner(opts)
	if err != nil {
		writef(stderr, "skytest: %v\n", err)
		return exitError
	}

	watcher, err := tester.NewWatcher(p.logger)
	if err != nil {
		writef(stderr, "skytest: creating watcher: %v\n", err)
		return exitError
	}
	defer func() { _ = watcher.Close() }()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	paths := make([]string, len(targets))
	byPath := make(map[string]tester.Target, len(targets))
	for i, t := range targets {
		paths[i] = t.Path
		byPath[t.Path] = t
	}

	run := func(ts []tester.Target) {
		result, err := runTargets(ctx, r, ts, opts.FailFast, reporter, stdout)
		if err != nil {
			writef(stderr, "skytest: %v\n", err)
			return
		}
		reporter.ReportSummary(stdout, result)

		// Newly loaded modules join the watch set.
		if err := watcher.Add(paths...); err != nil {
			writef(stderr, "skytest: %v\n", err)
		}
		if err := watcher.Add(r.Loader().Modules()...); err != nil {
			writef(stderr, "skytest: %v\n", err)
		}
	}

	writef(stdout, "Watch mode active. Watching %d test file(s). Press Ctrl+C to stop.\n\n", len(targets))
	run(targets)
	writef(stdout, "\nWatching for changes...\n")

	for {
		select {
		case <-ctx.Done():
			writef(stdout, "\nStopping watch mode.\n")
			return exitOK

		case event := <-watcher.Events:
			if tester.IsTerminal(stdout) {
				writef(stdout, "\033[2J\033[H")
			}
			writef(stdout, "File changed: %s\n\n", filepath.Base(event.File))

			affected := tester.Affected(r.Loader(), event.File, paths)
			if len(affected) == 0 {
				writef(stdout, "No affected tests to run.\n")
				continue
			}
			ts := make([]tester.Target, len(affected))
			for i, path := range affected {
				ts[i] = byPath[path]
			}
			run(ts)
			writef(stdout, "\nWatching for changes...\n")

		case err := <-watcher.Errors:
			writef(stderr, "skytest: watcher error: %v\n", err)
		}
	}
}
