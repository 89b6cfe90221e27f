package skytest

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/albertocavalcante/skykit/internal/starlark/tester"
)

func failed(fr *tester.FileResult) bool {
	_, n := fr.Summary()
	return n > 0
}

// runSequential runs every target on one runner, reporting each file as it
// finishes.
func runSequential(
	ctx context.Context,
	targets []tester.Target,
	p *pipeline,
	opts tester.Options,
	reporter tester.Reporter,
	stdout io.Writer,
) (*tester.RunResult, error) {
	r, err := p.newRunner(opts)
	if err != nil {
		return nil, err
	}
	return runTargets(ctx, r, targets, opts.FailFast, reporter, stdout)
}

func runTargets(
	ctx context.Context,
	r *tester.Runner,
	targets []tester.Target,
	failFast bool,
	reporter tester.Reporter,
	stdout io.Writer,
) (*tester.RunResult, error) {
	result := &tester.RunResult{}
	start := time.Now()

	for _, t := range targets {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		fr, err := r.RunTarget(t)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", t.Path, err)
		}
		result.Files = append(result.Files, *fr)
		reporter.ReportFile(stdout, fr)

		if failFast && failed(fr) {
			break
		}
	}

	result.Duration = time.Since(start)
	return result, nil
}

// runParallel spreads targets over workers. Each worker owns a loader and a
// runner; coverage from all of them lands in the pipeline's accumulator.
// Results are reported in target order once every worker is done.
func runParallel(
	ctx context.Context,
	targets []tester.Target,
	workers int,
	p *pipeline,
	opts tester.Options,
	reporter tester.Reporter,
	stdout io.Writer,
) (*tester.RunResult, error) {
	start := time.Now()

	jobs := make(chan int, len(targets))
	for i := range targets {
		jobs <- i
	}
	close(jobs)

	results := make([]*tester.FileResult, len(targets))
	outputs := make([][]byte, len(targets))
	var stop atomic.Bool

	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < workers; w++ {
		g.Go(func() error {
			r, err := p.newRunner(opts)
			if err != nil {
				return err
			}
			for i := range jobs {
				if err := gctx.Err(); err != nil {
					return err
				}
				if stop.Load() {
					return nil
				}
				fr, err := r.RunTarget(targets[i])
				if err != nil {
					return fmt.Errorf("%s: %w", targets[i].Path, err)
				}
				results[i] = fr

				var buf bytes.Buffer
				reporter.ReportFile(&buf, fr)
				outputs[i] = buf.Bytes()

				if opts.FailFast && failed(fr) {
					stop.Store(true)
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	run := &tester.RunResult{}
	for i, fr := range results {
		if fr == nil {
			continue
		}
		run.Files = append(run.Files, *fr)
		_, _ = stdout.Write(outputs[i])
		if opts.FailFast && failed(fr) {
			break
		}
	}
	run.Duration = time.Since(start)
	return run, nil
}
