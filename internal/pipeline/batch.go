package pipeline

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/zsiec/avkit/internal/media"
)

// job is one command line of a batch file.
type job struct {
	line int
	args []string
}

// parseJobs reads one command line per line. Blank lines are skipped and
// "#" starts a comment.
func parseJobs(path string) ([]job, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, at(StageInput, fmt.Errorf("%w: open jobfile: %v", media.ErrIO, err))
	}
	defer f.Close()

	var jobs []job
	sc := bufio.NewScanner(f)
	for n := 1; sc.Scan(); n++ {
		line, _, _ := strings.Cut(sc.Text(), "#")
		args := strings.Fields(line)
		if len(args) == 0 {
			continue
		}
		if args[0] == "batch" {
			return nil, usagef("%s:%d: batch jobs cannot run batch", path, n)
		}
		jobs = append(jobs, job{line: n, args: args})
	}
	if err := sc.Err(); err != nil {
		return nil, at(StageInput, fmt.Errorf("%w: read jobfile: %v", media.ErrIO, err))
	}
	return jobs, nil
}

// batch runs the jobs of a jobfile concurrently, at most Config.BatchJobs
// at a time. Every job runs to completion; the first failure in file order
// is returned.
func (r *Runner) batch(ctx context.Context, path string) error {
	jobs, err := parseJobs(path)
	if err != nil {
		return err
	}

	errs := make([]error, len(jobs))
	var failed atomic.Int64
	var g errgroup.Group
	g.SetLimit(max(r.Config.BatchJobs, 1))
	for i, j := range jobs {
		g.Go(func() error {
			if err := r.Run(ctx, j.args); err != nil {
				failed.Add(1)
				errs[i] = fmt.Errorf("%s:%d: %w", path, j.line, err)
			}
			return nil
		})
	}
	_ = g.Wait()

	r.Progress.Printf("Batch finished: %d jobs, %d failed", len(jobs), failed.Load())
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
