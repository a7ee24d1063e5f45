package batch

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/itchdl/itch-dl/internal/fetcher"
	"github.com/itchdl/itch-dl/internal/model"
	"github.com/itchdl/itch-dl/internal/naming"
	"github.com/itchdl/itch-dl/internal/resilience"
	"github.com/itchdl/itch-dl/internal/store"
)

// Options configures a Runner.
type Options struct {
	// BatchID keys the ledger. Reusing an id resumes that batch.
	BatchID string
	// Restart clears the batch's ledger rows and dead letters first.
	Restart bool
	// Concurrency bounds how many destinations are worked on at once.
	Concurrency int
	// FailFast stops the batch at the first job that fails after its retries.
	// Otherwise failures are parked in the dead-letter queue.
	FailFast      bool
	Retry         resilience.RetryConfig
	DLQMaxRetries int
	Fetch         fetcher.Options
}

// Summary tallies a run.
type Summary struct {
	BatchID    string `json:"batch_id"`
	Downloaded int    `json:"downloaded"`
	Skipped    int    `json:"skipped"`
	Failed     int    `json:"failed"`
	// Resumed counts jobs a previous run of the batch already finished.
	Resumed int `json:"resumed"`
}

// NewDownloads reports whether the run wrote any fresh file.
func (s *Summary) NewDownloads() bool {
	return s.Downloaded > 0
}

// Runner executes jobs through a Fetcher.
type Runner struct {
	fetcher  fetcher.Fetcher
	store    store.Store
	breakers *resilience.HostBreakers
	opts     Options
}

// NewBreakers returns per-host breakers that only count failures a retry
// could fix, so a run of 404s does not lock out a healthy host.
func NewBreakers(threshold, resetSecs int) *resilience.HostBreakers {
	cfg := resilience.FromCircuitConfig(threshold, resetSecs)
	cfg.ShouldTrip = fetcher.Retryable
	return resilience.NewHostBreakers(cfg)
}

// NewRunner creates a Runner. A nil breakers registry gets the defaults.
func NewRunner(f fetcher.Fetcher, st store.Store, breakers *resilience.HostBreakers, opts Options) *Runner {
	if breakers == nil {
		breakers = NewBreakers(0, 0)
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.DLQMaxRetries <= 0 {
		opts.DLQMaxRetries = 3
	}
	return &Runner{fetcher: f, store: st, breakers: breakers, opts: opts}
}

// task is a job bound to the batch it belongs to. dlqID is set when the task
// comes from the dead-letter queue.
type task struct {
	batchID string
	job     Job
	dlqID   string
}

type tally struct {
	mu  sync.Mutex
	sum Summary
}

func (t *tally) add(o fetcher.Outcome) {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch o {
	case fetcher.OutcomeDownloaded:
		t.sum.Downloaded++
	case fetcher.OutcomeSkipped:
		t.sum.Skipped++
	default:
		t.sum.Failed++
	}
}

// Run fetches every job not yet finished by an earlier run of the same batch.
func (r *Runner) Run(ctx context.Context, jobs []Job) (*Summary, error) {
	batchID := r.opts.BatchID
	if batchID == "" {
		batchID = uuid.NewString()
	}
	log := zap.L().With(zap.String("batch_id", batchID))

	if r.opts.Restart {
		if err := r.store.ResetBatch(ctx, batchID); err != nil {
			return nil, eris.Wrap(err, "batch: restart")
		}
		log.Info("batch ledger cleared")
	}

	done, err := r.store.CompletedIndexes(ctx, batchID)
	if err != nil {
		return nil, eris.Wrap(err, "batch: load ledger")
	}

	var (
		tasks   []task
		resumed int
	)
	for _, job := range jobs {
		if done[job.Index] {
			resumed++
			continue
		}
		tasks = append(tasks, task{batchID: batchID, job: job})
	}

	log.Info("running batch",
		zap.Int("jobs", len(jobs)),
		zap.Int("pending", len(tasks)),
		zap.Int("resumed", resumed),
		zap.Int("concurrency", r.opts.Concurrency),
	)

	t := &tally{sum: Summary{BatchID: batchID, Resumed: resumed}}
	err = r.execute(ctx, tasks, r.opts.FailFast, t)

	log.Info("batch complete",
		zap.Int("downloaded", t.sum.Downloaded),
		zap.Int("skipped", t.sum.Skipped),
		zap.Int("failed", t.sum.Failed),
		zap.Int("resumed", t.sum.Resumed),
	)
	return &t.sum, err
}

// RetryDLQ re-runs dead-lettered jobs. A success removes the entry; a failure
// bumps its retry counter. Entries of every batch are retried when the
// runner has no batch id.
func (r *Runner) RetryDLQ(ctx context.Context) (*Summary, error) {
	entries, err := r.store.ListDLQ(ctx, resilience.DLQFilter{BatchID: r.opts.BatchID})
	if err != nil {
		return nil, eris.Wrap(err, "batch: list dlq")
	}

	tasks := make([]task, 0, len(entries))
	for _, e := range entries {
		if !e.CanRetry() {
			continue
		}
		tasks = append(tasks, task{
			batchID: e.BatchID,
			job:     Job{Index: e.Index, URL: e.URL, Dest: e.Destination, Slug: e.Slug},
			dlqID:   e.ID,
		})
	}

	zap.L().Info("retrying dead-lettered jobs", zap.Int("entries", len(tasks)))

	t := &tally{sum: Summary{BatchID: r.opts.BatchID}}
	err = r.execute(ctx, tasks, false, t)
	return &t.sum, err
}

// execute runs tasks grouped by destination. Groups run in parallel up to the
// concurrency limit; tasks inside a group run in manifest order.
func (r *Runner) execute(ctx context.Context, tasks []task, failFast bool, t *tally) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.opts.Concurrency)

	for _, group := range groupByDestination(tasks) {
		g.Go(func() error {
			for _, tk := range group {
				if err := gctx.Err(); err != nil {
					return err
				}
				if err := r.runTask(gctx, tk, failFast, t); err != nil {
					return err
				}
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return eris.Wrap(err, "batch")
	}
	return eris.Wrap(ctx.Err(), "batch interrupted")
}

// groupByDestination buckets tasks by cleaned destination, keeping first
// appearance order for both buckets and their contents.
func groupByDestination(tasks []task) [][]task {
	var (
		order  []string
		groups = make(map[string][]task)
	)
	for _, tk := range tasks {
		key := destinationKey(tk.job.Dest)
		if _, ok := groups[key]; !ok {
			order = append(order, key)
		}
		groups[key] = append(groups[key], tk)
	}
	out := make([][]task, 0, len(order))
	for _, key := range order {
		out = append(out, groups[key])
	}
	return out
}

func destinationKey(dest string) string {
	if dest == "" {
		return "."
	}
	return filepath.Clean(dest)
}

// runTask fetches one job with retries and records the outcome. It returns an
// error only when the batch must stop.
func (r *Runner) runTask(ctx context.Context, tk task, failFast bool, t *tally) error {
	job := tk.job
	log := zap.L().With(
		zap.String("batch_id", tk.batchID),
		zap.Int("index", job.Index),
		zap.String("url", job.URL),
	)

	req := fetcher.Request{
		URL:         job.URL,
		Destination: job.Dest,
		Options:     r.opts.Fetch,
	}
	if job.Slug {
		req.Options.Rename = naming.SlugifyFilename
	}

	retry := r.opts.Retry
	retry.ShouldRetry = fetcher.Retryable
	retry.OnRetry = resilience.RetryLogger("fetch", job.URL)
	breaker := r.breakers.ForURL(job.URL)

	attempts := 0
	start := time.Now()
	res, err := resilience.DoVal(ctx, retry, func(ctx context.Context) (*fetcher.Result, error) {
		attempts++
		return resilience.ExecuteVal(ctx, breaker, func(ctx context.Context) (*fetcher.Result, error) {
			return r.fetcher.Fetch(ctx, req)
		})
	})

	// Jobs cut short by cancellation stay pending for the next run.
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}

	rec := model.FetchRecord{
		BatchID:     tk.batchID,
		Index:       job.Index,
		URL:         job.URL,
		Destination: job.Dest,
		Attempts:    attempts,
		DurationMs:  time.Since(start).Milliseconds(),
	}
	outcome := fetcher.OutcomeFailed
	if res != nil {
		outcome = res.Outcome
		rec.Path = res.Path
		rec.Bytes = res.Bytes
	}

	switch {
	case err != nil:
		rec.Status = model.FetchStatusFailed
		rec.Reason = failureReason(err)
		rec.Error = err.Error()
	case outcome == fetcher.OutcomeSkipped:
		rec.Status = model.FetchStatusSkipped
	default:
		rec.Status = model.FetchStatusDownloaded
	}
	t.add(outcome)

	if rerr := r.store.RecordFetch(ctx, rec); rerr != nil {
		return eris.Wrap(rerr, "record fetch")
	}

	if err == nil {
		log.Info("job complete",
			zap.String("status", string(rec.Status)),
			zap.String("path", rec.Path),
			zap.Int("attempts", attempts),
		)
		if tk.dlqID != "" {
			return eris.Wrap(r.store.RemoveDLQ(ctx, tk.dlqID), "remove dlq entry")
		}
		return nil
	}

	log.Error("job failed",
		zap.String("reason", rec.Reason),
		zap.Int("attempts", attempts),
		zap.Error(err),
	)

	if tk.dlqID != "" {
		return eris.Wrap(r.store.IncrementDLQRetry(ctx, tk.dlqID, err.Error()), "bump dlq retry")
	}
	if failFast {
		return eris.Wrapf(err, "job %d (%s)", job.Index, job.URL)
	}
	entry := resilience.NewDLQEntry(tk.batchID, job.Index, job.URL, job.Dest, job.Slug,
		rec.Reason, err, fetcher.Retryable(err), r.opts.DLQMaxRetries)
	return eris.Wrap(r.store.EnqueueDLQ(ctx, entry), "enqueue dlq")
}

func failureReason(err error) string {
	if reason := fetcher.ReasonOf(err); reason != "" {
		return string(reason)
	}
	if eris.Is(err, resilience.ErrCircuitOpen) {
		return "circuit_open"
	}
	return string(fetcher.ReasonIOFailure)
}
