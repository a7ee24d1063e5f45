package fetcher

import (
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// EngineOptions configures an Engine.
type EngineOptions struct {
	UserAgent string
	// Timeout applies to connection setup and response headers.
	Timeout time.Duration
	// InactivityTimeout aborts a payload stream that stalls this long.
	// Zero disables the watchdog.
	InactivityTimeout time.Duration
	ChunkSize         int
	SignedPrefixes    []string
	// RatePerHost and RateBurst seed the per-host adaptive limiters.
	RatePerHost rate.Limit
	RateBurst   int
	FTPTimeout  time.Duration
}

// Engine implements Fetcher. It holds no per-fetch state; concurrent calls are
// safe as long as they target distinct final paths.
type Engine struct {
	opts       EngineOptions
	classifier *Classifier
	limiters   *hostLimiters
	session    *http.Client
	now        func() time.Time
}

// source is one transport's view of a remote file.
type source interface {
	probe(ctx context.Context) (*RemoteMetadata, error)
	// open starts the payload transfer; reason labels a failure.
	open(ctx context.Context, reason Reason) (io.ReadCloser, *RemoteMetadata, error)
}

// NewEngine creates an Engine with the given options.
func NewEngine(opts EngineOptions) (*Engine, error) {
	if opts.UserAgent == "" {
		opts.UserAgent = "itch-dl/1.0"
	}
	if opts.Timeout == 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = 8 * 1024
	}
	if opts.RatePerHost <= 0 {
		opts.RatePerHost = 20
	}
	if opts.RateBurst <= 0 {
		opts.RateBurst = 20
	}
	if opts.FTPTimeout == 0 {
		opts.FTPTimeout = 30 * time.Second
	}
	session, err := NewSession(SessionOptions{Timeout: opts.Timeout})
	if err != nil {
		return nil, err
	}
	return &Engine{
		opts:       opts,
		classifier: NewClassifier(opts.SignedPrefixes),
		limiters:   newHostLimiters(opts.RatePerHost, opts.RateBurst),
		session:    session,
		now:        time.Now,
	}, nil
}

// Session returns the engine's default HTTP session.
func (e *Engine) Session() *http.Client {
	return e.session
}

func (e *Engine) sourceFor(req Request) source {
	lim := e.limiters.forURL(req.URL)
	if strings.HasPrefix(strings.ToLower(req.URL), "ftp://") {
		return &ftpSource{url: req.URL, timeout: e.opts.FTPTimeout, limiter: lim}
	}
	client := req.Session
	if client == nil {
		client = e.session
	}
	return &httpSource{client: client, url: req.URL, userAgent: e.opts.UserAgent, limiter: lim}
}

// Fetch runs classify, probe, skip check, archive, stream, publish, verify and
// timestamp strictly in that order.
func (e *Engine) Fetch(ctx context.Context, req Request) (*Result, error) {
	start := e.now()
	res := &Result{URL: req.URL, Outcome: OutcomeFailed}
	defer func() { res.Duration = e.now().Sub(start) }()

	fail := func(err error) (*Result, error) {
		res.Reason = ReasonOf(err)
		if res.Reason == "" {
			res.Reason = ReasonIOFailure
			err = newFetchError(ReasonIOFailure, 0, res.Path, err)
		}
		zap.L().Error("fetch failed",
			zap.String("url", req.URL),
			zap.String("path", res.Path),
			zap.String("reason", string(res.Reason)),
			zap.Error(err),
		)
		return res, err
	}

	src := e.sourceFor(req)
	res.Strategy = e.classifier.Classify(req.URL)

	// The payload context carries the inactivity watchdog from the moment the
	// payload request is issued.
	var (
		payloadCtx context.Context
		wd         *watchdog
	)
	openPayload := func(reason Reason) (io.ReadCloser, *RemoteMetadata, error) {
		payloadCtx, wd = newWatchdog(ctx, e.opts.InactivityTimeout)
		return src.open(payloadCtx, reason)
	}
	defer func() {
		if wd != nil {
			wd.Stop()
		}
	}()

	var (
		meta *RemoteMetadata
		body io.ReadCloser
		err  error
	)
	if res.Strategy == DirectGet {
		// Signed URLs expire shortly after issue; the GET is the probe.
		body, meta, err = openPayload(ReasonMetadataUnavailable)
	} else {
		meta, err = src.probe(ctx)
	}
	if err != nil {
		return fail(err)
	}
	if body != nil {
		defer body.Close() //nolint:errcheck
	}
	res.Metadata = *meta

	name := meta.Filename
	if req.Options.Rename != nil && namesDirectory(req.Destination) {
		if renamed := sanitizeFilename(req.Options.Rename(name)); renamed != "" {
			name = renamed
		}
	}
	target, err := ResolveTarget(req.Destination, name)
	if err != nil {
		return fail(err)
	}
	res.Path = target.FinalPath

	if req.Options.Verbose {
		zap.L().Info("negotiated metadata",
			zap.String("url", req.URL),
			zap.String("strategy", res.Strategy.String()),
			zap.String("filename", meta.Filename),
			zap.Int64("content_length", meta.ContentLength),
			zap.Time("last_modified", meta.LastModified),
		)
	}

	// Signed-URL metadata is not trusted for the identical-copy comparison.
	if res.Strategy == ProbeThenGet && req.Options.SkipIfIdentical && isIdentical(target.FinalPath, meta) {
		if err := removeStale(target.TempPath); err != nil {
			return fail(err)
		}
		zap.L().Info("file already fully downloaded, skipping", zap.String("path", target.FinalPath))
		res.Outcome = OutcomeSkipped
		res.Bytes = meta.ContentLength
		return res, nil
	}

	if body == nil {
		body, _, err = openPayload(ReasonPayloadRequestFailed)
		if err != nil {
			return fail(err)
		}
		defer body.Close() //nolint:errcheck
	}

	if req.Options.ArchiveExisting {
		archived, err := archiveExisting(target.FinalPath, e.now())
		if err != nil {
			return fail(err)
		}
		if archived != "" {
			zap.L().Info("archived previous copy",
				zap.String("path", target.FinalPath),
				zap.String("archive", archived),
			)
			res.ArchivedPath = archived
		}
	}

	if req.Options.Verbose {
		zap.L().Info("starting download", zap.String("url", req.URL), zap.String("path", target.FinalPath))
	} else {
		zap.L().Info("starting download", zap.String("path", target.FinalPath))
	}

	n, err := e.stream(payloadCtx, wd, body, target, meta.ContentLength, req.Options.Progress)
	res.Bytes = n
	if err != nil {
		if cause := context.Cause(payloadCtx); errors.Is(cause, os.ErrDeadlineExceeded) && ctx.Err() == nil {
			err = eris.Wrapf(cause, "no data received for %s", e.opts.InactivityTimeout)
		}
		return fail(newFetchError(ReasonIOFailure, 0, target.TempPath, err))
	}
	if err := e.publish(target); err != nil {
		return fail(err)
	}

	if err := verifySize(target.FinalPath, meta.ContentLength); err != nil {
		return fail(err)
	}

	if !meta.LastModified.IsZero() {
		if err := os.Chtimes(target.FinalPath, meta.LastModified, meta.LastModified); err != nil {
			return fail(newFetchError(ReasonIOFailure, 0, target.FinalPath, eris.Wrap(err, "set modification time")))
		}
	}

	res.Outcome = OutcomeDownloaded
	return res, nil
}

// stream copies body into the temporary file chunk by chunk. The temporary
// file is removed on every error path.
func (e *Engine) stream(ctx context.Context, wd *watchdog, body io.Reader, target Target, total int64, progress ProgressFunc) (written int64, err error) {
	f, err := os.OpenFile(target.TempPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return 0, eris.Wrapf(err, "open %s", target.TempPath)
	}
	defer func() {
		if err != nil {
			_ = f.Close()
			_ = os.Remove(target.TempPath)
		}
	}()

	label := filepath.Base(target.FinalPath)
	start := e.now()
	buf := make([]byte, e.opts.ChunkSize)
	for {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return written, eris.Wrap(ctxErr, "stream interrupted")
		}
		n, readErr := body.Read(buf)
		if n > 0 {
			wd.Kick()
			if _, werr := f.Write(buf[:n]); werr != nil {
				return written, eris.Wrapf(werr, "write %s", target.TempPath)
			}
			written += int64(n)
			if progress != nil {
				progress(Progress{
					Label:   label,
					Current: written,
					Total:   total,
					Rate:    transferRate(written, e.now().Sub(start)),
				})
			}
		}
		if readErr == io.EOF {
			break
		}
		if errors.Is(readErr, io.ErrUnexpectedEOF) && total > 0 {
			// A short body with a known length is published and then caught
			// by size verification. Without a length nothing could catch it.
			break
		}
		if readErr != nil {
			return written, eris.Wrap(readErr, "read body")
		}
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return written, eris.Wrap(ctxErr, "stream interrupted")
	}

	if err := f.Sync(); err != nil {
		return written, eris.Wrapf(err, "sync %s", target.TempPath)
	}
	if err := f.Close(); err != nil {
		return written, eris.Wrapf(err, "close %s", target.TempPath)
	}
	return written, nil
}

// publish is the single point where new content appears under the final name.
func (e *Engine) publish(target Target) error {
	if err := os.Rename(target.TempPath, target.FinalPath); err != nil {
		_ = os.Remove(target.TempPath)
		return newFetchError(ReasonIOFailure, 0, target.FinalPath, eris.Wrap(err, "publish"))
	}
	return nil
}

// verifySize compares the published file with the expected length. The file
// is kept on mismatch.
func verifySize(path string, expected int64) error {
	info, err := os.Stat(path)
	if err != nil {
		return newFetchError(ReasonIOFailure, 0, path, eris.Wrap(err, "stat published file"))
	}
	if expected > 0 && info.Size() != expected {
		zap.L().Error("size mismatch",
			zap.String("path", path),
			zap.Int64("disk", info.Size()),
			zap.Int64("expected", expected),
		)
		return newFetchError(ReasonSizeMismatch, 0, path,
			eris.Errorf("disk %d != expected %d", info.Size(), expected))
	}
	return nil
}

// transferRate is bytes per second; with no elapsed time it is the raw count.
func transferRate(n int64, elapsed time.Duration) float64 {
	if elapsed <= 0 {
		return float64(n)
	}
	return float64(n) / elapsed.Seconds()
}
