package batchverify

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"time"

	"github.com/cinderchain/cinderd/cdutils"
	"github.com/lightningnetwork/lnd/ticker"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultMaxBatchSize is the number of buffered checks that triggers
	// an immediate flush.
	DefaultMaxBatchSize = 64

	// DefaultFlushInterval bounds how long a check may sit in the
	// buffer before a flush is forced. This is the only bounded-latency
	// guarantee the verifier makes.
	DefaultFlushInterval = 100 * time.Millisecond

	// DefaultQueueSize bounds the intake queue. Once full, submitters
	// block rather than checks being skipped.
	DefaultQueueSize = 256
)

// ErrVerifierStopped is returned to all callers still waiting when the
// scheduler shuts down.
var ErrVerifierStopped = errors.New("batch verifier stopped")

// Config holds the scheduler's tuning knobs.
type Config struct {
	// MaxBatchSize is the buffered-check count that forces a flush.
	MaxBatchSize int

	// FlushTicker fires whenever buffered checks should be flushed
	// regardless of batch size. Callers may pass a ticker.Force in
	// tests to drive flushes manually.
	FlushTicker ticker.Ticker

	// QueueSize bounds the intake queue.
	QueueSize int
}

// DefaultConfig returns a Config with production defaults.
func DefaultConfig() Config {
	return Config{
		MaxBatchSize: DefaultMaxBatchSize,
		FlushTicker:  ticker.New(DefaultFlushInterval),
		QueueSize:    DefaultQueueSize,
	}
}

// request couples a check with its completion handle. The error channel is
// buffered so resolving a request whose submitter has vanished never blocks
// the flush loop.
type request struct {
	check *Check

	// ctx is the submitter's context. A request whose context is
	// cancelled before its batch runs is discarded without touching
	// the batch.
	ctx context.Context

	errChan chan error
}

// Scheduler aggregates verification checks from many concurrent submitters
// into amortized aggregate checks. Each submitter suspends until its own
// check resolves; a failed aggregate is re-verified item by item so one bad
// proof never fails its co-batched peers.
type Scheduler struct {
	started sync.Once
	stopped sync.Once

	cfg Config

	reqs chan *request

	wg   sync.WaitGroup
	quit chan struct{}
}

// NewScheduler constructs a scheduler from the given config, applying
// defaults for any zero fields.
func NewScheduler(cfg Config) *Scheduler {
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = DefaultMaxBatchSize
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.FlushTicker == nil {
		cfg.FlushTicker = ticker.New(DefaultFlushInterval)
	}

	return &Scheduler{
		cfg:  cfg,
		reqs: make(chan *request, cfg.QueueSize),
		quit: make(chan struct{}),
	}
}

// Start launches the flush loop.
func (s *Scheduler) Start() error {
	s.started.Do(func() {
		log.Infof("Batch verifier starting: max_batch=%d, queue=%d",
			s.cfg.MaxBatchSize, s.cfg.QueueSize)

		s.cfg.FlushTicker.Resume()

		s.wg.Add(1)
		go s.flushLoop()
	})

	return nil
}

// Stop shuts down the flush loop and fails all in-flight checks with
// ErrVerifierStopped.
func (s *Scheduler) Stop() error {
	s.stopped.Do(func() {
		log.Info("Batch verifier shutting down...")

		close(s.quit)
		s.wg.Wait()

		s.cfg.FlushTicker.Stop()

		log.Debug("Batch verifier shutdown complete")
	})

	return nil
}

// VerifyCheck submits one check and suspends the caller until the batch
// window that absorbed it resolves. The intake queue is bounded: when it is
// full, submission blocks, applying backpressure to producers. A caller
// whose context is cancelled while waiting may return immediately; the
// in-flight check is discarded safely by the flush loop.
func (s *Scheduler) VerifyCheck(ctx context.Context, check *Check) error {
	req := &request{
		check:   check,
		ctx:     ctx,
		errChan: make(chan error, 1),
	}

	select {
	case s.reqs <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.quit:
		return ErrVerifierStopped
	}

	select {
	case err := <-req.errChan:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.quit:
		return ErrVerifierStopped
	}
}

// flushLoop owns all buffering. It accumulates requests until either the
// batch size threshold or the flush ticker fires, then executes one
// aggregate check per kind.
func (s *Scheduler) flushLoop() {
	defer s.wg.Done()

	var (
		pending    [numKinds][]*request
		numPending int
	)

	flush := func() {
		for kind := range pending {
			s.runBatch(CheckKind(kind), pending[kind])
			pending[kind] = nil
		}
		numPending = 0
	}

	for {
		select {
		case req := <-s.reqs:
			// A submitter that gave up before its check was
			// buffered is resolved immediately and never joins a
			// batch.
			if err := req.ctx.Err(); err != nil {
				req.errChan <- err
				continue
			}

			pending[req.check.Kind] = append(
				pending[req.check.Kind], req,
			)
			numPending++

			if numPending >= s.cfg.MaxBatchSize {
				flush()
			}

		case <-s.cfg.FlushTicker.Ticks():
			if numPending > 0 {
				flush()
			}

		case <-s.quit:
			flush()

			// Anything still sitting in the intake queue is
			// failed rather than silently dropped.
			for {
				select {
				case req := <-s.reqs:
					req.errChan <- ErrVerifierStopped
				default:
					return
				}
			}
		}
	}
}

// runBatch executes one aggregate check over same-kind requests. If the
// aggregate fails, every member is re-verified individually so that exactly
// the offending checks fail.
func (s *Scheduler) runBatch(kind CheckKind, reqs []*request) {
	if len(reqs) == 0 {
		return
	}

	// Requests whose submitter context was cancelled while buffered are
	// dropped from the batch. Their submitters are gone; the buffered
	// error channel absorbs the resolution.
	live := reqs[:0]
	for _, req := range reqs {
		if err := req.ctx.Err(); err != nil {
			req.errChan <- err
			continue
		}

		live = append(live, req)
	}
	if len(live) == 0 {
		return
	}

	checks := make([]*Check, len(live))
	for i, req := range live {
		checks[i] = req.check
	}

	if verifyBatch(kind, checks) {
		log.Debugf("Aggregate %v check over %d item(s) succeeded",
			kind, len(live))

		for _, req := range live {
			req.errChan <- nil
		}

		return
	}

	// The aggregate failed. This is internal only: fall back to
	// per-item verification so valid co-batched checks still succeed.
	log.Debugf("Aggregate %v check over %d item(s) failed, "+
		"re-verifying individually", kind, len(live))
	log.Tracef("Failed aggregate members: %v",
		cdutils.SpewLogClosure(checks))

	var eg errgroup.Group
	eg.SetLimit(runtime.GOMAXPROCS(0))

	for _, req := range live {
		req := req
		eg.Go(func() error {
			req.errChan <- verifySingle(req.check)
			return nil
		})
	}

	// The workers never return errors; they report through each
	// request's error channel.
	_ = eg.Wait()
}
