package querycache

import (
	"context"
	"sync"
	"time"
)

// RetryFunc decides whether a failed attempt is retried. failureCount is the
// number of failures before the current one.
type RetryFunc func(failureCount int, err error) bool

// RetryDelayFunc returns how long to wait before the next attempt.
type RetryDelayFunc func(failureCount int, err error) time.Duration

// RetryNever disables retries.
func RetryNever() RetryFunc { return func(int, error) bool { return false } }

// RetryAlways retries until the fetch succeeds or is cancelled.
func RetryAlways() RetryFunc { return func(int, error) bool { return true } }

// RetryTimes retries up to n times after the first failure.
func RetryTimes(n int) RetryFunc {
	return func(failureCount int, _ error) bool { return failureCount < n }
}

// DefaultRetryDelay doubles from one second per failure and caps at 30s.
func DefaultRetryDelay(failureCount int, _ error) time.Duration {
	if failureCount > 5 {
		return maxRetryDelay
	}
	return min(baseRetryDelay<<failureCount, maxRetryDelay)
}

// CancelOptions tune how a cancelled fetch is reported. See CancelledError.
type CancelOptions struct {
	Revert bool
	Silent bool
}

// RetryerConfig configures one Retryer. Only Fn is required.
type RetryerConfig struct {
	// Fn is the operation. ctx is cancelled when the retryer is cancelled.
	Fn func(ctx context.Context) (any, error)

	Retry      RetryFunc             // nil => RetryTimes(3)
	RetryDelay RetryDelayFunc        // nil => DefaultRetryDelay
	CanRun     func(first bool) bool // nil => always; false pauses the retryer

	OnSuccess  func(data any)
	OnError    func(err error)
	OnFail     func(failureCount int, err error)
	OnPause    func()
	OnContinue func()

	Scheduler Scheduler // nil => RealScheduler

	// Turn runs fn with exclusive access to the retryer (and whatever state
	// the callbacks touch). All callbacks are invoked inside a turn.
	// nil => a private mutex.
	Turn func(fn func())
}

// Retryer executes one operation with retries and backoff.
//
// It is an explicit state machine: every transition (attempt settled, delay
// elapsed, cancel, continue) runs inside a turn, and results of attempts that
// were superseded or cancelled are dropped.
type Retryer struct {
	cfg   RetryerConfig
	sched Scheduler
	turn  func(func())

	ctx   context.Context
	abort context.CancelFunc

	failureCount   int
	attempt        uint64
	started        bool
	settled        bool
	paused         bool
	retryCancelled bool
	lastErr        error
	timer          Timer

	done chan struct{}
	data any
	err  error
}

func NewRetryer(cfg RetryerConfig) *Retryer {
	r := &Retryer{
		cfg:   cfg,
		sched: coalesce[Scheduler](cfg.Scheduler, RealScheduler{}),
		done:  make(chan struct{}),
	}
	if cfg.Turn != nil {
		r.turn = cfg.Turn
	} else {
		var mu sync.Mutex
		r.turn = func(fn func()) {
			mu.Lock()
			defer mu.Unlock()
			fn()
		}
	}
	if r.cfg.Retry == nil {
		r.cfg.Retry = RetryTimes(defaultRetryCount)
	}
	if r.cfg.RetryDelay == nil {
		r.cfg.RetryDelay = DefaultRetryDelay
	}
	r.ctx, r.abort = context.WithCancel(context.Background())
	return r
}

// Start begins the first attempt. Calling Start again is a no-op.
func (r *Retryer) Start() { r.turn(r.start) }

// Cancel aborts the operation and settles the retryer with a CancelledError
// right away, without waiting for the operation to observe its context.
func (r *Retryer) Cancel(opts CancelOptions) { r.turn(func() { r.cancel(opts) }) }

// CancelRetry lets the current attempt finish but stops any further retry.
func (r *Retryer) CancelRetry() { r.turn(r.cancelRetry) }

// ContinueRetry undoes CancelRetry.
func (r *Retryer) ContinueRetry() { r.turn(r.continueRetry) }

// Continue resumes a paused retryer.
func (r *Retryer) Continue() { r.turn(r.resume) }

func (r *Retryer) FailureCount() int {
	var n int
	r.turn(func() { n = r.failureCount })
	return n
}

func (r *Retryer) IsPaused() bool {
	var p bool
	r.turn(func() { p = r.paused })
	return p
}

// Done is closed once the retryer settled.
func (r *Retryer) Done() <-chan struct{} { return r.done }

// Wait blocks until the retryer settles or ctx is done.
func (r *Retryer) Wait(ctx context.Context) (any, error) {
	select {
	case <-r.done:
		return r.data, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (r *Retryer) start() {
	if r.started {
		return
	}
	r.started = true
	r.run()
}

func (r *Retryer) run() {
	if r.settled {
		return
	}
	if !r.canRun(r.attempt == 0) {
		r.pause()
		return
	}
	r.attempt++
	token, ctx, fn := r.attempt, r.ctx, r.cfg.Fn
	r.sched.Go(func() {
		data, err := invoke(ctx, fn)
		r.turn(func() { r.settleAttempt(token, data, err) })
	})
}

func (r *Retryer) settleAttempt(token uint64, data any, err error) {
	if r.settled || token != r.attempt {
		return
	}
	if err != nil {
		r.fail(err)
		return
	}
	r.resolve(data)
}

func (r *Retryer) fail(err error) {
	if r.retryCancelled || isConfigurationError(err) || !r.cfg.Retry(r.failureCount, err) {
		r.reject(err)
		return
	}
	delay := r.cfg.RetryDelay(r.failureCount, err)
	r.failureCount++
	r.lastErr = err
	if r.cfg.OnFail != nil {
		r.cfg.OnFail(r.failureCount, err)
	}
	token := r.attempt
	r.timer = r.sched.AfterFunc(delay, func() {
		r.turn(func() { r.retryAfterDelay(token) })
	})
}

func (r *Retryer) retryAfterDelay(token uint64) {
	if r.settled || token != r.attempt {
		return
	}
	r.timer = nil
	if r.retryCancelled {
		r.reject(r.lastErr)
		return
	}
	r.run()
}

func (r *Retryer) pause() {
	r.paused = true
	if r.cfg.OnPause != nil {
		r.cfg.OnPause()
	}
}

func (r *Retryer) resume() {
	if !r.paused || r.settled {
		return
	}
	r.paused = false
	if r.cfg.OnContinue != nil {
		r.cfg.OnContinue()
	}
	r.run()
}

func (r *Retryer) cancel(opts CancelOptions) {
	if r.settled {
		return
	}
	r.reject(&CancelledError{Revert: opts.Revert, Silent: opts.Silent})
}

func (r *Retryer) cancelRetry()   { r.retryCancelled = true }
func (r *Retryer) continueRetry() { r.retryCancelled = false }

func (r *Retryer) canRun(first bool) bool {
	return r.cfg.CanRun == nil || r.cfg.CanRun(first)
}

func (r *Retryer) resolve(data any) {
	r.settle(data, nil)
	if r.cfg.OnSuccess != nil {
		r.cfg.OnSuccess(data)
	}
}

func (r *Retryer) reject(err error) {
	r.settle(nil, err)
	if r.cfg.OnError != nil {
		r.cfg.OnError(err)
	}
}

func (r *Retryer) settle(data any, err error) {
	r.settled = true
	r.paused = false
	r.data, r.err = data, err
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	r.abort()
	close(r.done)
}

func invoke(ctx context.Context, fn func(context.Context) (any, error)) (data any, err error) {
	defer func() {
		if v := recover(); v != nil {
			data, err = nil, panicError{v: v}
		}
	}()
	return fn(ctx)
}
