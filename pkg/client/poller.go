package client

import (
	"context"
	"errors"
	"time"
)

// Outcome is the terminal state of a polling loop.
type Outcome int

const (
	// OutcomeDone: the job completed with a full result.
	OutcomeDone Outcome = iota
	// OutcomeDoneWithWarning: the job failed but produced partial output
	// worth surfacing instead of discarding.
	OutcomeDoneWithWarning
	// OutcomeFailed: the job failed with nothing usable, or polling itself
	// gave up after repeated transport errors.
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeDone:
		return "done"
	case OutcomeDoneWithWarning:
		return "done-with-warning"
	default:
		return "failed"
	}
}

// PollResult is what the loop settled on.
type PollResult struct {
	Outcome Outcome
	Status  Status
	// Err is set for OutcomeFailed: either the job's own error or the
	// transport failure that exhausted the retry budget.
	Err error
}

// PollOptions tunes the adaptive loop. Zero values pick the defaults.
type PollOptions struct {
	// BaseInterval is the floor the interval decays toward as progress
	// approaches 100. Default 1s.
	BaseInterval time.Duration
	// MaxInterval caps the backoff applied on consecutive errors. Default 8s.
	MaxInterval time.Duration
	// MaxConsecutiveErrors ends the loop after this many failed polls in a
	// row. Default 4.
	MaxConsecutiveErrors int
	// OnUpdate, when set, receives every successfully decoded snapshot.
	OnUpdate func(Status)
}

func (o PollOptions) withDefaults() PollOptions {
	if o.BaseInterval <= 0 {
		o.BaseInterval = time.Second
	}
	if o.MaxInterval <= 0 {
		o.MaxInterval = 8 * time.Second
	}
	if o.MaxConsecutiveErrors <= 0 {
		o.MaxConsecutiveErrors = 4
	}
	return o
}

// ErrPollingGaveUp is wrapped into PollResult.Err when the consecutive-error
// budget runs out.
var ErrPollingGaveUp = errors.New("polling gave up after repeated errors")

// Poll reads the job until it reaches a terminal state, the error budget runs
// out, or ctx is done. "No results yet" responses are transient and do not
// consume the error budget.
func (c *Client) Poll(ctx context.Context, ref JobRef, opts PollOptions) (PollResult, error) {
	opts = opts.withDefaults()

	interval := opts.BaseInterval
	errStreak := 0
	var lastErr error

	for {
		st, err := c.Status(ctx, ref)
		switch {
		case errors.Is(err, ErrNoResultsYet):
			// The record may not be visible yet right after dispatch.
			errStreak = 0
		case err != nil:
			if ctx.Err() != nil {
				return PollResult{Outcome: OutcomeFailed, Err: ctx.Err()}, ctx.Err()
			}
			errStreak++
			lastErr = err
			if errStreak >= opts.MaxConsecutiveErrors {
				res := PollResult{
					Outcome: OutcomeFailed,
					Err:     errors.Join(ErrPollingGaveUp, lastErr),
				}
				return res, res.Err
			}
			// Exponential backoff while the server misbehaves.
			interval = min(interval*2, opts.MaxInterval)
		default:
			errStreak = 0
			if opts.OnUpdate != nil {
				opts.OnUpdate(st)
			}
			if res, terminal := settle(st); terminal {
				return res, res.Err
			}
			// Poll faster as the job nears completion.
			interval = progressInterval(opts.BaseInterval, st.Progress)
		}

		select {
		case <-ctx.Done():
			return PollResult{Outcome: OutcomeFailed, Err: ctx.Err()}, ctx.Err()
		case <-time.After(interval):
		}
	}
}

// settle maps a terminal snapshot onto an outcome. Failed jobs that carry
// partial output settle as done-with-warning.
func settle(st Status) (PollResult, bool) {
	switch {
	case st.Status == "completed" || st.Progress >= 100:
		return PollResult{Outcome: OutcomeDone, Status: st}, true
	case st.Status == "error" && st.PartialResults != nil && st.PartialResults.OptimizedContent != "":
		return PollResult{Outcome: OutcomeDoneWithWarning, Status: st}, true
	case st.Status == "error":
		err := errors.New(st.Error)
		if st.Error == "" {
			err = errors.New("optimization failed")
		}
		return PollResult{Outcome: OutcomeFailed, Status: st, Err: err}, true
	}
	return PollResult{}, false
}

// progressInterval decays from 2x base at 0% toward base at 100%.
func progressInterval(base time.Duration, progress int) time.Duration {
	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}
	return base + base*time.Duration(100-progress)/100
}

// Run submits the job and polls it to an outcome. When the dispatch call
// fails in a way that leaves the server-side work plausibly running (timeout,
// overload), it polls optimistically by compound key instead of giving up;
// that requires req.CVID to be set.
func (c *Client) Run(ctx context.Context, req StartRequest, opts PollOptions) (PollResult, error) {
	ack, err := c.Start(ctx, req)
	ref := JobRef{JobID: ack.JobID}
	if err != nil {
		if !RetryableDispatch(err) || req.CVID == "" {
			return PollResult{Outcome: OutcomeFailed, Err: err}, err
		}
		ref = JobRef{CVID: req.CVID, JobDescription: req.JobDescription}
	}
	return c.Poll(ctx, ref, opts)
}
