package job

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// PollFunc queries the backend for the current snapshot of a job.
type PollFunc func(ctx context.Context, jobID string) (State, error)

// RedirectFunc navigates to the finished artifact. The reconciler guarantees
// it is invoked at most once per job.
type RedirectFunc func(url string)

// NotifyFunc observes every applied snapshot. It runs on the reconciler's
// goroutine and must not block.
type NotifyFunc func(State)

const (
	defaultPollInterval  = 2 * time.Second
	defaultRedirectDelay = 1500 * time.Millisecond
)

// Config wires a Reconciler to its two update channels and its side effects.
type Config struct {
	JobID    string
	Initial  State        // snapshot from the initiate response
	Events   <-chan State // push channel; closing it signals a transport-level disconnect
	Poll     PollFunc
	Redirect RedirectFunc
	Notify   NotifyFunc

	PollInterval  time.Duration
	RedirectDelay time.Duration
}

// Reconciler owns the lifecycle of a single in-flight download job. It merges
// the push stream and the fixed-interval poll into one last-write-wins
// snapshot, detects the terminal state, and fires the artifact redirect
// exactly once. All state mutation happens on the Run goroutine.
type Reconciler struct {
	cfg Config

	mu         sync.RWMutex
	state      State
	redirected bool
}

// NewReconciler builds a reconciler for one job. Call Run to start it.
func NewReconciler(cfg Config) *Reconciler {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.RedirectDelay <= 0 {
		cfg.RedirectDelay = defaultRedirectDelay
	}
	r := &Reconciler{cfg: cfg}
	r.state = normalize(cfg.JobID, cfg.Initial)
	return r
}

// State returns the latest applied snapshot.
func (r *Reconciler) State() State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

// Redirected reports whether the one-shot redirect has been claimed.
func (r *Reconciler) Redirected() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.redirected
}

// Run drives the job to a terminal state or until ctx is canceled. It blocks;
// the caller is expected to run it on its own goroutine and cancel ctx when
// it returns so the push listener is torn down with it.
func (r *Reconciler) Run(ctx context.Context) {
	r.publish(r.State())

	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	events := r.cfg.Events
	for {
		select {
		case <-ctx.Done():
			return

		case update, ok := <-events:
			if ctx.Err() != nil {
				return
			}
			if !ok {
				// Transport-level disconnect with no failure payload is
				// transient: the poll channel stays authoritative.
				log.Warn().Str("job_id", r.cfg.JobID).Msg("push channel closed; relying on poll")
				events = nil
				continue
			}
			if r.apply(ctx, update) {
				return
			}

		case <-ticker.C:
			if ctx.Err() != nil {
				return
			}
			snapshot, err := r.cfg.Poll(ctx, r.cfg.JobID)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				log.Warn().Str("job_id", r.cfg.JobID).Err(err).Msg("status poll failed")
				continue
			}
			if r.apply(ctx, snapshot) {
				return
			}
		}
	}
}

// apply installs the snapshot (last message wins, whole-snapshot replacement)
// and reports whether the job reached a terminal state.
func (r *Reconciler) apply(ctx context.Context, update State) bool {
	next := normalize(r.cfg.JobID, update)

	r.mu.Lock()
	r.state = next
	r.mu.Unlock()
	r.publish(next)

	if !next.Terminal() {
		return false
	}

	if next.Status == StatusFailed {
		log.Info().Str("job_id", r.cfg.JobID).Str("error", next.Error).Msg("job failed")
		return true
	}

	if r.claimRedirect() {
		// Short pause so the terminal state renders before navigation.
		delay := time.NewTimer(r.cfg.RedirectDelay)
		defer delay.Stop()
		select {
		case <-delay.C:
			log.Info().Str("job_id", r.cfg.JobID).Str("url", next.DownloadURL).Msg("redirecting to artifact")
			if r.cfg.Redirect != nil {
				r.cfg.Redirect(next.DownloadURL)
			}
		case <-ctx.Done():
		}
	}
	return true
}

// claimRedirect consumes the one-shot redirect token. Both channels may
// report completion near-simultaneously; only the first claim wins.
func (r *Reconciler) claimRedirect() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.redirected {
		return false
	}
	r.redirected = true
	return true
}

func (r *Reconciler) publish(s State) {
	if r.cfg.Notify != nil {
		r.cfg.Notify(s)
	}
}
