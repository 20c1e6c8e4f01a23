package job

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// SubscribeFunc opens the push channel for a job. The returned channel must
// close when ctx is canceled or the transport drops.
type SubscribeFunc func(ctx context.Context) (<-chan State, error)

// Event is one update delivered to tracker subscribers: a state snapshot,
// or the one-shot navigation signal when RedirectURL is set.
type Event struct {
	State       State
	RedirectURL string
}

const (
	defaultMaxHistory = 20
	subscriberBuffer  = 16
)

// TrackerOptions configures a Tracker.
type TrackerOptions struct {
	PollInterval  time.Duration
	RedirectDelay time.Duration
	Store         HistoryStore
	MaxHistory    int
}

// Tracker holds at most one live download job. Starting a new job discards
// the previous one's channels before the new reconciler observes anything,
// so exactly one JobState is ever current. Terminal jobs are recorded in the
// history store.
type Tracker struct {
	pollInterval  time.Duration
	redirectDelay time.Duration
	store         HistoryStore
	maxHistory    int

	// startMu serializes Start/Dismiss/Close so an old job is fully torn
	// down before its successor begins.
	startMu sync.Mutex

	mu          sync.RWMutex
	baseCtx     context.Context
	cancel      context.CancelFunc
	recDone     chan struct{}
	hasJob      bool
	last        State
	artifactURL string
	subs        map[string]chan Event
	history     []Record

	workersWG sync.WaitGroup
}

// NewTracker builds a tracker with the given options.
func NewTracker(opts TrackerOptions) *Tracker {
	if opts.MaxHistory <= 0 {
		opts.MaxHistory = defaultMaxHistory
	}
	return &Tracker{
		pollInterval:  opts.PollInterval,
		redirectDelay: opts.RedirectDelay,
		store:         opts.Store,
		maxHistory:    opts.MaxHistory,
		baseCtx:       context.Background(),
		subs:          make(map[string]chan Event),
	}
}

// SetBaseContext sets the context new jobs derive from. Canceling it stops
// the active job.
func (t *Tracker) SetBaseContext(ctx context.Context) {
	t.mu.Lock()
	t.baseCtx = ctx
	t.mu.Unlock()
}

// LoadHistory populates the recent-downloads list from the store.
func (t *Tracker) LoadHistory() error {
	if t.store == nil {
		return nil
	}
	records, err := t.store.LoadRecords(context.Background())
	if err != nil {
		return err
	}
	if len(records) > t.maxHistory {
		records = records[:t.maxHistory]
	}
	t.mu.Lock()
	t.history = records
	t.mu.Unlock()
	return nil
}

// Start begins tracking a freshly initiated job, discarding any previous
// one. The subscribe callback runs on its own goroutine with the job's
// context, so a slow or hung subscription never blocks Start and the poll
// channel proceeds regardless of push-channel health. A subscribe failure
// is transient (logged); tracking continues on the poll channel alone.
func (t *Tracker) Start(initial State, subscribe SubscribeFunc, poll PollFunc) {
	t.startMu.Lock()
	defer t.startMu.Unlock()

	t.stopCurrent()

	t.mu.Lock()
	base := t.baseCtx
	t.mu.Unlock()
	jobCtx, cancel := context.WithCancel(base)

	var events <-chan State
	if subscribe != nil {
		events = t.openPushChannel(jobCtx, initial.JobID, subscribe)
	}

	rec := NewReconciler(Config{
		JobID:         initial.JobID,
		Initial:       initial,
		Events:        events,
		Poll:          poll,
		Redirect:      t.claimArtifact,
		Notify:        t.broadcastState,
		PollInterval:  t.pollInterval,
		RedirectDelay: t.redirectDelay,
	})

	done := make(chan struct{})
	t.mu.Lock()
	t.cancel = cancel
	t.recDone = done
	t.hasJob = true
	t.last = rec.State()
	t.artifactURL = ""
	t.mu.Unlock()

	t.workersWG.Add(1)
	go func() {
		defer t.workersWG.Done()
		defer close(done)
		defer cancel()
		rec.Run(jobCtx)
		t.finish(rec)
	}()

	log.Info().Str("job_id", initial.JobID).Int("total_files", initial.TotalFiles).Msg("tracking download job")
}

// Dismiss stops the active job. No state mutation occurs after it returns.
func (t *Tracker) Dismiss() error {
	t.startMu.Lock()
	defer t.startMu.Unlock()

	t.mu.RLock()
	active := t.hasJob
	t.mu.RUnlock()
	if !active {
		return ErrNoActiveJob
	}

	t.stopCurrent()

	t.mu.Lock()
	t.hasJob = false
	t.last = State{}
	t.artifactURL = ""
	t.mu.Unlock()
	return nil
}

// Current returns the latest snapshot of the active job.
func (t *Tracker) Current() (State, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.last, t.hasJob
}

// ArtifactURL returns the redirect target once the one-shot redirect fired.
func (t *Tracker) ArtifactURL() (string, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if !t.hasJob {
		return "", ErrNoActiveJob
	}
	if t.artifactURL == "" {
		return "", ErrNoArtifact
	}
	return t.artifactURL, nil
}

// History returns finished jobs, newest first.
func (t *Tracker) History() []Record {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Record, len(t.history))
	copy(out, t.history)
	return out
}

// Subscribe registers a listener for job events. The returned cancel func
// must be called when the listener goes away.
func (t *Tracker) Subscribe() (<-chan Event, func()) {
	id := uuid.NewString()
	ch := make(chan Event, subscriberBuffer)

	t.mu.Lock()
	t.subs[id] = ch
	last, hasJob := t.last, t.hasJob
	artifact := t.artifactURL
	t.mu.Unlock()

	// New listeners immediately see the current snapshot, and a redirect
	// that already fired is replayed so late joiners still navigate.
	if hasJob {
		ch <- Event{State: last}
		if artifact != "" {
			ch <- Event{RedirectURL: artifact}
		}
	}

	return ch, func() {
		t.mu.Lock()
		delete(t.subs, id)
		t.mu.Unlock()
	}
}

// Close stops the active job and waits for worker goroutines, bounded by ctx.
func (t *Tracker) Close(ctx context.Context) bool {
	t.startMu.Lock()
	t.stopCurrent()
	t.startMu.Unlock()

	done := make(chan struct{})
	go func() {
		t.workersWG.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}

// openPushChannel subscribes off the caller's goroutine and forwards push
// events. The returned channel closes when the subscription fails, the
// upstream channel closes, or the job context is canceled; the reconciler
// treats all three as a transient disconnect and keeps polling.
func (t *Tracker) openPushChannel(ctx context.Context, jobID string, subscribe SubscribeFunc) <-chan State {
	proxy := make(chan State)
	t.workersWG.Add(1)
	go func() {
		defer t.workersWG.Done()
		defer close(proxy)

		ch, err := subscribe(ctx)
		if err != nil {
			if ctx.Err() == nil {
				log.Warn().Str("job_id", jobID).Err(err).Msg("push subscription failed; polling only")
			}
			return
		}
		for {
			select {
			case s, ok := <-ch:
				if !ok {
					return
				}
				select {
				case proxy <- s:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return proxy
}

// stopCurrent cancels the active reconciler and waits for its goroutine to
// exit. Callers hold startMu but not mu.
func (t *Tracker) stopCurrent() {
	t.mu.Lock()
	cancel := t.cancel
	done := t.recDone
	t.cancel = nil
	t.recDone = nil
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

func (t *Tracker) broadcastState(s State) {
	t.mu.Lock()
	t.last = s
	t.fanOut(Event{State: s})
	t.mu.Unlock()
}

// claimArtifact is the reconciler's one-shot redirect sink: it records the
// artifact URL and signals subscribers to navigate.
func (t *Tracker) claimArtifact(url string) {
	t.mu.Lock()
	t.artifactURL = url
	t.fanOut(Event{RedirectURL: url})
	t.mu.Unlock()
}

// fanOut delivers the event to every subscriber without blocking the
// reconciler goroutine. Callers hold t.mu.
func (t *Tracker) fanOut(ev Event) {
	for id, ch := range t.subs {
		select {
		case ch <- ev:
		default:
			log.Warn().Str("subscriber", id).Msg("dropping job event for slow subscriber")
		}
	}
}

// finish records the job in history once its reconciler exits on a terminal
// state. Runs on the reconciler goroutine, after the last broadcast.
func (t *Tracker) finish(rec *Reconciler) {
	final := rec.State()
	if !final.Terminal() {
		return
	}
	record := Record{State: final, FinishedAt: time.Now().UTC()}

	t.mu.Lock()
	t.history = append([]Record{record}, t.history...)
	if len(t.history) > t.maxHistory {
		t.history = t.history[:t.maxHistory]
	}
	t.mu.Unlock()

	if t.store != nil {
		if err := t.store.SaveRecord(context.Background(), record); err != nil {
			log.Warn().Str("job_id", final.JobID).Err(err).Msg("persist download record failed")
		}
	}
}
