// Package projector keeps a continuously projected streamed total per
// tracked stream. Ground truth is repolled on a slow cadence; between
// polls the displayed value is extrapolated from the last snapshot at
// display cadence. The two clocks are independent.
package projector

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/starcpay/stream_engine/internal/app/domain/stream"
	"github.com/starcpay/stream_engine/internal/app/metrics"
	"github.com/starcpay/stream_engine/internal/app/system"
	"github.com/starcpay/stream_engine/pkg/logger"
)

// Key addresses one tracked stream.
type Key struct {
	Treasury string
	StreamID int64
}

func (k Key) String() string { return fmt.Sprintf("%s#%d", k.Treasury, k.StreamID) }

// Querier reads ground-truth stream state.
type Querier interface {
	StreamState(ctx context.Context, treasury string, streamID int64) (stream.Snapshot, bool)
}

// Config holds projector tunables.
type Config struct {
	// PollInterval is the ground-truth repoll cadence.
	PollInterval time.Duration
	// ProjectionInterval is the display recompute cadence.
	ProjectionInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.PollInterval == 0 {
		c.PollInterval = 15 * time.Second
	}
	if c.ProjectionInterval == 0 {
		c.ProjectionInterval = 100 * time.Millisecond
	}
	return c
}

// Service owns one poll loop per tracked stream. Tracking an already
// tracked key supersedes the previous loop instead of stacking a second
// one.
type Service struct {
	query Querier
	cfg   Config
	log   *logger.Logger

	mu      sync.Mutex
	running bool
	runCtx  context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	tracks  map[Key]*track
}

var _ system.Service = (*Service)(nil)

type track struct {
	cancel context.CancelFunc

	mu      sync.Mutex
	snap    stream.Snapshot
	hasSnap bool
	value   *big.Int
}

func (t *track) projected() *big.Int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.value == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(t.value)
}

func (t *track) recompute(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.hasSnap {
		return
	}
	t.value = t.snap.Project(now)
}

// New constructs a projector.
func New(query Querier, cfg Config, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("projector")
	}
	return &Service{
		query:  query,
		cfg:    cfg.withDefaults(),
		log:    log,
		tracks: make(map[Key]*track),
	}
}

func (s *Service) Name() string { return "projector" }

// Start enables tracking. Keys registered before Start get their loops
// now; keys registered after get them immediately.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}
	s.runCtx, s.cancel = context.WithCancel(ctx)
	s.running = true
	for key, tr := range s.tracks {
		s.launch(key, tr)
	}
	s.log.Info("projector started")
	return nil
}

// Stop cancels every poll loop and waits for them to exit.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	cancel := s.cancel
	s.running = false
	s.cancel = nil
	s.mu.Unlock()

	cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	s.log.Info("projector stopped")
	return nil
}

// Track starts (or restarts) the poll loop for a stream. A second Track
// for the same key cancels the first loop and replaces it.
func (s *Service) Track(key Key) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if prev, ok := s.tracks[key]; ok && prev.cancel != nil {
		prev.cancel()
	}
	tr := &track{}
	s.tracks[key] = tr
	metrics.SetActiveProjections(len(s.tracks))
	if s.running {
		s.launch(key, tr)
	}
}

// Untrack stops and removes the poll loop for a stream.
func (s *Service) Untrack(key Key) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tr, ok := s.tracks[key]
	if !ok {
		return
	}
	if tr.cancel != nil {
		tr.cancel()
	}
	delete(s.tracks, key)
	metrics.SetActiveProjections(len(s.tracks))
}

// Value returns the current projected total for a tracked stream. Before
// the first successful poll it reports zero.
func (s *Service) Value(key Key) (*big.Int, bool) {
	s.mu.Lock()
	tr, ok := s.tracks[key]
	s.mu.Unlock()
	if !ok {
		return new(big.Int), false
	}
	return tr.projected(), true
}

// Snapshot returns the last ground-truth snapshot for a tracked stream.
func (s *Service) Snapshot(key Key) (stream.Snapshot, bool) {
	s.mu.Lock()
	tr, ok := s.tracks[key]
	s.mu.Unlock()
	if !ok {
		return stream.Snapshot{}, false
	}
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return tr.snap, tr.hasSnap
}

// Keys lists the currently tracked streams.
func (s *Service) Keys() []Key {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]Key, 0, len(s.tracks))
	for key := range s.tracks {
		keys = append(keys, key)
	}
	return keys
}

// launch starts the loop for one track. Caller holds the service mutex.
func (s *Service) launch(key Key, tr *track) {
	loopCtx, cancel := context.WithCancel(s.runCtx)
	tr.cancel = cancel

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop(loopCtx, key, tr)
	}()
}

func (s *Service) loop(ctx context.Context, key Key, tr *track) {
	s.poll(ctx, key, tr)

	pollTicker := time.NewTicker(s.cfg.PollInterval)
	defer pollTicker.Stop()
	projectTicker := time.NewTicker(s.cfg.ProjectionInterval)
	defer projectTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-pollTicker.C:
			s.poll(ctx, key, tr)
		case <-projectTicker.C:
			tr.recompute(time.Now())
		}
	}
}

// poll refreshes ground truth. A failed read keeps the previous snapshot;
// projection continues from the last known state.
func (s *Service) poll(ctx context.Context, key Key, tr *track) {
	snap, ok := s.query.StreamState(ctx, key.Treasury, key.StreamID)
	metrics.RecordProjectorPoll(ok)
	if !ok {
		s.log.WithField("stream", key.String()).Debug("ground-truth poll missed")
		return
	}

	tr.mu.Lock()
	tr.snap = snap
	tr.hasSnap = true
	tr.value = snap.Project(time.Now())
	tr.mu.Unlock()
}
