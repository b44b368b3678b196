// Package prefetch speculatively warms the image cache ahead of user
// navigation. Neighbor prefetch follows the current slice with a window
// that adapts to navigation velocity; whole-study prefetch loads a series
// in small batches, ordered center-out from the slice being viewed so the
// clinically relevant middle arrives first.
package prefetch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/medview/dicom-loader/pkg/loader"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// Prometheus metrics for prefetch scheduling.
var (
	prefetchTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "imaging_prefetch_total",
		Help: "Total prefetch loads issued by priority",
	}, []string{"priority"})

	prefetchBatchesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "imaging_prefetch_batches_total",
		Help: "Total study prefetch batches dispatched",
	})

	prefetchWindow = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "imaging_prefetch_window",
		Help: "Current adaptive neighbor prefetch window size",
	})
)

// Config holds prefetch scheduler configuration.
type Config struct {
	// WindowAhead and WindowBehind are the base neighbor window around
	// the current slice.
	WindowAhead  int
	WindowBehind int

	// MaxWindow caps the velocity-widened window in the travel direction.
	MaxWindow int

	// MinBatchSize and MaxBatchSize bound study prefetch batches; the
	// actual size scales with study length.
	MinBatchSize int
	MaxBatchSize int

	// BatchPause is the gap between study prefetch batches, long enough
	// for interactive loads to grab concurrency slots.
	BatchPause time.Duration

	// VelocityLookback is how far back navigation events count toward
	// the velocity estimate.
	VelocityLookback time.Duration

	// ImageID maps a study and slice index to an image identifier.
	// Defaults to "study/<studyID>/image/<index>".
	ImageID func(studyID string, index int) string
}

// DefaultConfig returns a safe default prefetch configuration.
func DefaultConfig() Config {
	return Config{
		WindowAhead:      3,
		WindowBehind:     3,
		MaxWindow:        8,
		MinBatchSize:     2,
		MaxBatchSize:     6,
		BatchPause:       50 * time.Millisecond,
		VelocityLookback: 2 * time.Second,
	}
}

// StudyProgress tracks a whole-study warm-up. One exists per study while
// its prefetch runs; it is discarded on completion or by ClearProgress.
type StudyProgress struct {
	StudyID      string
	TotalImages  int
	LoadedImages int
	FailedImages int
	StartedAt    time.Time
	ETA          time.Duration
}

// done reports whether every image has resolved.
func (p *StudyProgress) done() bool {
	return p.LoadedImages+p.FailedImages >= p.TotalImages
}

// Scheduler issues background loads ahead of navigation.
type Scheduler struct {
	loader   *loader.Loader
	config   Config
	logger   zerolog.Logger
	velocity *velocityTracker

	mu       sync.Mutex
	progress map[string]*StudyProgress
}

// New creates a prefetch scheduler on top of a loader.
func New(l *loader.Loader, cfg Config, logger zerolog.Logger) *Scheduler {
	def := DefaultConfig()
	if cfg.WindowAhead <= 0 {
		cfg.WindowAhead = def.WindowAhead
	}
	if cfg.WindowBehind <= 0 {
		cfg.WindowBehind = def.WindowBehind
	}
	if cfg.MaxWindow < cfg.WindowAhead {
		cfg.MaxWindow = def.MaxWindow
	}
	if cfg.MinBatchSize <= 0 {
		cfg.MinBatchSize = def.MinBatchSize
	}
	if cfg.MaxBatchSize < cfg.MinBatchSize {
		cfg.MaxBatchSize = def.MaxBatchSize
	}
	if cfg.BatchPause <= 0 {
		cfg.BatchPause = def.BatchPause
	}
	if cfg.ImageID == nil {
		cfg.ImageID = defaultImageID
	}

	return &Scheduler{
		loader:   l,
		config:   cfg,
		logger:   logger.With().Str("component", "prefetch").Logger(),
		velocity: newVelocityTracker(cfg.VelocityLookback),
		progress: make(map[string]*StudyProgress),
	}
}

func defaultImageID(studyID string, index int) string {
	return fmt.Sprintf("study/%s/image/%d", studyID, index)
}

// RecordNavigation feeds the velocity tracker with the slice index the
// user moved to.
func (s *Scheduler) RecordNavigation(index int) {
	s.velocity.record(index)
}

// Velocity returns the current navigation rate estimate in slices/sec.
func (s *Scheduler) Velocity() float64 {
	return s.velocity.velocity()
}

// PrefetchNeighbors issues background loads for slices around the
// current index, widened toward the travel direction when the user is
// scrolling fast. Already-cached identifiers are skipped. Loads run
// asynchronously; this never blocks the caller.
func (s *Scheduler) PrefetchNeighbors(ctx context.Context, studyID string, currentIndex int, direction Direction) {
	ahead, behind := s.windows()
	prefetchWindow.Set(float64(ahead))

	issued := 0
	for offset := -behind; offset <= ahead; offset++ {
		if offset == 0 {
			continue
		}
		index := currentIndex + int(direction)*offset
		if index < 0 {
			continue
		}

		id := s.config.ImageID(studyID, index)
		if s.loader.Cached(id) {
			continue
		}

		// Immediate neighbors matter more than the window edges.
		priority := loader.PriorityLow
		if offset == 1 || offset == -1 {
			priority = loader.PriorityMedium
		}

		prefetchTotal.WithLabelValues(string(priority)).Inc()
		issued++
		go func(id string, priority loader.Priority) {
			if _, err := s.loader.Load(ctx, id, loader.Options{Priority: priority}); err != nil {
				s.logger.Debug().Str("id", id).Err(err).Msg("Neighbor prefetch abandoned")
			}
		}(id, priority)
	}

	if issued > 0 {
		s.logger.Debug().
			Str("study", studyID).
			Int("index", currentIndex).
			Int("issued", issued).
			Int("ahead", ahead).
			Int("behind", behind).
			Msg("Neighbor prefetch issued")
	}
}

// windows computes the adaptive ahead/behind window sizes. Fast
// navigation widens the window in the travel direction; the opposite
// side shrinks since those slices were just seen.
func (s *Scheduler) windows() (ahead, behind int) {
	ahead = s.config.WindowAhead
	behind = s.config.WindowBehind

	v := s.velocity.velocity()
	if v > 2 {
		extra := int(v)
		if ahead+extra > s.config.MaxWindow {
			ahead = s.config.MaxWindow
		} else {
			ahead += extra
		}
		behind = 1
	}
	return ahead, behind
}

// PrefetchStudy warms the cache for an entire study. With high priority
// the slices are ordered center-out from currentIndex; otherwise they
// load sequentially. Loads run in small batches with a pause in between
// so interactive loads are never starved. Blocks until the study is
// warmed or ctx ends; callers that want it in the background run it in
// a goroutine.
func (s *Scheduler) PrefetchStudy(ctx context.Context, studyID string, totalImages, currentIndex int, priority loader.Priority) (*StudyProgress, error) {
	if totalImages <= 0 {
		return nil, fmt.Errorf("total images must be positive (got %d)", totalImages)
	}

	order := sequentialOrder(totalImages)
	if priority == loader.PriorityHigh {
		order = centerOutOrder(totalImages, currentIndex)
	}

	prog := &StudyProgress{
		StudyID:     studyID,
		TotalImages: totalImages,
		StartedAt:   time.Now(),
	}
	s.mu.Lock()
	s.progress[studyID] = prog
	s.mu.Unlock()

	batchSize := batchSizeFor(totalImages, s.config.MinBatchSize, s.config.MaxBatchSize)
	s.logger.Info().
		Str("study", studyID).
		Int("total", totalImages).
		Int("batch_size", batchSize).
		Str("priority", string(priority)).
		Msg("Starting study prefetch")

	loadPriority := priority
	if loadPriority == "" || loadPriority == loader.PriorityHigh {
		// The warm-up itself runs below interactive loads even when the
		// ordering was requested as high priority.
		loadPriority = loader.PriorityMedium
	}

	for start := 0; start < len(order); start += batchSize {
		end := start + batchSize
		if end > len(order) {
			end = len(order)
		}
		batch := order[start:end]
		prefetchBatchesTotal.Inc()

		var wg sync.WaitGroup
		for _, index := range batch {
			id := s.config.ImageID(studyID, index)
			if s.loader.Cached(id) {
				s.recordResult(studyID, true)
				continue
			}

			wg.Add(1)
			prefetchTotal.WithLabelValues(string(loadPriority)).Inc()
			go func(id string) {
				defer wg.Done()
				p, err := s.loader.Load(ctx, id, loader.Options{
					Priority:    loadPriority,
					Progressive: true,
				})
				s.recordResult(studyID, err == nil && !p.Fallback)
			}(id)
		}
		wg.Wait()

		if end < len(order) {
			select {
			case <-ctx.Done():
				return s.Progress(studyID), ctx.Err()
			case <-time.After(s.config.BatchPause):
			}
		}
	}

	final := s.Progress(studyID)
	s.mu.Lock()
	delete(s.progress, studyID)
	s.mu.Unlock()

	s.logger.Info().
		Str("study", studyID).
		Int("loaded", final.LoadedImages).
		Int("failed", final.FailedImages).
		Dur("duration", time.Since(final.StartedAt)).
		Msg("Study prefetch complete")
	return final, nil
}

// recordResult updates a study's progress after one image resolves.
func (s *Scheduler) recordResult(studyID string, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prog, exists := s.progress[studyID]
	if !exists {
		return
	}
	if ok {
		prog.LoadedImages++
	} else {
		prog.FailedImages++
	}

	resolved := prog.LoadedImages + prog.FailedImages
	if resolved > 0 && !prog.done() {
		perImage := time.Since(prog.StartedAt) / time.Duration(resolved)
		prog.ETA = perImage * time.Duration(prog.TotalImages-resolved)
	} else {
		prog.ETA = 0
	}
}

// Progress returns a snapshot of a running study prefetch, or nil.
func (s *Scheduler) Progress(studyID string) *StudyProgress {
	s.mu.Lock()
	defer s.mu.Unlock()
	prog, ok := s.progress[studyID]
	if !ok {
		return nil
	}
	snapshot := *prog
	return &snapshot
}

// ClearProgress discards a study's progress record.
func (s *Scheduler) ClearProgress(studyID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.progress, studyID)
}

// centerOutOrder lists slice indices starting at center and alternating
// outward: center, center-1, center+1, center-2, center+2, ...
func centerOutOrder(total, center int) []int {
	if center < 0 {
		center = 0
	}
	if center >= total {
		center = total - 1
	}

	order := make([]int, 0, total)
	order = append(order, center)
	for step := 1; len(order) < total; step++ {
		if lo := center - step; lo >= 0 {
			order = append(order, lo)
		}
		if hi := center + step; hi < total {
			order = append(order, hi)
		}
	}
	return order
}

// sequentialOrder lists slice indices in series order.
func sequentialOrder(total int) []int {
	order := make([]int, total)
	for i := range order {
		order[i] = i
	}
	return order
}

// batchSizeFor scales the batch size with study length inside the
// configured bounds.
func batchSizeFor(total, min, max int) int {
	size := total / 8
	if size < min {
		return min
	}
	if size > max {
		return max
	}
	return size
}
