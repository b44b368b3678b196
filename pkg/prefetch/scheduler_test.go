package prefetch

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/medview/dicom-loader/pkg/cache"
	"github.com/medview/dicom-loader/pkg/loader"
	"github.com/rs/zerolog"
)

// recordingFetcher implements loader.Fetcher and records fetch order.
type recordingFetcher struct {
	mu    sync.Mutex
	ids   []string
	fail  map[string]bool
	delay time.Duration
}

func (f *recordingFetcher) Fetch(ctx context.Context, id string) (*loader.Image, error) {
	f.mu.Lock()
	f.ids = append(f.ids, id)
	failing := f.fail[id]
	f.mu.Unlock()

	if f.delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(f.delay):
		}
	}
	if failing {
		return nil, &loader.StatusError{Code: 404}
	}
	return &loader.Image{Data: []byte("px:" + id)}, nil
}

func (f *recordingFetcher) Origin(id string) string { return "test" }

func (f *recordingFetcher) fetched() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.ids...)
}

func newTestScheduler(t *testing.T, fetcher *recordingFetcher) (*Scheduler, *loader.Loader) {
	t.Helper()

	store := cache.NewStore(cache.Config{
		MaxMemoryBytes:     1 << 20,
		CompressionEnabled: false,
	}, zerolog.Nop())
	t.Cleanup(store.Close)

	cfg := loader.DefaultConfig(fetcher, store)
	cfg.NormalRetry = loader.RetryConfig{
		MaxAttempts: 1,
		BaseDelay:   time.Millisecond,
		MaxDelay:    time.Millisecond,
		Multiplier:  2.0,
	}
	cfg.HighRetry = cfg.NormalRetry
	l, err := loader.New(cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("loader.New: %v", err)
	}

	pcfg := DefaultConfig()
	pcfg.BatchPause = time.Millisecond
	return New(l, pcfg, zerolog.Nop()), l
}

func TestCenterOutOrder(t *testing.T) {
	got := centerOutOrder(20, 10)

	wantPrefix := []int{10, 9, 11, 8, 12, 7, 13}
	if len(got) != 20 {
		t.Fatalf("order length = %d, want 20", len(got))
	}
	for i, want := range wantPrefix {
		if got[i] != want {
			t.Errorf("order[%d] = %d, want %d (full: %v)", i, got[i], want, got[:7])
		}
	}

	// Every index appears exactly once.
	seen := make(map[int]bool)
	for _, idx := range got {
		if seen[idx] {
			t.Errorf("index %d appears twice", idx)
		}
		seen[idx] = true
	}
}

func TestCenterOutOrder_Edges(t *testing.T) {
	tests := []struct {
		name   string
		total  int
		center int
		want   []int
	}{
		{"center at start", 5, 0, []int{0, 1, 2, 3, 4}},
		{"center at end", 5, 4, []int{4, 3, 2, 1, 0}},
		{"center out of range", 5, 99, []int{4, 3, 2, 1, 0}},
		{"negative center", 3, -1, []int{0, 1, 2}},
		{"single image", 1, 0, []int{0}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := centerOutOrder(tt.total, tt.center)
			if len(got) != len(tt.want) {
				t.Fatalf("length = %d, want %d", len(got), len(tt.want))
			}
			for i := range tt.want {
				if got[i] != tt.want[i] {
					t.Errorf("order = %v, want %v", got, tt.want)
					break
				}
			}
		})
	}
}

func TestBatchSizeFor(t *testing.T) {
	tests := []struct {
		total int
		want  int
	}{
		{5, 2},   // below minimum
		{20, 2},  // 20/8 rounds down to 2
		{32, 4},
		{100, 6}, // capped at maximum
	}

	for _, tt := range tests {
		if got := batchSizeFor(tt.total, 2, 6); got != tt.want {
			t.Errorf("batchSizeFor(%d) = %d, want %d", tt.total, got, tt.want)
		}
	}
}

func TestPrefetchStudy_WarmsWholeStudy(t *testing.T) {
	fetcher := &recordingFetcher{}
	s, l := newTestScheduler(t, fetcher)

	final, err := s.PrefetchStudy(context.Background(), "s1", 12, 6, loader.PriorityHigh)
	if err != nil {
		t.Fatalf("PrefetchStudy: %v", err)
	}

	if final.LoadedImages != 12 {
		t.Errorf("LoadedImages = %d, want 12", final.LoadedImages)
	}
	if final.FailedImages != 0 {
		t.Errorf("FailedImages = %d, want 0", final.FailedImages)
	}
	for i := 0; i < 12; i++ {
		if !l.Cached(fmt.Sprintf("study/s1/image/%d", i)) {
			t.Errorf("image %d not cached after study prefetch", i)
		}
	}

	// Progress record is discarded once the study finishes.
	if s.Progress("s1") != nil {
		t.Error("Progress != nil after completion")
	}
}

func TestPrefetchStudy_CenterOutFirstBatch(t *testing.T) {
	fetcher := &recordingFetcher{}
	s, _ := newTestScheduler(t, fetcher)

	if _, err := s.PrefetchStudy(context.Background(), "s1", 20, 10, loader.PriorityHigh); err != nil {
		t.Fatalf("PrefetchStudy: %v", err)
	}

	// Batch size for 20 images is 2: the first two fetches must be the
	// center pair {10, 9}, in either order within the batch.
	got := fetcher.fetched()
	if len(got) < 2 {
		t.Fatalf("fetched %d images, want >= 2", len(got))
	}
	first := map[string]bool{got[0]: true, got[1]: true}
	if !first["study/s1/image/10"] || !first["study/s1/image/9"] {
		t.Errorf("first batch = %v, want center pair 10 and 9", got[:2])
	}
}

func TestPrefetchStudy_SkipsCachedImages(t *testing.T) {
	fetcher := &recordingFetcher{}
	s, l := newTestScheduler(t, fetcher)
	ctx := context.Background()

	// Warm three slices up front.
	for _, idx := range []int{3, 4, 5} {
		if _, err := l.Load(ctx, fmt.Sprintf("study/s1/image/%d", idx), loader.Options{}); err != nil {
			t.Fatalf("Load: %v", err)
		}
	}
	before := len(fetcher.fetched())

	final, err := s.PrefetchStudy(ctx, "s1", 10, 4, loader.PriorityHigh)
	if err != nil {
		t.Fatalf("PrefetchStudy: %v", err)
	}

	if got := len(fetcher.fetched()) - before; got != 7 {
		t.Errorf("new fetches = %d, want 7 (3 already cached)", got)
	}
	if final.LoadedImages != 10 {
		t.Errorf("LoadedImages = %d, want 10 (cached slices count as loaded)", final.LoadedImages)
	}
}

func TestPrefetchStudy_CountsFailures(t *testing.T) {
	fetcher := &recordingFetcher{fail: map[string]bool{
		"study/s1/image/2": true,
		"study/s1/image/5": true,
	}}
	s, _ := newTestScheduler(t, fetcher)

	final, err := s.PrefetchStudy(context.Background(), "s1", 8, 0, loader.PriorityMedium)
	if err != nil {
		t.Fatalf("PrefetchStudy: %v", err)
	}

	if final.FailedImages != 2 {
		t.Errorf("FailedImages = %d, want 2", final.FailedImages)
	}
	if final.LoadedImages != 6 {
		t.Errorf("LoadedImages = %d, want 6", final.LoadedImages)
	}
}

func TestPrefetchStudy_InvalidTotal(t *testing.T) {
	s, _ := newTestScheduler(t, &recordingFetcher{})

	if _, err := s.PrefetchStudy(context.Background(), "s1", 0, 0, loader.PriorityLow); err == nil {
		t.Error("PrefetchStudy with zero images should fail")
	}
}

func TestPrefetchNeighbors_WindowAroundCurrent(t *testing.T) {
	fetcher := &recordingFetcher{}
	s, _ := newTestScheduler(t, fetcher)

	s.PrefetchNeighbors(context.Background(), "s1", 10, DirectionForward)

	// 3 behind + 3 ahead, current slice excluded.
	want := map[string]bool{
		"study/s1/image/7":  true,
		"study/s1/image/8":  true,
		"study/s1/image/9":  true,
		"study/s1/image/11": true,
		"study/s1/image/12": true,
		"study/s1/image/13": true,
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && len(fetcher.fetched()) < len(want) {
		time.Sleep(5 * time.Millisecond)
	}

	got := fetcher.fetched()
	if len(got) != len(want) {
		t.Fatalf("fetched %d ids (%v), want %d", len(got), got, len(want))
	}
	for _, id := range got {
		if !want[id] {
			t.Errorf("unexpected prefetch id %q", id)
		}
	}
}

func TestPrefetchNeighbors_SkipsCachedAndNegative(t *testing.T) {
	fetcher := &recordingFetcher{}
	s, l := newTestScheduler(t, fetcher)
	ctx := context.Background()

	if _, err := l.Load(ctx, "study/s1/image/2", loader.Options{}); err != nil {
		t.Fatalf("Load: %v", err)
	}
	before := len(fetcher.fetched())

	// Current index 1: the behind window reaches negative indices, and
	// index 2 is already cached.
	s.PrefetchNeighbors(ctx, "s1", 1, DirectionForward)

	// Only 0, 3 and 4 remain.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && len(fetcher.fetched())-before < 3 {
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond)

	if got := len(fetcher.fetched()) - before; got != 3 {
		t.Errorf("new fetches = %d, want 3 (negative and cached skipped)", got)
	}
}

func TestVelocityTracker(t *testing.T) {
	v := newVelocityTracker(time.Second)

	if v.velocity() != 0 {
		t.Errorf("velocity with no events = %v, want 0", v.velocity())
	}
	if v.direction() != DirectionForward {
		t.Error("default direction should be forward")
	}

	v.record(10)
	time.Sleep(20 * time.Millisecond)
	v.record(14)

	if v.velocity() <= 0 {
		t.Errorf("velocity = %v after forward navigation, want > 0", v.velocity())
	}
	if v.direction() != DirectionForward {
		t.Error("direction = backward, want forward")
	}

	back := newVelocityTracker(time.Second)
	back.record(14)
	time.Sleep(20 * time.Millisecond)
	back.record(10)
	if back.direction() != DirectionBackward {
		t.Error("direction = forward, want backward")
	}
}

func TestClearProgress(t *testing.T) {
	fetcher := &recordingFetcher{delay: 30 * time.Millisecond}
	s, _ := newTestScheduler(t, fetcher)

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.PrefetchStudy(context.Background(), "s1", 6, 0, loader.PriorityMedium)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && s.Progress("s1") == nil {
		time.Sleep(time.Millisecond)
	}
	if s.Progress("s1") == nil {
		t.Fatal("Progress = nil while study prefetch is running")
	}

	s.ClearProgress("s1")
	if s.Progress("s1") != nil {
		t.Error("Progress != nil after ClearProgress")
	}
	<-done
}
