package cache

import (
	"errors"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog"
)

// compressJob asks the worker pool to compress the payload stored under
// key. The generation pins the job to the entry it was queued for.
type compressJob struct {
	key  string
	gen  uint64
	data []byte
}

// compressor is a bounded worker pool that compresses large cache entries
// off the Put path. Jobs are dropped rather than queued unboundedly when
// the pool is saturated; the entry simply stays uncompressed.
type compressor struct {
	jobs   chan compressJob
	wg     sync.WaitGroup
	enc    *zstd.Encoder
	dec    *zstd.Decoder
	logger zerolog.Logger

	mu     sync.Mutex
	closed bool
}

func newCompressor(s *Store, workers int, logger zerolog.Logger) (*compressor, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, err
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		return nil, err
	}

	c := &compressor{
		jobs:   make(chan compressJob, workers*4),
		enc:    enc,
		dec:    dec,
		logger: logger,
	}

	for i := 0; i < workers; i++ {
		c.wg.Add(1)
		go c.worker(s)
	}

	return c, nil
}

// worker compresses queued payloads and swaps them into the store.
func (c *compressor) worker(s *Store) {
	defer c.wg.Done()
	for job := range c.jobs {
		compressed := c.enc.EncodeAll(job.data, nil)
		if s.swapCompressed(job.key, job.gen, compressed) {
			CacheCompressions.WithLabelValues("compressed").Inc()
			c.logger.Debug().
				Str("key", job.key).
				Int("raw_size", len(job.data)).
				Int("compressed_size", len(compressed)).
				Msg("Entry compressed")
		} else {
			CacheCompressions.WithLabelValues("skipped").Inc()
		}
	}
}

// enqueue submits a job without blocking; a saturated pool drops the job.
func (c *compressor) enqueue(job compressJob) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.jobs <- job:
	default:
		CacheCompressions.WithLabelValues("skipped").Inc()
	}
}

// decompress restores the raw payload from its zstd form.
func (c *compressor) decompress(data []byte) ([]byte, error) {
	if c == nil {
		return nil, errors.New("compression disabled")
	}
	return c.dec.DecodeAll(data, nil)
}

// close drains the pool and releases the codecs.
func (c *compressor) close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.jobs)
	c.mu.Unlock()

	c.wg.Wait()
	c.enc.Close()
	// Decoder is kept open: Get may still need to decompress entries that
	// were swapped before shutdown.
}
