package cache

import "time"

// Entry is the stored form of a cached image payload. The payload slice
// holds either the raw bytes or, after a background compression job has
// completed, the zstd-compressed form.
type Entry struct {
	// Key is the image identifier this entry is stored under.
	Key string

	// payload holds the stored bytes (raw or compressed).
	payload []byte

	// Size is the size of the stored payload in bytes. This is what the
	// running memory total accounts for, so it shrinks when an entry is
	// swapped for its compressed form.
	Size int64

	// RawSize is the uncompressed payload size in bytes.
	RawSize int64

	// Compressed reports whether payload currently holds zstd data.
	Compressed bool

	// CreatedAt is when the entry was stored.
	CreatedAt time.Time

	// LastAccessAt is updated on every Get.
	LastAccessAt time.Time

	// AccessCount is incremented on every Get.
	AccessCount int64

	// Metadata is an opaque record carried alongside the payload
	// (image dimensions, pixel spacing, modality).
	Metadata any

	// gen guards compression swaps: a job only applies if the entry it
	// was queued for is still the live one under the key.
	gen uint64
}

// Age returns how long the entry has been cached.
func (e *Entry) Age() time.Duration {
	return time.Since(e.CreatedAt)
}
