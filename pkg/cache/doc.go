// Package cache provides a bounded in-memory store for decoded image
// payloads with policy-based eviction, TTL sweeping, and optional
// background zstd compression of large entries.
//
// The store keeps a running byte total; when it crosses the configured
// pressure threshold an eviction pass removes the lowest-scoring entries
// (LRU or LFU) until usage drops back under the threshold. Payloads above
// the compression threshold are compressed off the caller's path by a
// bounded worker pool and swapped in place once ready, so neither Put nor
// Get ever blocks on compression.
package cache
