// Package collisioncache implements a concurrent, bounded, in-memory
// associative cache built on an open-addressed hash table with fixed-width
// collision buckets and a probabilistic logarithmic frequency counter per
// slot driving an approximate-LFU eviction policy.
//
// Reads are mostly lock-free: a read hit scans a bucket's slots with atomic
// loads and takes no lock. Get holds the bucket lock while it loads a miss,
// Remove and Clear lock the buckets they change, and the other entry points
// lock only when the bucket is full and an entry must be evicted. Two capacity policies share one engine: Packed,
// which has no size tracking and always evicts on a full bucket, and
// Sparse, which tracks an approximate size against a configured capacity
// and over-provisions its backing table by a sparseFactor.
//
// Construct a cache with WithCapacity, configure it with the fluent
// Builder, and finish with BuildPacked or BuildSparse.
package collisioncache
