// Package batch drives many independent request tasks with bounded
// parallelism, retry with exponential backoff and aggregated statistics.
//
// EXECUTION MODEL:
//
// Tasks are split into consecutive chunks of Options.Concurrency. Chunks run
// one after another, tasks inside a chunk run concurrently. Chunk N+1 never
// starts before every task of chunk N has resolved, so the number of
// in-flight tasks is never above Concurrency. A fixed ChunkDelay separates
// chunks.
//
// Each task is retried up to Retry.Attempts times. The delay before attempt
// k+1 is Retry.BaseDelay * 2^(k-1), capped at Retry.MaxDelay. Errors that
// fault.Retryable rejects end the task immediately.
//
// Single-Writer Aggregation:
// Workers never touch shared counters. Every outcome is sent to one
// aggregator goroutine that owns the counters, the outcome list and the error
// histogram. Progress snapshots are requested through the same channel, so a
// snapshot taken after a chunk sees all of that chunk's outcomes.
//
// Isolation:
// A failing or panicking task produces a Failure outcome and nothing else.
// The only errors Run returns are pre-flight validation errors (before any
// task starts) and the context error of a cancelled run, which is returned
// together with the partial Result.
package batch
