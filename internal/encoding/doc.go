// Package encoding plans encode jobs and runs them through ffmpeg.
//
// The planner probes sources and fills in size-targeted parameters; the
// runner owns one attempt at a time: per-pass subprocess invocation, progress
// parsing, scratch-file lifecycle, and output-size verification.
package encoding
