// Package queue defines the Job value type and its per-run SQLite store.
//
// The store lives under the run's scratch directory and is discarded with it;
// job history never survives a run. The dispatcher is the only writer of job
// state and attempt counts.
package queue
