// Package ffprobe wraps ffprobe's JSON inspection output. Job creation uses
// it to determine clip duration before any encode parameters are computed.
package ffprobe
