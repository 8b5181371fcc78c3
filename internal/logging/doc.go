// Package logging configures slog output for clipfit.
//
// It provides a console handler for interactive use, a JSON handler for
// machine consumption, typed attribute helpers, and a progress sampler that
// keeps encode progress logs readable.
package logging
