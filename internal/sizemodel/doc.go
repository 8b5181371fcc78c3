// Package sizemodel computes the encode parameters needed to fit a clip of
// known duration into a byte budget. It is pure: no I/O, deterministic for a
// given input.
package sizemodel
