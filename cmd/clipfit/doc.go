// Package main hosts the clipfit CLI entrypoint and command graph.
//
// The Cobra-based command tree covers the encode run itself, configuration
// scaffolding, and external tool checks. It centralizes configuration
// resolution and logging setup so subcommands can focus on user experience
// instead of wiring.
package main
