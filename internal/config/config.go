// Package config carries boot-time tunables. The teacher hard-codes
// constants like the reserved page count directly in mem/mem.go; we
// pull the handful that matter for a portable, testable kernel out
// into a flag-parsed config, following the plain stdlib flag style
// cmd/kernel's predecessor (kernel/chentry.go) already uses for its
// own CLI.
package config

import "flag"

// Config holds the tunables consulted during boot.
type Config struct {
	// FramePages is the number of physical pages the frame allocator
	// manages per region.
	FramePages int
	// RlimitNofile is the default RLIMIT_NOFILE ceiling for new
	// processes (spec.md §4.4).
	RlimitNofile int
	// YieldEvery is how many user-entry-loop iterations run before an
	// unconditional yield_now() (spec.md §4.12).
	YieldEvery int
	// PipeHighWater is the byte threshold at which a pipe writer
	// blocks (spec.md §4.5).
	PipeHighWater int
}

// Default returns the configuration biscuit itself boots with,
// adjusted to the values spec.md §4 calls out explicitly.
func Default() *Config {
	return &Config{
		FramePages:    1 << 16,
		RlimitNofile:  255,
		YieldEvery:    50,
		PipeHighWater: 0x50000,
	}
}

// Parse builds a Config from command-line flags, defaulting to
// Default() for anything not specified.
func Parse(args []string) *Config {
	c := Default()
	fs := flag.NewFlagSet("kernel", flag.ContinueOnError)
	fs.IntVar(&c.FramePages, "frame-pages", c.FramePages, "physical pages managed by the frame allocator")
	fs.IntVar(&c.RlimitNofile, "rlimit-nofile", c.RlimitNofile, "default open-file ceiling per process")
	fs.IntVar(&c.YieldEvery, "yield-every", c.YieldEvery, "user-loop iterations between forced yields")
	fs.IntVar(&c.PipeHighWater, "pipe-highwater", c.PipeHighWater, "pipe write high-water mark in bytes")
	_ = fs.Parse(args)
	return c
}
