// Package config holds the fixed constants of spec.md §6, with an
// environment-variable overlay for deployment outside a single test
// process. No command-line flag sets these fields.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config collects the tunables spec.md §6 names.
type Config struct {
	// SLeases is the server-side lease table capacity.
	SLeases int
	// CLeases is the client-side lease table capacity.
	CLeases int
	// Retries is the client's per-step retry budget.
	Retries int
	// GCTime is the server lease TTL.
	GCTime time.Duration
	// Port is the lab's server listen port. The server gateway listens on
	// the address given to ListenAndServe and does not read this field.
	Port int
	// BuffSize is the lab's request frame buffer size. Requests are decoded
	// straight from the connection and nothing reads this field.
	BuffSize int
	// MaxPending is the lab's TCP listen backlog. The server uses Go's
	// default backlog and does not read this field.
	MaxPending int
}

// Default returns spec.md §6's defaults.
func Default() Config {
	return Config{
		SLeases:    5,
		CLeases:    5,
		Retries:    5,
		GCTime:     300_000 * time.Millisecond,
		Port:       7,
		BuffSize:   1518,
		MaxPending: 5,
	}
}

// OverlayEnv applies DJOS_* environment variable overrides on top of c,
// for container/orchestrator deployments where flags aren't convenient to
// set per-instance. Unset or unparsable variables leave the field
// untouched.
func (c Config) OverlayEnv() Config {
	if v, ok := lookupInt("DJOS_SLEASES"); ok {
		c.SLeases = v
	}
	if v, ok := lookupInt("DJOS_CLEASES"); ok {
		c.CLeases = v
	}
	if v, ok := lookupInt("DJOS_RETRIES"); ok {
		c.Retries = v
	}
	if v, ok := lookupInt("DJOS_GCTIME_MS"); ok {
		c.GCTime = time.Duration(v) * time.Millisecond
	}
	if v, ok := lookupInt("DJOS_PORT"); ok {
		c.Port = v
	}
	if v, ok := lookupInt("DJOS_BUFFSIZE"); ok {
		c.BuffSize = v
	}
	if v, ok := lookupInt("DJOS_MAXPENDING"); ok {
		c.MaxPending = v
	}
	return c
}

func lookupInt(name string) (int, bool) {
	s, ok := os.LookupEnv(name)
	if !ok {
		return 0, false
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, false
	}
	return v, true
}
