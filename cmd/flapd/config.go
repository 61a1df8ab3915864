package main

import (
	"flag"
	"time"
)

// Config holds all runtime configuration derived from flags.
type Config struct {
	ListenAddr      string
	MetricsAddr     string
	IdleTimeout     time.Duration
	CleanupInterval time.Duration
	RateWindow      uint
	Debug           bool
}

var cfg Config

func init() {
	flag.StringVar(&cfg.ListenAddr, "listen", ":5190", "FLAP listen address")
	flag.StringVar(&cfg.MetricsAddr, "metrics", ":9101", "metrics and health listen address")
	flag.DurationVar(&cfg.IdleTimeout, "idle-timeout", 2*time.Minute, "close clients that sent nothing for this long")
	flag.DurationVar(&cfg.CleanupInterval, "cleanup-interval", 15*time.Second, "interval for sweeping idle clients")
	flag.UintVar(&cfg.RateWindow, "rate-window", 80, "window of the advertised rate classes")
	flag.BoolVar(&cfg.Debug, "debug", false, "enable debug logs")
}
