package main

import (
	"flag"
	"time"
)

// Config holds client runtime configuration.
type Config struct {
	Server         string
	Kind           string
	Cookie         string // hex BOS authorization cookie
	ListenAddr     string
	MetricsAddr    string
	MaxConnections int
	KeepAlive      time.Duration
	AcceptRate     float64
	AcceptBurst    int
	PollIdle       time.Duration
	SweepInterval  time.Duration
	MaxAge         time.Duration
	// Redis cookie store; empty RedisAddr keeps cookies in memory.
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisPrefix   string
	CookieTTL     time.Duration
	Debug         bool
}

var cfg Config

func init() {
	flag.StringVar(&cfg.Server, "server", "127.0.0.1:5190", "login or BOS host[:port]")
	flag.StringVar(&cfg.Kind, "kind", "bos", "first connection kind: login or bos")
	flag.StringVar(&cfg.Cookie, "cookie", "", "hex authorization cookie sent with the hello")
	flag.StringVar(&cfg.ListenAddr, "listen", "", "rendezvous listen address (empty = no listener)")
	flag.StringVar(&cfg.MetricsAddr, "metrics", ":9100", "metrics, health and dashboard listen address")
	flag.IntVar(&cfg.MaxConnections, "max-connections", 7, "maximum open connections")
	flag.DurationVar(&cfg.KeepAlive, "keepalive", time.Minute, "send-idle period before a keepalive frame (0 = off)")
	flag.Float64Var(&cfg.AcceptRate, "accept-rate", 1, "rendezvous accepts per second per remote IP")
	flag.IntVar(&cfg.AcceptBurst, "accept-burst", 3, "rendezvous accept burst per remote IP")
	flag.DurationVar(&cfg.PollIdle, "poll-idle", 10*time.Millisecond, "pause between polls that produced no events")
	flag.DurationVar(&cfg.SweepInterval, "sweep-interval", 30*time.Second, "interval for aging out requests and cookies")
	flag.DurationVar(&cfg.MaxAge, "max-age", 5*time.Minute, "age after which requests and cookies are swept")
	flag.StringVar(&cfg.RedisAddr, "redis", "", "redis address for the cookie store")
	flag.StringVar(&cfg.RedisPassword, "redis-password", "", "redis password")
	flag.IntVar(&cfg.RedisDB, "redis-db", 0, "redis database")
	flag.StringVar(&cfg.RedisPrefix, "redis-prefix", "oscar", "redis key prefix")
	flag.DurationVar(&cfg.CookieTTL, "cookie-ttl", 10*time.Minute, "redis expiry for cookie keys (0 = none)")
	flag.BoolVar(&cfg.Debug, "debug", false, "enable debug logs")
}
