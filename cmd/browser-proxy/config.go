package main

import (
	"flag"
	"os"
	"time"
)

// Config holds all runtime configuration derived from flags and environment.
type Config struct {
	PGAddr        string
	WSAddr        string
	MetricsAddr   string
	BaseDomain    string
	TLSCertFile   string
	TLSKeyFile    string
	ServerVersion string
	IdleTimeout   time.Duration
	Proxied       bool
	Debug         bool

	// Rate limiting (0 disables)
	GlobalConnRate      int
	PerDatabaseConnRate int
	RateBurst           int

	// Telemetry sink
	RedisAddr     string
	RedisPassword string
	RedisDB       int
}

var cfg Config

func init() {
	flag.StringVar(&cfg.PGAddr, "pg", ":5432", "listener address for Postgres clients")
	flag.StringVar(&cfg.WSAddr, "ws", ":8080", "listener address for browser websocket sessions")
	flag.StringVar(&cfg.MetricsAddr, "metrics", ":9100", "metrics and health listen address")
	flag.StringVar(&cfg.BaseDomain, "domain", "proxy.example.com", "base wildcard domain; clients connect to <database-id>.<domain>")
	flag.StringVar(&cfg.TLSCertFile, "tls-cert", "", "TLS certificate file (wildcard for the base domain)")
	flag.StringVar(&cfg.TLSKeyFile, "tls-key", "", "TLS private key file")
	flag.StringVar(&cfg.ServerVersion, "server-version", "16.3", "server_version reported to clients")
	flag.DurationVar(&cfg.IdleTimeout, "idle-timeout", 5*time.Minute, "close client connections with no inbound traffic for this long")
	flag.BoolVar(&cfg.Proxied, "proxy-protocol", os.Getenv("PROXIED") != "", "expect and strip HAProxy PROXY v1 header on client connections")
	flag.BoolVar(&cfg.Debug, "debug", false, "enable debug logs")
	flag.IntVar(&cfg.GlobalConnRate, "conn-rate", 0, "global connection admissions per second; 0 disables")
	flag.IntVar(&cfg.PerDatabaseConnRate, "conn-rate-per-db", 0, "per-database connection admissions per second; 0 disables")
	flag.IntVar(&cfg.RateBurst, "conn-burst", 10, "connection admission burst size")
	flag.StringVar(&cfg.RedisAddr, "redis", "", "redis address for the telemetry event sink; empty logs events locally")
	flag.StringVar(&cfg.RedisPassword, "redis-password", "", "redis password")
	flag.IntVar(&cfg.RedisDB, "redis-db", 0, "redis database number")
}
