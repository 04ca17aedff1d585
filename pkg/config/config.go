package config

import (
	"flag"
	"os"
	"strconv"
	"time"
)

type Config struct {
	// Deployment endpoints, read from env.
	ServerPort string
	RedisHost  string
	RedisDb    int

	DefaultAvgConsultationMinutes *int

	NotifyStatsIntervalSeconds *int
	ConsultationWindowSize     *int

	PingIntervalSeconds *int
	WriteWaitSeconds    *int
	MaxMessageSize      *int

	RequestTimeoutSeconds *int
}

var CFG = &Config{
	DefaultAvgConsultationMinutes: flag.Int("default-avg-consultation-minutes", 10, "Consultation minutes used for estimates when a provider has not set availability."),
	NotifyStatsIntervalSeconds:    flag.Int("notify-stats-interval-seconds", 5, "Interval to refresh queue length and consultation stats."),
	ConsultationWindowSize:        flag.Int("consultation-window-size", 50, "The size of sliding window for calculating average observed consultation time of a provider."),
	PingIntervalSeconds:           flag.Int("ping-interval-seconds", 30, "Send pings to websocket peer with this interval."),
	WriteWaitSeconds:              flag.Int("write-wait-seconds", 10, "Time allowed to write a message to the websocket peer."),
	MaxMessageSize:                flag.Int("max-message-size", 8192, "Maximum message size allowed from websocket peer."),
	RequestTimeoutSeconds:         flag.Int("request-timeout-seconds", 5, "Time allowed for a queue or storage request to finish."),
}

func ProvideConfig() *Config {
	if !flag.Parsed() {
		flag.Parse()
	}

	CFG.ServerPort = getEnv("SERVER_PORT", "8000")
	CFG.RedisHost = getEnv("REDIS_HOST", "localhost:6379")
	CFG.RedisDb, _ = strconv.Atoi(getEnv("REDIS_DB", "0"))
	return CFG
}

// New returns a config holding the flag defaults, without touching
// flag parsing or env.
func New() *Config {
	intp := func(v int) *int { return &v }
	return &Config{
		ServerPort:                    "8000",
		RedisHost:                     "localhost:6379",
		DefaultAvgConsultationMinutes: intp(10),
		NotifyStatsIntervalSeconds:    intp(5),
		ConsultationWindowSize:        intp(50),
		PingIntervalSeconds:           intp(30),
		WriteWaitSeconds:              intp(10),
		MaxMessageSize:                intp(8192),
		RequestTimeoutSeconds:         intp(5),
	}
}

func (c *Config) PingPeriod() time.Duration {
	return time.Duration(*c.PingIntervalSeconds) * time.Second
}

// Time allowed to read the next pong message from the peer.
func (c *Config) PongWait() time.Duration {
	return c.PingPeriod() * 5 / 2
}

func (c *Config) WriteWait() time.Duration {
	return time.Duration(*c.WriteWaitSeconds) * time.Second
}

func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(*c.RequestTimeoutSeconds) * time.Second
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}
