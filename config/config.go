// Package config holds the structured server configuration and the manager
// that loads it from the environment or JSON files.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"
)

// Lifespan modes.
const (
	LifespanAuto = "auto"
	LifespanOn   = "on"
	LifespanOff  = "off"
)

// WebSocket negotiation modes.
const (
	WSAuto = "auto" // upgrade requests hand off to the WebSocket driver
	WSOnly = "only" // every connection starts with a WebSocket handshake
	WSNone = "none" // upgrade requests are refused
)

// Config is the full server configuration. The CLI, the environment loader
// and embedding programs all produce one of these; the core consumes it
// read-only.
type Config struct {
	// Bind target. Exactly one of host:port, UDS or FD is used: a file
	// descriptor wins over a socket path, which wins over host:port.
	Host string `config:"host"`
	Port int    `config:"port"`
	UDS  string `config:"uds"`
	FD   int    `config:"fd"`

	// ReusePort sets SO_REUSEPORT on TCP listeners so several processes can
	// bind the same address independently.
	ReusePort bool `config:"reuseport"`

	TLSCertFile string `config:"tls-certfile"`
	TLSKeyFile  string `config:"tls-keyfile"`

	// RootPath is prepended to application scopes for mounted deployments.
	RootPath string `config:"root-path"`

	Workers int `config:"workers"`

	LimitConcurrency int    `config:"limit-concurrency"`
	LimitMaxRequests uint64 `config:"limit-max-requests"`

	TimeoutKeepAlive time.Duration `config:"timeout-keep-alive"`
	TimeoutGraceful  time.Duration `config:"timeout-graceful-shutdown"`
	TimeoutLifespan  time.Duration `config:"timeout-lifespan-shutdown"`

	Lifespan string `config:"lifespan"`

	WSProtocol       string        `config:"ws"`
	WSMaxMessageSize int64         `config:"ws-max-size"`
	WSPingInterval   time.Duration `config:"ws-ping-interval"`
	WSPingTimeout    time.Duration `config:"ws-ping-timeout"`

	// MaxHeaderBytes bounds the request line plus header section of one
	// request.
	MaxHeaderBytes int `config:"max-header-bytes"`

	Reload     bool     `config:"reload"`
	ReloadDirs []string `config:"reload-dirs"`

	LogLevel  string `config:"log-level"`
	AccessLog bool   `config:"access-log"`

	ServerHeader bool `config:"server-header"`
	DateHeader   bool `config:"date-header"`

	// HeartbeatInterval is how often workers report liveness to the
	// supervisor.
	HeartbeatInterval time.Duration `config:"heartbeat-interval"`
}

// Default returns a configuration with every field at its default.
func Default() *Config {
	return &Config{
		Host:              "127.0.0.1",
		Port:              8000,
		FD:                -1,
		Workers:           1,
		TimeoutKeepAlive:  5 * time.Second,
		TimeoutGraceful:   30 * time.Second,
		TimeoutLifespan:   10 * time.Second,
		Lifespan:          LifespanAuto,
		WSProtocol:        WSAuto,
		WSMaxMessageSize:  1 << 20,
		WSPingInterval:    20 * time.Second,
		WSPingTimeout:     20 * time.Second,
		MaxHeaderBytes:    64 << 10,
		LogLevel:          "info",
		AccessLog:         true,
		ServerHeader:      true,
		DateHeader:        true,
		HeartbeatInterval: 3 * time.Second,
	}
}

// Validation errors.
var (
	ErrInvalidPort     = errors.New("port must be between 0 and 65535")
	ErrInvalidWorkers  = errors.New("workers must be at least 1")
	ErrTLSIncomplete   = errors.New("tls requires both certificate and key files")
	ErrInvalidLifespan = errors.New("lifespan must be auto, on or off")
	ErrInvalidWSMode   = errors.New("ws must be auto, only or none")
)

// Validate checks cross-field consistency. It does not touch the network.
func (c *Config) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return ErrInvalidPort
	}
	if c.Workers < 1 {
		return ErrInvalidWorkers
	}
	if (c.TLSCertFile == "") != (c.TLSKeyFile == "") {
		return ErrTLSIncomplete
	}
	switch c.Lifespan {
	case LifespanAuto, LifespanOn, LifespanOff:
	default:
		return ErrInvalidLifespan
	}
	switch c.WSProtocol {
	case WSAuto, WSOnly, WSNone:
	default:
		return ErrInvalidWSMode
	}
	if c.LimitConcurrency < 0 {
		return fmt.Errorf("limit-concurrency must not be negative, got %d", c.LimitConcurrency)
	}
	if c.MaxHeaderBytes < 1024 {
		return fmt.Errorf("max-header-bytes must be at least 1024, got %d", c.MaxHeaderBytes)
	}
	return nil
}

// Addr returns the TCP bind address.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// IsTLS reports whether TLS termination is configured.
func (c *Config) IsTLS() bool {
	return c.TLSCertFile != "" && c.TLSKeyFile != ""
}

// Scheme returns the URL scheme clients should use.
func (c *Config) Scheme() string {
	if c.IsTLS() {
		return "https"
	}
	return "http"
}

// Clone returns a deep copy.
func (c *Config) Clone() *Config {
	out := *c
	if c.ReloadDirs != nil {
		out.ReloadDirs = append([]string(nil), c.ReloadDirs...)
	}
	return &out
}

// InheritedListenerCount reports how many listener descriptors a worker
// process was handed by its supervisor, via the environment.
func InheritedListenerCount() int {
	n, err := strconv.Atoi(os.Getenv(EnvListenFDs))
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// Environment variables used between supervisor and worker processes.
const (
	// EnvWorker marks a process as a supervised worker.
	EnvWorker = "ASYNC_SERVER_WORKER"
	// EnvListenFDs carries the count of inherited listener descriptors,
	// starting at file descriptor 3.
	EnvListenFDs = "ASYNC_SERVER_LISTEN_FDS"
	// EnvHeartbeatFD carries the descriptor number of the heartbeat pipe.
	EnvHeartbeatFD = "ASYNC_SERVER_HEARTBEAT_FD"
)
