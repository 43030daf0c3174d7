// Package config loads the ConnectionConfig and PoolConfig records the
// rest of the module is built from, and validates the invariants the
// core relies on.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// TLSMode selects how (or whether) the control connection is wrapped in TLS.
type TLSMode string

const (
	TLSNone     TLSMode = "NONE"
	TLSImplicit TLSMode = "IMPLICIT"
	TLSExplicit TLSMode = "EXPLICIT"
)

// TransferMode selects the FTP representation type.
type TransferMode string

const (
	TransferASCII  TransferMode = "ASCII"
	TransferBinary TransferMode = "BINARY"
)

// ProxyType selects the proxy protocol used to reach the FTP server.
type ProxyType string

const (
	ProxyNone   ProxyType = "NONE"
	ProxyHTTP   ProxyType = "HTTP"
	ProxySOCKS4 ProxyType = "SOCKS4"
	ProxySOCKS5 ProxyType = "SOCKS5"
)

// Ordering selects the discipline the pool's idle set is drained in.
type Ordering string

const (
	OrderLIFO Ordering = "LIFO"
	OrderFIFO Ordering = "FIFO"
)

// EvictionPolicy selects which idle Connection is destroyed first when
// the idle set exceeds MaxIdle.
type EvictionPolicy string

const (
	EvictOldest EvictionPolicy = "OLDEST"
	EvictLRU    EvictionPolicy = "LRU"
	EvictMRU    EvictionPolicy = "MRU"
	EvictNone   EvictionPolicy = "NONE"
)

// ConnectionConfig is immutable once built. It describes a single
// {host, port, credentials} FTP target.
type ConnectionConfig struct {
	Host     string
	Port     int
	Username string
	Password string // secret; held only long enough to log in

	ConnectTimeout time.Duration
	DataTimeout    time.Duration
	ControlTimeout time.Duration

	ActiveMode          bool
	ActivePortRangeLow  int
	ActivePortRangeHigh int
	ActiveExternalIP    string

	TransferMode     TransferMode
	ControlEncoding  string
	BufferSize       int
	KeepAliveInterval      time.Duration // 0 disables
	ConnectionIdleTimeout  time.Duration // 0 disables

	MinConnections int
	MaxConnections int

	TLSMode           TLSMode
	ValidateServerCert bool
	Truststore        []byte
	EnabledProtocols  []string
	EnabledCiphers    []string

	ProxyType     ProxyType
	ProxyHost     string
	ProxyPort     int
	ProxyUser     string
	ProxyPassword string
}

// Validate enforces the §3 invariants on a ConnectionConfig.
func (c ConnectionConfig) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("config: host is required")
	}
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("config: port %d out of range [1,65535]", c.Port)
	}
	if c.MinConnections < 0 || c.MaxConnections < 0 {
		return fmt.Errorf("config: min/max connections must be >= 0")
	}
	if c.MinConnections > c.MaxConnections {
		return fmt.Errorf("config: min-connections (%d) > max-connections (%d)", c.MinConnections, c.MaxConnections)
	}
	if c.ActiveMode && c.ActivePortRangeLow != 0 && c.ActivePortRangeHigh != 0 {
		if c.ActivePortRangeLow > c.ActivePortRangeHigh {
			return fmt.Errorf("config: active port range start (%d) > end (%d)", c.ActivePortRangeLow, c.ActivePortRangeHigh)
		}
	}
	return nil
}

// PoolConfig describes how the pool manages its idle/active Connection sets.
type PoolConfig struct {
	MaxTotal int
	MaxIdle  int
	MinIdle  int
	MaxWait  time.Duration // <=0 means wait forever

	TestOnBorrow bool
	TestOnReturn bool
	TestWhileIdle bool

	EvictionRunInterval  time.Duration
	MinEvictableIdleTime time.Duration

	Ordering          Ordering
	BlockWhenExhausted bool
	FairWait          bool
	EvictionPolicy    EvictionPolicy
}

// Validate enforces the §3 invariants on a PoolConfig.
func (p PoolConfig) Validate() error {
	if p.MinIdle > p.MaxIdle {
		return fmt.Errorf("config: min-idle (%d) > max-idle (%d)", p.MinIdle, p.MaxIdle)
	}
	if p.MaxIdle > p.MaxTotal {
		return fmt.Errorf("config: max-idle (%d) > max-total (%d)", p.MaxIdle, p.MaxTotal)
	}
	if (p.TestWhileIdle || p.MinEvictableIdleTime > 0) && p.EvictionRunInterval <= 0 {
		return fmt.Errorf("config: eviction-run-interval must be > 0 when test-while-idle or idle-time eviction is enabled")
	}
	return nil
}

// DefaultPoolConfig returns conservative production defaults, mirroring
// the shape of the teacher's DefaultPoolConfig for HTTP transports.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MaxTotal:             8,
		MaxIdle:              8,
		MinIdle:              1,
		MaxWait:              30 * time.Second,
		TestOnBorrow:         true,
		TestOnReturn:         false,
		TestWhileIdle:        true,
		EvictionRunInterval:  30 * time.Second,
		MinEvictableIdleTime: 60 * time.Second,
		Ordering:             OrderLIFO,
		BlockWhenExhausted:   true,
		FairWait:             false,
		EvictionPolicy:       EvictLRU,
	}
}

// Load reads a ConnectionConfig and PoolConfig from environment variables
// and an optional .env file, the way the gateway's config.Load does for
// its own settings. Unknown environment variables are ignored.
func Load() (ConnectionConfig, PoolConfig) {
	_ = godotenv.Load()

	conn := ConnectionConfig{
		Host:                  getEnv("FTP_HOST", "localhost"),
		Port:                  getEnvInt("FTP_PORT", 21),
		Username:              getEnv("FTP_USER", "anonymous"),
		Password:              getEnv("FTP_PASSWORD", ""),
		ConnectTimeout:        getEnvDuration("FTP_CONNECT_TIMEOUT", 10*time.Second),
		DataTimeout:           getEnvDuration("FTP_DATA_TIMEOUT", 30*time.Second),
		ControlTimeout:        getEnvDuration("FTP_CONTROL_TIMEOUT", 30*time.Second),
		ActiveMode:            getEnvBool("FTP_ACTIVE_MODE", false),
		TransferMode:          TransferMode(getEnv("FTP_TRANSFER_MODE", string(TransferBinary))),
		ControlEncoding:       getEnv("FTP_CONTROL_ENCODING", "UTF-8"),
		BufferSize:            getEnvInt("FTP_BUFFER_SIZE", 32*1024),
		KeepAliveInterval:     getEnvDuration("FTP_KEEPALIVE_INTERVAL", 30*time.Second),
		ConnectionIdleTimeout: getEnvDuration("FTP_IDLE_TIMEOUT", 5*time.Minute),
		MinConnections:        getEnvInt("FTP_MIN_CONNECTIONS", 1),
		MaxConnections:        getEnvInt("FTP_MAX_CONNECTIONS", 8),
		TLSMode:               TLSMode(getEnv("FTP_TLS_MODE", string(TLSNone))),
		ValidateServerCert:    getEnvBool("FTP_VALIDATE_SERVER_CERT", true),
		ProxyType:             ProxyType(getEnv("FTP_PROXY_TYPE", string(ProxyNone))),
		ProxyHost:             getEnv("FTP_PROXY_HOST", ""),
		ProxyPort:             getEnvInt("FTP_PROXY_PORT", 0),
		ProxyUser:             getEnv("FTP_PROXY_USER", ""),
		ProxyPassword:         getEnv("FTP_PROXY_PASSWORD", ""),
	}

	pool := DefaultPoolConfig()
	pool.MaxTotal = getEnvInt("FTP_POOL_MAX_TOTAL", pool.MaxTotal)
	pool.MaxIdle = getEnvInt("FTP_POOL_MAX_IDLE", pool.MaxIdle)
	pool.MinIdle = getEnvInt("FTP_POOL_MIN_IDLE", pool.MinIdle)
	pool.MaxWait = getEnvDuration("FTP_POOL_MAX_WAIT", pool.MaxWait)
	pool.TestOnBorrow = getEnvBool("FTP_POOL_TEST_ON_BORROW", pool.TestOnBorrow)
	pool.TestOnReturn = getEnvBool("FTP_POOL_TEST_ON_RETURN", pool.TestOnReturn)
	pool.TestWhileIdle = getEnvBool("FTP_POOL_TEST_WHILE_IDLE", pool.TestWhileIdle)
	pool.EvictionRunInterval = getEnvDuration("FTP_POOL_EVICTION_INTERVAL", pool.EvictionRunInterval)
	pool.MinEvictableIdleTime = getEnvDuration("FTP_POOL_MIN_EVICTABLE_IDLE", pool.MinEvictableIdleTime)
	pool.Ordering = Ordering(getEnv("FTP_POOL_ORDERING", string(pool.Ordering)))
	pool.BlockWhenExhausted = getEnvBool("FTP_POOL_BLOCK_WHEN_EXHAUSTED", pool.BlockWhenExhausted)
	pool.FairWait = getEnvBool("FTP_POOL_FAIR_WAIT", pool.FairWait)
	pool.EvictionPolicy = EvictionPolicy(getEnv("FTP_POOL_EVICTION_POLICY", string(pool.EvictionPolicy)))

	return conn, pool
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
