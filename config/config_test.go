package config_test

import (
	"os"
	"testing"
	"time"

	"github.com/AlfredDev/ftppool/config"
)

func TestLoadConfigFromEnv(t *testing.T) {
	os.Setenv("FTP_HOST", "ftp.internal.example")
	os.Setenv("FTP_PORT", "2121")
	os.Setenv("FTP_USER", "svc-ftp")
	os.Setenv("FTP_MAX_CONNECTIONS", "16")
	os.Setenv("FTP_POOL_MAX_TOTAL", "16")
	os.Setenv("FTP_POOL_ORDERING", "FIFO")
	defer func() {
		os.Unsetenv("FTP_HOST")
		os.Unsetenv("FTP_PORT")
		os.Unsetenv("FTP_USER")
		os.Unsetenv("FTP_MAX_CONNECTIONS")
		os.Unsetenv("FTP_POOL_MAX_TOTAL")
		os.Unsetenv("FTP_POOL_ORDERING")
	}()

	connCfg, poolCfg := config.Load()
	if connCfg.Host != "ftp.internal.example" {
		t.Fatalf("expected FTP_HOST to be loaded, got %s", connCfg.Host)
	}
	if connCfg.Port != 2121 {
		t.Fatalf("expected FTP_PORT=2121, got %d", connCfg.Port)
	}
	if connCfg.Username != "svc-ftp" {
		t.Fatalf("expected FTP_USER to be loaded, got %s", connCfg.Username)
	}
	if poolCfg.MaxTotal != 16 {
		t.Fatalf("expected FTP_POOL_MAX_TOTAL=16, got %d", poolCfg.MaxTotal)
	}
	if poolCfg.Ordering != config.OrderFIFO {
		t.Fatalf("expected FIFO ordering, got %s", poolCfg.Ordering)
	}
}

func TestLoadAppliesDefaultsWhenUnset(t *testing.T) {
	os.Unsetenv("FTP_HOST")
	os.Unsetenv("FTP_PORT")

	connCfg, poolCfg := config.Load()
	if connCfg.Host != "localhost" {
		t.Fatalf("expected default host localhost, got %s", connCfg.Host)
	}
	if connCfg.Port != 21 {
		t.Fatalf("expected default port 21, got %d", connCfg.Port)
	}
	if poolCfg.MaxTotal != 8 {
		t.Fatalf("expected default pool max-total 8, got %d", poolCfg.MaxTotal)
	}
}

func TestConnectionConfigValidate(t *testing.T) {
	cases := []struct {
		name    string
		cfg     config.ConnectionConfig
		wantErr bool
	}{
		{"valid", config.ConnectionConfig{Host: "h", Port: 21, MinConnections: 1, MaxConnections: 4}, false},
		{"missing host", config.ConnectionConfig{Port: 21}, true},
		{"port out of range", config.ConnectionConfig{Host: "h", Port: 99999}, true},
		{"min greater than max", config.ConnectionConfig{Host: "h", Port: 21, MinConnections: 5, MaxConnections: 1}, true},
		{"active port range inverted", config.ConnectionConfig{
			Host: "h", Port: 21, ActiveMode: true, ActivePortRangeLow: 6000, ActivePortRangeHigh: 5000,
		}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.cfg.Validate()
			if tc.wantErr && err == nil {
				t.Fatal("expected an error, got nil")
			}
			if !tc.wantErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestPoolConfigValidate(t *testing.T) {
	cases := []struct {
		name    string
		cfg     config.PoolConfig
		wantErr bool
	}{
		{"defaults", config.DefaultPoolConfig(), false},
		{"min idle above max idle", config.PoolConfig{MinIdle: 5, MaxIdle: 1, MaxTotal: 10}, true},
		{"max idle above max total", config.PoolConfig{MaxIdle: 20, MaxTotal: 10}, true},
		{"test while idle needs eviction interval", config.PoolConfig{
			MaxTotal: 10, MaxIdle: 10, TestWhileIdle: true, EvictionRunInterval: 0,
		}, true},
		{"min evictable idle time needs eviction interval", config.PoolConfig{
			MaxTotal: 10, MaxIdle: 10, MinEvictableIdleTime: time.Minute, EvictionRunInterval: 0,
		}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.cfg.Validate()
			if tc.wantErr && err == nil {
				t.Fatal("expected an error, got nil")
			}
			if !tc.wantErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}
