package config_test

import (
	"os"
	"testing"

	"github.com/relayforge/gatewaycore/internal/config"
)

func TestLoadDefaults(t *testing.T) {
	cfg := config.Load()
	if cfg.L7Addr != ":8080" {
		t.Fatalf("expected default L7Addr :8080, got %s", cfg.L7Addr)
	}
	if cfg.BalancerStrategy != "roundrobin" {
		t.Fatalf("expected default strategy roundrobin, got %s", cfg.BalancerStrategy)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected default config to validate, got %v", err)
	}
}

func TestLoadFromEnv(t *testing.T) {
	os.Setenv("GATEWAY_L7_ADDR", ":9090")
	os.Setenv("GATEWAY_BALANCER_STRATEGY", "ewma")
	os.Setenv("ENV", "test")
	defer func() {
		os.Unsetenv("GATEWAY_L7_ADDR")
		os.Unsetenv("GATEWAY_BALANCER_STRATEGY")
		os.Unsetenv("ENV")
	}()

	cfg := config.Load()
	if cfg.L7Addr != ":9090" {
		t.Fatalf("expected L7Addr :9090, got %s", cfg.L7Addr)
	}
	if cfg.BalancerStrategy != "ewma" {
		t.Fatalf("expected strategy ewma, got %s", cfg.BalancerStrategy)
	}
	if cfg.IsDevelopment() {
		t.Fatalf("expected env=test to not be development")
	}
}

func TestValidateRejectsUnknownStrategy(t *testing.T) {
	cfg := config.Load()
	cfg.BalancerStrategy = "bogus"
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected validation error for unknown strategy")
	}
}

func TestValidateRejectsMismatchedTLS(t *testing.T) {
	cfg := config.Load()
	cfg.TLSCertFile = "cert.pem"
	cfg.TLSKeyFile = ""
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected validation error for mismatched TLS files")
	}
}
