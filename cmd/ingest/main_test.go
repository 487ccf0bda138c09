package main

// TODO: Add tests that require more setup and scaffolding:
// - Integration tests with real database connections and NSQ producers
// - HTTP server startup and admin route wiring testing
// - Signal handling and graceful shutdown testing
// - End-to-end service initialization with all dependencies

import (
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/heraldbot/herald/internal/config"
	"github.com/heraldbot/herald/internal/health"
)

func TestConfigurationLoading(t *testing.T) {
	envKeys := []string{
		"DB_HOST", "DB_PORT", "DB_NAME", "DB_USER", "DB_PASS",
		"NSQD_TCP_ADDR", "NSQ_EVENTS_TOPIC", "NSQ_PROCESSOR_CHANNEL",
		"INGEST_HTTP_PORT", "GITHUB_WEBHOOK_SECRET", "WEBHOOK_MAX_BODY_BYTES",
		"LISTENER_KEEPALIVE_INTERVAL",
	}

	original := map[string]string{}
	for _, k := range envKeys {
		original[k] = os.Getenv(k)
	}
	defer func() {
		for k, v := range original {
			if v == "" {
				os.Unsetenv(k)
			} else {
				os.Setenv(k, v)
			}
		}
	}()

	tests := []struct {
		name     string
		envVars  map[string]string
		validate func(t *testing.T, cfg config.Config)
	}{
		{
			name:    "default configuration",
			envVars: map[string]string{},
			validate: func(t *testing.T, cfg config.Config) {
				if cfg.DB.Host != "postgres" {
					t.Errorf("Expected DB host 'postgres', got %q", cfg.DB.Host)
				}
				if cfg.NSQ.EventsTopic != "webhook-events" {
					t.Errorf("Expected topic 'webhook-events', got %q", cfg.NSQ.EventsTopic)
				}
				if cfg.NSQ.ProcessorChannel != "processors" {
					t.Errorf("Expected channel 'processors', got %q", cfg.NSQ.ProcessorChannel)
				}
				if cfg.Ingest.HTTPPort != ":8081" {
					t.Errorf("Expected ingest HTTP port ':8081', got %q", cfg.Ingest.HTTPPort)
				}
				if cfg.Ingest.MaxBodyBytes != 1<<20 {
					t.Errorf("Expected max body 1MiB, got %d", cfg.Ingest.MaxBodyBytes)
				}
				if cfg.Listener.KeepAliveInterval != 60*time.Second {
					t.Errorf("Expected 60s keep-alive, got %v", cfg.Listener.KeepAliveInterval)
				}
			},
		},
		{
			name: "custom configuration",
			envVars: map[string]string{
				"DB_HOST":                "custom-host",
				"DB_PORT":                "3306",
				"NSQD_TCP_ADDR":          "nsq-host:4150",
				"NSQ_EVENTS_TOPIC":       "custom-events",
				"INGEST_HTTP_PORT":       ":9091",
				"GITHUB_WEBHOOK_SECRET":  "s3cret",
				"WEBHOOK_MAX_BODY_BYTES": "2048",
			},
			validate: func(t *testing.T, cfg config.Config) {
				if cfg.DB.Host != "custom-host" {
					t.Errorf("Expected DB host 'custom-host', got %q", cfg.DB.Host)
				}
				if cfg.DB.Port != "3306" {
					t.Errorf("Expected DB port '3306', got %q", cfg.DB.Port)
				}
				if cfg.NSQ.NsqdTCPAddr != "nsq-host:4150" {
					t.Errorf("Expected NSQ address 'nsq-host:4150', got %q", cfg.NSQ.NsqdTCPAddr)
				}
				if cfg.NSQ.EventsTopic != "custom-events" {
					t.Errorf("Expected topic 'custom-events', got %q", cfg.NSQ.EventsTopic)
				}
				if cfg.Ingest.HTTPPort != ":9091" {
					t.Errorf("Expected ingest HTTP port ':9091', got %q", cfg.Ingest.HTTPPort)
				}
				if cfg.Ingest.WebhookSecret != "s3cret" {
					t.Errorf("Expected webhook secret 's3cret', got %q", cfg.Ingest.WebhookSecret)
				}
				if cfg.Ingest.MaxBodyBytes != 2048 {
					t.Errorf("Expected max body 2048, got %d", cfg.Ingest.MaxBodyBytes)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for _, k := range envKeys {
				os.Unsetenv(k)
			}
			for k, v := range tt.envVars {
				os.Setenv(k, v)
			}

			cfg := config.FromEnv()
			tt.validate(t, cfg)
		})
	}
}

func TestAdminJWTConfiguration(t *testing.T) {
	originalKey := os.Getenv("ADMIN_JWT_PUBLIC_KEY")
	originalIssuer := os.Getenv("ADMIN_JWT_ISSUER")
	originalAudience := os.Getenv("ADMIN_JWT_AUDIENCE")
	defer func() {
		restore := func(k, v string) {
			if v == "" {
				os.Unsetenv(k)
			} else {
				os.Setenv(k, v)
			}
		}
		restore("ADMIN_JWT_PUBLIC_KEY", originalKey)
		restore("ADMIN_JWT_ISSUER", originalIssuer)
		restore("ADMIN_JWT_AUDIENCE", originalAudience)
	}()

	tests := []struct {
		name             string
		envVars          map[string]string
		expectAuth       bool
		expectedIssuer   string
		expectedAudience string
	}{
		{
			name:             "no public key means auth disabled",
			envVars:          map[string]string{},
			expectAuth:       false,
			expectedIssuer:   "herald",
			expectedAudience: "herald-admin",
		},
		{
			name: "public key enables auth with defaults",
			envVars: map[string]string{
				"ADMIN_JWT_PUBLIC_KEY": "-----BEGIN PUBLIC KEY-----\n...",
			},
			expectAuth:       true,
			expectedIssuer:   "herald",
			expectedAudience: "herald-admin",
		},
		{
			name: "custom issuer and audience",
			envVars: map[string]string{
				"ADMIN_JWT_PUBLIC_KEY": "-----BEGIN PUBLIC KEY-----\n...",
				"ADMIN_JWT_ISSUER":     "custom-issuer",
				"ADMIN_JWT_AUDIENCE":   "custom-audience",
			},
			expectAuth:       true,
			expectedIssuer:   "custom-issuer",
			expectedAudience: "custom-audience",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			os.Unsetenv("ADMIN_JWT_PUBLIC_KEY")
			os.Unsetenv("ADMIN_JWT_ISSUER")
			os.Unsetenv("ADMIN_JWT_AUDIENCE")
			for k, v := range tt.envVars {
				os.Setenv(k, v)
			}

			cfg := config.FromEnv()
			if (cfg.Admin.JWTPublicKeyPEM != "") != tt.expectAuth {
				t.Errorf("Expected auth enabled: %v, got key %q", tt.expectAuth, cfg.Admin.JWTPublicKeyPEM)
			}
			if cfg.Admin.JWTIssuer != tt.expectedIssuer {
				t.Errorf("Expected issuer %q, got %q", tt.expectedIssuer, cfg.Admin.JWTIssuer)
			}
			if cfg.Admin.JWTAudience != tt.expectedAudience {
				t.Errorf("Expected audience %q, got %q", tt.expectedAudience, cfg.Admin.JWTAudience)
			}
		})
	}
}

func TestHealthHandlerIntegration(t *testing.T) {
	handler := health.HTTPHandler("herald-ingest", nil)
	if handler == nil {
		t.Fatal("Expected non-nil health handler, got nil")
	}

	req := httptest.NewRequest("GET", "/healthz", nil)
	w := httptest.NewRecorder()
	handler(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200 with nil pool, got %d", w.Code)
	}
}
