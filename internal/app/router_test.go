package app

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"rbs.io/buffer/internal/api/handlers"
	"rbs.io/buffer/internal/config"
	"rbs.io/buffer/internal/repository"
)

func TestBuildCORSConfig(t *testing.T) {
	tests := []struct {
		name           string
		server         config.ServerConfig
		wantAllowAll   bool
		wantCredential bool
		wantOrigins    []string
	}{
		{
			name:           "empty allowlist falls back to local consoles",
			server:         config.ServerConfig{AllowCredentials: true},
			wantCredential: true,
			wantOrigins:    defaultAllowedOrigins,
		},
		{
			name:           "wildcard stripped without unsafe flag",
			server:         config.ServerConfig{AllowedOrigins: []string{"*", "https://ops.example.com"}, AllowCredentials: true},
			wantCredential: true,
			wantOrigins:    []string{"https://ops.example.com"},
		},
		{
			name:         "unsafe allow-all drops credentials",
			server:       config.ServerConfig{AllowedOrigins: []string{"*"}, AllowCredentials: true, UnsafeAllowAllOrigins: true},
			wantAllowAll: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := buildCORSConfig(&config.Config{Server: tt.server})
			if got.AllowAllOrigins != tt.wantAllowAll {
				t.Errorf("AllowAllOrigins = %v, want %v", got.AllowAllOrigins, tt.wantAllowAll)
			}
			if got.AllowCredentials != tt.wantCredential {
				t.Errorf("AllowCredentials = %v, want %v", got.AllowCredentials, tt.wantCredential)
			}
			if len(got.AllowOrigins) != len(tt.wantOrigins) {
				t.Fatalf("AllowOrigins = %#v, want %#v", got.AllowOrigins, tt.wantOrigins)
			}
			for i := range tt.wantOrigins {
				if got.AllowOrigins[i] != tt.wantOrigins[i] {
					t.Errorf("AllowOrigins[%d] = %q, want %q", i, got.AllowOrigins[i], tt.wantOrigins[i])
				}
			}
		})
	}
}

func TestNewRouter_Routes(t *testing.T) {
	gin.SetMode(gin.TestMode)
	store := repository.NewMemoryStore()
	server := handlers.NewServer(handlers.ServerDeps{Store: store, Resources: store})
	router := newRouter(&config.Config{}, server, promhttp.Handler())

	tests := []struct {
		method, path string
		want         int
	}{
		{http.MethodGet, "/health/live", http.StatusOK},
		{http.MethodGet, "/health/ready", http.StatusOK},
		{http.MethodGet, "/metrics", http.StatusOK},
		{http.MethodGet, "/log/level", http.StatusOK},
		{http.MethodGet, "/api/v1/nothing-here", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			w := httptest.NewRecorder()
			router.ServeHTTP(w, httptest.NewRequest(tt.method, tt.path, nil))
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d", w.Code, tt.want)
			}
		})
	}
}

func TestNewRouter_Preflight(t *testing.T) {
	gin.SetMode(gin.TestMode)
	store := repository.NewMemoryStore()
	router := newRouter(&config.Config{}, handlers.NewServer(handlers.ServerDeps{Store: store}), promhttp.Handler())

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/pools", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", http.MethodGet)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:3000" {
		t.Errorf("Access-Control-Allow-Origin = %q, want http://localhost:3000", got)
	}
}
