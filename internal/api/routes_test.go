package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap/zaptest"

	"github.com/kayuhara/hibiki/server/adapters"
	"github.com/kayuhara/hibiki/server/adapters/bridge"
	"github.com/kayuhara/hibiki/server/domain/entities"
	"github.com/kayuhara/hibiki/server/internal/auth"
	"github.com/kayuhara/hibiki/server/internal/websocket"
)

func newTestAPI(t *testing.T) (*echo.Echo, *auth.TokenService) {
	t.Helper()
	logger := zaptest.NewLogger(t)

	deviceRepo := adapters.NewMemoryDeviceRepository()
	device := &entities.Device{SerialNumber: "HBK-0001", Model: "hibiki-speaker"}
	if err := deviceRepo.Create(context.Background(), device); err != nil {
		t.Fatalf("seed device: %v", err)
	}
	if err := deviceRepo.RegisterDeviceSecret("HBK-0001", "s3cret"); err != nil {
		t.Fatalf("seed secret: %v", err)
	}

	tokens := auth.NewTokenService([]byte("test-secret"), time.Hour)
	hub := websocket.NewHub(bridge.NewScriptedBridge(), tokens, websocket.DefaultConfig(), logger)
	go hub.Run()

	e := echo.New()
	InitRoutes(e, hub, tokens, deviceRepo, logger)
	return e, tokens
}

func TestHealthEndpoint(t *testing.T) {
	e, _ := newTestAPI(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
}

func TestDeviceAuth(t *testing.T) {
	e, tokens := newTestAPI(t)

	body := `{"serial_number":"HBK-0001","secret_key":"s3cret"}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/device/auth", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d: %s", rec.Code, http.StatusOK, rec.Body.String())
	}

	var resp DeviceAuthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Token == "" {
		t.Fatal("response carries no token")
	}

	// The issued token must verify back to the same device.
	deviceID, err := tokens.Verify(resp.Token)
	if err != nil {
		t.Fatalf("Verify() error: %v", err)
	}
	if deviceID != resp.DeviceID {
		t.Errorf("token device = %q, response device = %q", deviceID, resp.DeviceID)
	}
}

func TestDeviceAuthRejectsBadCredentials(t *testing.T) {
	e, _ := newTestAPI(t)

	tests := []struct {
		name string
		body string
		want int
	}{
		{"wrong secret", `{"serial_number":"HBK-0001","secret_key":"wrong"}`, http.StatusUnauthorized},
		{"unknown serial", `{"serial_number":"HBK-9999","secret_key":"s3cret"}`, http.StatusUnauthorized},
		{"missing fields", `{"serial_number":"HBK-0001"}`, http.StatusBadRequest},
		{"malformed body", `{"serial_number":`, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/v1/device/auth", strings.NewReader(tt.body))
			req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
			rec := httptest.NewRecorder()
			e.ServeHTTP(rec, req)

			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}
