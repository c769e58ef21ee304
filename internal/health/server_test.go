package health

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/cryptonote-labs/cn-pool/internal/config"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func probe(t *testing.T, checks Checks, path string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	s := NewServer(&config.HealthConfig{Enabled: true, Bind: "127.0.0.1:0"}, checks)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", path, nil)
	s.router().ServeHTTP(w, req)

	var body map[string]interface{}
	json.Unmarshal(w.Body.Bytes(), &body)
	return w, body
}

func TestHealthz(t *testing.T) {
	w, body := probe(t, Checks{}, "/healthz")
	if w.Code != http.StatusOK {
		t.Errorf("healthz status = %d, want 200", w.Code)
	}
	if body["status"] != "ok" {
		t.Errorf("healthz body = %v", body)
	}
}

func TestReadyz(t *testing.T) {
	tests := []struct {
		name     string
		daemon   bool
		template bool
		want     int
	}{
		{"ready", true, true, http.StatusOK},
		{"daemon down", false, true, http.StatusServiceUnavailable},
		{"no template", true, false, http.StatusServiceUnavailable},
		{"all down", false, false, http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, body := probe(t, Checks{
				DaemonHealthy: func() bool { return tt.daemon },
				HasTemplate:   func() bool { return tt.template },
				SessionCount:  func() int { return 5 },
			}, "/readyz")

			if w.Code != tt.want {
				t.Errorf("readyz status = %d, want %d", w.Code, tt.want)
			}
			if body["daemon"] != tt.daemon {
				t.Errorf("daemon field = %v, want %v", body["daemon"], tt.daemon)
			}
			if body["sessions"] != float64(5) {
				t.Errorf("sessions field = %v, want 5", body["sessions"])
			}
		})
	}
}

func TestReadyzWithoutChecks(t *testing.T) {
	w, _ := probe(t, Checks{}, "/readyz")
	if w.Code != http.StatusOK {
		t.Errorf("readyz without checks = %d, want 200", w.Code)
	}
}

func TestDisabledServer(t *testing.T) {
	s := NewServer(&config.HealthConfig{Enabled: false}, Checks{})
	if err := s.Start(); err != nil {
		t.Errorf("disabled Start error = %v", err)
	}
	s.Stop()
}
