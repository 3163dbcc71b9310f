package httpkit

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestCORS(t *testing.T) {
	h := CORS(CORSOptions{AllowedOrigins: []string{" http://localhost:5173 ", ""}})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	tests := []struct {
		name       string
		method     string
		origin     string
		wantStatus int
		wantAllow  string
	}{
		{"allowed origin", "GET", "http://localhost:5173", http.StatusTeapot, "http://localhost:5173"},
		{"other origin", "GET", "http://evil.test", http.StatusTeapot, ""},
		{"preflight", "OPTIONS", "http://localhost:5173", http.StatusNoContent, "http://localhost:5173"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, "/renders", nil)
			req.Header.Set("Origin", tt.origin)
			rec := httptest.NewRecorder()

			h.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Errorf("expected status %d, got %d", tt.wantStatus, rec.Code)
			}
			if got := rec.Header().Get("Access-Control-Allow-Origin"); got != tt.wantAllow {
				t.Errorf("expected allow origin %q, got %q", tt.wantAllow, got)
			}
			if tt.wantAllow != "" && rec.Header().Get("Access-Control-Max-Age") != "600" {
				t.Errorf("expected default max age, got %q", rec.Header().Get("Access-Control-Max-Age"))
			}
		})
	}
}

func TestSplitCSV(t *testing.T) {
	got := SplitCSV(" a, ,b ,")
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Errorf("unexpected split %q", got)
	}
}

func TestDecodeJSON(t *testing.T) {
	var v struct {
		Frames string `json:"frames"`
	}

	req := httptest.NewRequest("POST", "/renders", strings.NewReader(`{"frames":"1-5"}`))
	if err := DecodeJSON(req, &v); err != nil || v.Frames != "1-5" {
		t.Fatalf("decode failed: %v %+v", err, v)
	}

	req = httptest.NewRequest("POST", "/renders", strings.NewReader(``))
	if err := DecodeJSON(req, &v); err != nil {
		t.Errorf("empty body should be accepted, got %v", err)
	}

	req = httptest.NewRequest("POST", "/renders", strings.NewReader(`{"bogus":1}`))
	if err := DecodeJSON(req, &v); err == nil {
		t.Error("expected unknown field to be rejected")
	}
}
