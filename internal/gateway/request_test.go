package gateway

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func parseBody(body string) (*AnalyzeRequest, error) {
	req := httptest.NewRequest(http.MethodPost, "/analyze", bytes.NewReader([]byte(body)))
	parsed, apiErr := parseAnalyzeRequest(req)
	if apiErr != nil {
		return nil, apiErr
	}
	return parsed, nil
}

func TestParseAnalyzeRequest(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		wantErr  bool
		wantLang string
	}{
		{"minimal", `{"code":"x = 1"}`, false, ""},
		{"explicit language", `{"code":"x = 1","language":"python"}`, false, "python"},
		{"language normalized", `{"code":"x = 1","language":"Python"}`, false, "python"},
		{"inferred from filename", `{"code":"x = 1","filename":"main.go"}`, false, "go"},
		{"explicit wins over filename", `{"code":"x","language":"ruby","filename":"main.go"}`, false, "ruby"},
		{"unknown extension", `{"code":"x","filename":"data.csv"}`, false, ""},
		{"invalid json", `{"code"`, true, ""},
		{"missing code", `{}`, true, ""},
		{"empty code", `{"code":""}`, true, ""},
		{"unknown language", `{"code":"x","language":"brainfuck"}`, true, ""},
		{"code at limit", `{"code":"` + strings.Repeat("a", 50000) + `"}`, false, ""},
		{"code over limit", `{"code":"` + strings.Repeat("a", 50001) + `"}`, true, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			parsed, err := parseBody(tt.body)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if parsed.Language != tt.wantLang {
				t.Errorf("language = %q, want %q", parsed.Language, tt.wantLang)
			}
		})
	}
}

func TestCodeLimitCountsRunesNotBytes(t *testing.T) {
	// 50000 multibyte runes are well over 50000 bytes but still within limit.
	parsed, err := parseBody(`{"code":"` + strings.Repeat("世", 50000) + `"}`)
	if err != nil {
		t.Fatal(err)
	}
	if len(parsed.Code) <= 50000 {
		t.Fatal("test expects a multibyte payload")
	}
}

func TestDetectLanguage(t *testing.T) {
	tests := []struct {
		filename string
		want     string
	}{
		{"main.py", "python"},
		{"app.tsx", "typescript"},
		{"server.go", "go"},
		{"lib.RS", "rust"},
		{"vector.hpp", "cpp"},
		{"Makefile", ""},
		{"", ""},
	}
	for _, tt := range tests {
		if got := detectLanguage(tt.filename); got != tt.want {
			t.Errorf("detectLanguage(%q) = %q, want %q", tt.filename, got, tt.want)
		}
	}
}

func TestClientIdentity(t *testing.T) {
	tests := []struct {
		name       string
		remoteAddr string
		xff        string
		want       string
	}{
		{"peer address", "192.0.2.7:1234", "", "192.0.2.7"},
		{"forwarded single", "10.0.0.1:1234", "203.0.113.9", "203.0.113.9"},
		{"forwarded chain uses first hop", "10.0.0.1:1234", "203.0.113.9, 10.0.0.2, 10.0.0.3", "203.0.113.9"},
		{"forwarded with spaces", "10.0.0.1:1234", "  203.0.113.9  ", "203.0.113.9"},
		{"empty forwarded falls back", "192.0.2.7:1234", "", "192.0.2.7"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodPost, "/analyze", nil)
			r.RemoteAddr = tt.remoteAddr
			if tt.xff != "" {
				r.Header.Set("X-Forwarded-For", tt.xff)
			}
			if got := clientIdentity(r); got != tt.want {
				t.Errorf("clientIdentity() = %q, want %q", got, tt.want)
			}
		})
	}
}
