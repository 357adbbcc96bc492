package tokens

import (
	"net/http/httptest"
	"testing"
)

func TestCanonicalize(t *testing.T) {
	tests := []struct {
		name     string
		resource string
		want     string
		wantErr  bool
	}{
		{"bare path", "https://h/mcp", "https://h/mcp", false},
		{"trailing slash", "https://h/mcp/", "https://h/mcp", false},
		{"nested path", "https://h/mcp/anything/nested", "https://h/mcp", false},
		{"no path", "https://h", "https://h", false},
		{"root path only", "https://h/", "https://h", false},
		{"port preserved", "http://localhost:8080/mcp/x", "http://localhost:8080/mcp", false},
		{"relative", "/mcp", "", true},
		{"empty", "", "", true},
		{"no scheme", "h/mcp", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Canonicalize(tt.resource)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Canonicalize(%q) error = %v, wantErr %v", tt.resource, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("Canonicalize(%q) = %q, want %q", tt.resource, got, tt.want)
			}
		})
	}
}

func TestExpectedResource(t *testing.T) {
	tests := []struct {
		name   string
		target string
		proto  string
		want   string
	}{
		{"plain http", "http://gw.example.com/mcp", "", "http://gw.example.com/mcp"},
		{"nested path", "http://gw.example.com/mcp/tools/list", "", "http://gw.example.com/mcp"},
		{"forwarded proto", "http://gw.example.com/mcp", "https", "https://gw.example.com/mcp"},
		{"root", "http://gw.example.com/", "", "http://gw.example.com"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("POST", tt.target, nil)
			if tt.proto != "" {
				r.Header.Set("X-Forwarded-Proto", tt.proto)
			}
			if got := ExpectedResource(r); got != tt.want {
				t.Errorf("ExpectedResource() = %q, want %q", got, tt.want)
			}
		})
	}
}
