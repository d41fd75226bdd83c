package gateway

import (
	"encoding/json"
	"net"
	"net/http"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/bigocheck/gateway/internal/errors"
)

// maxCodeChars bounds the submitted snippet.
const maxCodeChars = 50000

// AnalyzeRequest is the body of POST /analyze.
type AnalyzeRequest struct {
	Code     string `json:"code"`
	Filename string `json:"filename,omitempty"`
	Language string `json:"language,omitempty"`
}

// knownLanguages is the language enum the product accepts.
var knownLanguages = map[string]bool{
	"python":     true,
	"javascript": true,
	"typescript": true,
	"go":         true,
	"java":       true,
	"c":          true,
	"cpp":        true,
	"csharp":     true,
	"ruby":       true,
	"rust":       true,
	"php":        true,
	"swift":      true,
	"kotlin":     true,
}

// extensionLanguages maps file extensions to the language enum.
var extensionLanguages = map[string]string{
	".py":    "python",
	".js":    "javascript",
	".jsx":   "javascript",
	".ts":    "typescript",
	".tsx":   "typescript",
	".go":    "go",
	".java":  "java",
	".c":     "c",
	".h":     "c",
	".cc":    "cpp",
	".cpp":   "cpp",
	".cxx":   "cpp",
	".hpp":   "cpp",
	".cs":    "csharp",
	".rb":    "ruby",
	".rs":    "rust",
	".php":   "php",
	".swift": "swift",
	".kt":    "kotlin",
}

// detectLanguage infers the language enum from a filename extension.
func detectLanguage(filename string) string {
	return extensionLanguages[strings.ToLower(filepath.Ext(filename))]
}

// parseAnalyzeRequest decodes and validates the request body. When no
// language is given, one is inferred from the filename if possible.
func parseAnalyzeRequest(r *http.Request) (*AnalyzeRequest, *errors.APIError) {
	var req AnalyzeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return nil, errors.ErrBadRequest.WithDetails("invalid JSON body")
	}

	n := utf8.RuneCountInString(req.Code)
	if n == 0 {
		return nil, errors.ErrBadRequest.WithDetails("code must not be empty")
	}
	if n > maxCodeChars {
		return nil, errors.ErrBadRequest.WithDetails("code exceeds 50000 characters")
	}

	if req.Language != "" {
		if !knownLanguages[strings.ToLower(req.Language)] {
			return nil, errors.ErrBadRequest.WithDetails("unsupported language: " + req.Language)
		}
		req.Language = strings.ToLower(req.Language)
	} else if req.Filename != "" {
		req.Language = detectLanguage(req.Filename)
	}

	return &req, nil
}

// clientIdentity derives the quota identity for a request: the first
// X-Forwarded-For hop when present, otherwise the peer address.
func clientIdentity(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if idx := strings.IndexByte(xff, ','); idx >= 0 {
			xff = xff[:idx]
		}
		if ip := strings.TrimSpace(xff); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
