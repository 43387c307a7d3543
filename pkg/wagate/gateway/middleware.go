package gateway

import (
	"bytes"
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"strings"
)

const (
	headerMasterKey = "X-MASTER-KEY"
	headerAPIKey    = "X-API-KEY"

	// multipartMemory is the part of a multipart body kept in memory; the
	// rest spills to temporary files.
	multipartMemory = 8 << 20
)

type ctxKey int

const bodyFieldsKey ctxKey = iota

// compareTokens performs timing-safe comparison by hashing both inputs with
// SHA-256 before calling ConstantTimeCompare to prevent length-based leakage.
func compareTokens(a, b string) bool {
	ha := sha256.Sum256([]byte(a))
	hb := sha256.Sum256([]byte(b))
	return subtle.ConstantTimeCompare(ha[:], hb[:]) == 1
}

// bodyLimitMiddleware caps every request body at server.max_body_mb.
func (g *Gateway) bodyLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, g.maxBody)
		}
		next.ServeHTTP(w, r)
	})
}

// masterKeyMiddleware requires the master key on every /api route. The key
// is read from the X-MASTER-KEY header, then from a body field of the same
// name.
func (g *Gateway) masterKeyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/api/") {
			next.ServeHTTP(w, r)
			return
		}
		if g.config.MasterKey == "" {
			g.logger.Error("master key is not configured, rejecting request", "path", r.URL.Path)
			g.writeError(w, "server configuration error", http.StatusInternalServerError)
			return
		}

		r, err := withBodyFields(r)
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				g.writeError(w, "request body too large", http.StatusRequestEntityTooLarge)
				return
			}
			g.writeError(w, "malformed request body", http.StatusBadRequest)
			return
		}

		key := requestField(r, headerMasterKey)
		if key == "" || !compareTokens(key, g.config.MasterKey) {
			g.writeError(w, "unauthorized: missing or invalid master key", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// corsMiddleware adds CORS headers when origins are configured.
func (g *Gateway) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(g.config.CORSOrigins) == 0 {
			next.ServeHTTP(w, r)
			return
		}
		origin := r.Header.Get("Origin")
		allowed := false
		for _, o := range g.config.CORSOrigins {
			if o == "*" || o == origin {
				allowed = true
				break
			}
		}
		if allowed {
			if origin == "" {
				origin = g.config.CORSOrigins[0]
			}
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-MASTER-KEY, X-API-KEY")
			w.Header().Set("Access-Control-Max-Age", "86400")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// withBodyFields extracts the credential fields a client may place in the
// request body and stores them in the request context. JSON bodies are
// restored so handlers can decode them again; form bodies stay parsed on
// the request.
func withBodyFields(r *http.Request) (*http.Request, error) {
	if r.Body == nil || r.Method == http.MethodGet || r.Method == http.MethodHead {
		return r, nil
	}

	fields := make(map[string]string, 2)
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))

	switch mediaType {
	case "application/json":
		data, err := io.ReadAll(r.Body)
		if err != nil {
			return r, err
		}
		r.Body = io.NopCloser(bytes.NewReader(data))
		if len(bytes.TrimSpace(data)) == 0 {
			return r, nil
		}
		var raw map[string]any
		if err := json.Unmarshal(data, &raw); err != nil {
			// Handlers report malformed JSON with their own message.
			return r, nil
		}
		for _, name := range []string{headerMasterKey, headerAPIKey} {
			if v, ok := raw[name].(string); ok {
				fields[name] = v
			}
		}

	case "multipart/form-data":
		if err := r.ParseMultipartForm(multipartMemory); err != nil {
			return r, err
		}
		for _, name := range []string{headerMasterKey, headerAPIKey} {
			if v := r.MultipartForm.Value[name]; len(v) > 0 {
				fields[name] = v[0]
			}
		}

	case "application/x-www-form-urlencoded":
		if err := r.ParseForm(); err != nil {
			return r, err
		}
		for _, name := range []string{headerMasterKey, headerAPIKey} {
			if v := r.PostForm.Get(name); v != "" {
				fields[name] = v
			}
		}
	}

	return r.WithContext(context.WithValue(r.Context(), bodyFieldsKey, fields)), nil
}

// requestField returns the named header, falling back to the body field of
// the same name.
func requestField(r *http.Request, name string) string {
	if v := r.Header.Get(name); v != "" {
		return v
	}
	if fields, ok := r.Context().Value(bodyFieldsKey).(map[string]string); ok {
		return fields[name]
	}
	return ""
}

// sessionID resolves the tenant of a request: X-API-KEY header, X-API-KEY
// body field, the session query parameter, then the configured default.
func (g *Gateway) sessionID(r *http.Request) string {
	if id := requestField(r, headerAPIKey); id != "" {
		return id
	}
	if id := r.URL.Query().Get("session"); id != "" {
		return id
	}
	return g.config.DefaultSession
}
