package middleware

import (
	"net/http"
	"strings"
)

// SecurityHeaders applies the standard response hardening set. HSTS is only
// meaningful behind TLS; the CSP applies to HTML responses, which this API
// serves only for the buyer console shell.
func SecurityHeaders(hsts bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := w.Header()
			header.Set("X-Content-Type-Options", "nosniff")
			header.Set("Referrer-Policy", "no-referrer")
			header.Set("X-Frame-Options", "DENY")
			header.Set("Permissions-Policy", "camera=(), microphone=(), geolocation=()")
			if hsts {
				header.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
			}
			next.ServeHTTP(&cspWriter{ResponseWriter: w}, r)
		})
	}
}

// cspWriter attaches the CSP once the content type is known to be HTML.
type cspWriter struct {
	http.ResponseWriter
	wrote bool
}

func (w *cspWriter) WriteHeader(status int) {
	if !w.wrote {
		w.wrote = true
		if strings.HasPrefix(w.Header().Get("Content-Type"), "text/html") {
			w.Header().Set("Content-Security-Policy",
				"default-src 'self'; frame-ancestors 'none'; base-uri 'none'")
		}
	}
	w.ResponseWriter.WriteHeader(status)
}

func (w *cspWriter) Write(p []byte) (int, error) {
	if !w.wrote {
		w.WriteHeader(http.StatusOK)
	}
	return w.ResponseWriter.Write(p)
}
