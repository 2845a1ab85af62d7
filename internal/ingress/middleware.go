package ingress

import "net/http"

// SecurityHeadersMiddleware strips version-revealing headers and sets a
// generic Server header, adapted from its identical middleware
// in internal/server/middleware.go.
func SecurityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		wrapper := &headerRemovalWriter{ResponseWriter: w}
		next.ServeHTTP(wrapper, r)
		if !wrapper.headerWritten {
			wrapper.writeSecurityHeaders()
		}
	})
}

type headerRemovalWriter struct {
	http.ResponseWriter
	headerWritten bool
}

func (w *headerRemovalWriter) WriteHeader(statusCode int) {
	w.writeSecurityHeaders()
	w.ResponseWriter.WriteHeader(statusCode)
}

func (w *headerRemovalWriter) Write(b []byte) (int, error) {
	if !w.headerWritten {
		w.writeSecurityHeaders()
	}
	return w.ResponseWriter.Write(b)
}

func (w *headerRemovalWriter) writeSecurityHeaders() {
	if w.headerWritten {
		return
	}
	w.headerWritten = true

	h := w.ResponseWriter.Header()
	h.Del("Server")
	h.Del("X-Powered-By")
	h.Set("Server", "exchange")
}

func (w *headerRemovalWriter) Flush() {
	if flusher, ok := w.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}
