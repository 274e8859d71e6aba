package scimhub

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/provisor/scimhub/logging"
	"github.com/provisor/scimhub/store"
)

// slowRequestThreshold is the duration past which a completed request is
// logged at WARN instead of its status-derived level.
const slowRequestThreshold = 2000 * time.Millisecond

// responseCapture wraps http.ResponseWriter to capture the status code and
// a bounded copy of the response body for the audit trail.
type responseCapture struct {
	http.ResponseWriter
	statusCode int
	written    bool
	body       bytes.Buffer
	bodyLimit  int
	bodyTotal  int
}

func (rw *responseCapture) WriteHeader(code int) {
	if !rw.written {
		rw.statusCode = code
		rw.written = true
		rw.ResponseWriter.WriteHeader(code)
	}
}

func (rw *responseCapture) Write(b []byte) (int, error) {
	if !rw.written {
		rw.WriteHeader(http.StatusOK)
	}
	rw.bodyTotal += len(b)
	if rw.bodyLimit > 0 && rw.body.Len() < rw.bodyLimit {
		rw.body.Write(b[:min(len(b), rw.bodyLimit-rw.body.Len())])
	}
	return rw.ResponseWriter.Write(b)
}

// capturedBody returns the bounded response copy, marking how much was
// dropped when the body outgrew the capture limit.
func (rw *responseCapture) capturedBody() string {
	captured := rw.body.String()
	if rw.bodyTotal > len(captured) {
		captured += fmt.Sprintf(" [truncated %dB]", rw.bodyTotal)
	}
	return captured
}

// requestMiddleware is the outermost layer of both planes: it mints or
// reuses the X-Request-Id, binds the correlation context, recovers panics,
// logs the completed request, and feeds the audit writer.
func (s *Service) requestMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-Id")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", requestID)

		rc := &logging.RequestContext{
			RequestID: requestID,
			Method:    r.Method,
			Path:      r.URL.Path,
			Start:     time.Now(),
		}
		ctx := logging.WithRequest(r.Context(), rc)
		r = r.WithContext(ctx)

		captureBytes := 0
		if s.reqWriter != nil {
			captureBytes = s.cfg.RequestLog.CaptureBytes
		}

		var requestBody string
		if captureBytes > 0 && r.Body != nil && r.Method != http.MethodGet {
			raw, err := io.ReadAll(r.Body)
			if err == nil {
				requestBody = logging.Truncate(string(raw), captureBytes)
				r.Body = io.NopCloser(bytes.NewReader(raw))
			}
		}

		wrapped := &responseCapture{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
			bodyLimit:      captureBytes,
		}

		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error(ctx, logging.CategoryHTTP, "panic recovered", nil, map[string]any{
					"panic": rec,
				})
				if !wrapped.written {
					http.Error(wrapped, "internal server error", http.StatusInternalServerError)
				}
			}

			duration := time.Since(rc.Start)
			data := map[string]any{
				"status":     wrapped.statusCode,
				"durationMs": duration.Milliseconds(),
				"remoteAddr": r.RemoteAddr,
			}
			switch {
			case duration >= slowRequestThreshold:
				data["thresholdMs"] = slowRequestThreshold.Milliseconds()
				s.logger.Warn(ctx, logging.CategoryHTTP, "slow request", data)
			case wrapped.statusCode >= 500:
				s.logger.Error(ctx, logging.CategoryHTTP, "request failed", nil, data)
			case wrapped.statusCode >= 400:
				s.logger.Warn(ctx, logging.CategoryHTTP, "request rejected", data)
			default:
				s.logger.Info(ctx, logging.CategoryHTTP, "request completed", data)
			}

			if s.reqWriter != nil {
				url := r.URL.Path
				if r.URL.RawQuery != "" {
					url += "?" + r.URL.RawQuery
				}
				s.reqWriter.Enqueue(store.RequestLog{
					EndpointID:   rc.EndpointID,
					RequestID:    requestID,
					Method:       r.Method,
					URL:          url,
					Status:       wrapped.statusCode,
					DurationMs:   duration.Milliseconds(),
					Identifier:   rc.ClientID,
					RequestBody:  requestBody,
					ResponseBody: wrapped.capturedBody(),
					Created:      time.Now().UTC(),
				})
			}
		}()

		next.ServeHTTP(wrapped, r)
	})
}
