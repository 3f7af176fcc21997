package transport

import (
	"bytes"
	"io"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/signoff/internal/idempotency"
	"github.com/pitabwire/signoff/internal/observability"
	"github.com/pitabwire/signoff/model"
)

const (
	idempotencyKeyHeader = "X-Idempotency-Key"
	replayHeader         = "X-Idempotent-Replay"
	maxBodyBytes         = 1 << 20
)

// ReplayMetrics counts responses served from the idempotency store.
type ReplayMetrics interface {
	RecordIdempotentReplay()
}

// Idempotent returns middleware that replays the recorded response when a
// client retries a request with the same X-Idempotency-Key. Reusing a key
// with a different request is a CONFLICT. Requests without the header pass
// through untouched. 5xx responses are not recorded so the client may retry.
//
// A store outage degrades to normal processing; the workflow version check
// still stops a retried action from applying twice.
func Idempotent(store idempotency.Store, ttl time.Duration, metrics ReplayMetrics, fallback *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if store == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			clientKey := r.Header.Get(idempotencyKeyHeader)
			if clientKey == "" {
				next.ServeHTTP(w, r)
				return
			}
			rctx := model.RequestContextFrom(r.Context())
			if rctx == nil {
				WriteError(w, model.NewUnauthorizedError("missing request context"))
				return
			}
			logger := observability.LoggerFrom(r.Context(), fallback)

			body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
			if err != nil {
				WriteError(w, model.NewBadRequestError("request body too large or unreadable"))
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))

			key := idempotency.FormatKey(rctx.SubjectID, clientKey)
			hash := idempotency.HashRequest(r.Method, r.URL.Path, body)

			recorded, found, err := store.Check(r.Context(), key, hash)
			switch {
			case model.HasCode(err, model.ErrConflict):
				WriteError(w, err)
				return
			case err != nil:
				logger.Warn("idempotency check failed, processing request", zap.Error(err))
			case found:
				if metrics != nil {
					metrics.RecordIdempotentReplay()
				}
				logger.Debug("idempotent replay", zap.String("idempotency_key", clientKey))
				writeRecorded(w, recorded)
				return
			}

			rec := &recordingWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)

			if rec.status >= 500 {
				return
			}
			resp := idempotency.Response{
				Status:      rec.status,
				ContentType: rec.Header().Get("Content-Type"),
				Body:        rec.body.Bytes(),
			}
			if err := store.Save(r.Context(), key, hash, resp, ttl); err != nil {
				logger.Warn("idempotency save failed", zap.Error(err))
			}
		})
	}
}

func writeRecorded(w http.ResponseWriter, resp *idempotency.Response) {
	if resp.ContentType != "" {
		w.Header().Set("Content-Type", resp.ContentType)
	}
	w.Header().Set(replayHeader, strconv.FormatBool(true))
	w.WriteHeader(resp.Status)
	w.Write(resp.Body)
}

// recordingWriter tees the response so it can be stored after the handler
// returns.
type recordingWriter struct {
	http.ResponseWriter
	status  int
	written bool
	body    bytes.Buffer
}

func (w *recordingWriter) WriteHeader(code int) {
	if !w.written {
		w.status = code
		w.written = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *recordingWriter) Write(b []byte) (int, error) {
	w.written = true
	w.body.Write(b)
	return w.ResponseWriter.Write(b)
}
