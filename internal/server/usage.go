package server

import (
	"context"
	"net/http"
	"strconv"
)

type usageContextKey struct{}

// UsageInfo describes what serving a turn cost. Handlers fill it in and
// UsageHeadersMiddleware writes it as x-autonomic-* response headers.
type UsageInfo struct {
	ConfigID    string
	Version     int
	LatencyMs   float64
	CostUSD     float64
	AuditQueued bool
}

type usageSlot struct {
	info *UsageInfo
}

// SetUsage records usage for the current response. It is a no-op outside
// UsageHeadersMiddleware or after the headers were written.
func SetUsage(ctx context.Context, info *UsageInfo) {
	if slot, ok := ctx.Value(usageContextKey{}).(*usageSlot); ok {
		slot.info = info
	}
}

// GetUsage returns the usage recorded for the current response, or nil.
func GetUsage(ctx context.Context) *UsageInfo {
	if slot, ok := ctx.Value(usageContextKey{}).(*usageSlot); ok {
		return slot.info
	}
	return nil
}

// UsageHeadersMiddleware writes recorded usage as headers just before the
// status line goes out.
func UsageHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		slot := &usageSlot{}
		ctx := context.WithValue(r.Context(), usageContextKey{}, slot)
		next.ServeHTTP(&usageResponseWriter{ResponseWriter: w, slot: slot}, r.WithContext(ctx))
	})
}

type usageResponseWriter struct {
	http.ResponseWriter
	slot         *usageSlot
	wroteHeaders bool
}

func (rw *usageResponseWriter) WriteHeader(code int) {
	rw.writeUsageHeaders()
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *usageResponseWriter) Write(b []byte) (int, error) {
	rw.writeUsageHeaders()
	return rw.ResponseWriter.Write(b)
}

func (rw *usageResponseWriter) writeUsageHeaders() {
	if rw.wroteHeaders {
		return
	}
	rw.wroteHeaders = true

	u := rw.slot.info
	if u == nil {
		return
	}
	h := rw.Header()
	if u.ConfigID != "" {
		h.Set("x-autonomic-config-id", u.ConfigID)
		h.Set("x-autonomic-version", strconv.Itoa(u.Version))
	}
	h.Set("x-autonomic-cost-usd", strconv.FormatFloat(u.CostUSD, 'f', 6, 64))
	h.Set("x-autonomic-latency-ms", strconv.FormatFloat(u.LatencyMs, 'f', 0, 64))
	h.Set("x-autonomic-audit-queued", strconv.FormatBool(u.AuditQueued))
}

func (rw *usageResponseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
