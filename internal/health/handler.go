package health

import (
	"context"
	"net/http"
	"runtime"
	"time"

	"simtrade/internal/httputil"
	"simtrade/internal/marketdata"
)

// Pinger is satisfied by *pgxpool.Pool.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Handler struct {
	db        Pinger
	snapshots *marketdata.SnapshotStore
	bus       *marketdata.Bus
	startedAt time.Time
	driver    string
}

func NewHandler(db Pinger, snapshots *marketdata.SnapshotStore, bus *marketdata.Bus, driver string, startedAt time.Time) *Handler {
	if startedAt.IsZero() {
		startedAt = time.Now()
	}
	return &Handler{db: db, snapshots: snapshots, bus: bus, driver: driver, startedAt: startedAt.UTC()}
}

type healthResponse struct {
	Status    string        `json:"status"`
	Timestamp string        `json:"timestamp"`
	UptimeSec int64         `json:"uptime_sec"`
	Store     storeStats    `json:"store"`
	Snapshots snapshotStats `json:"snapshots"`
	Runtime   runtimeStats  `json:"runtime"`
}

type storeStats struct {
	Driver    string `json:"driver"`
	OK        bool   `json:"ok"`
	LatencyMs int64  `json:"latency_ms"`
	Error     string `json:"error,omitempty"`
}

type snapshotStats struct {
	Count     int    `json:"count"`
	UpdatedAt string `json:"updated_at,omitempty"`
	AsOf      string `json:"as_of,omitempty"`
	AgeSec    int64  `json:"age_sec"`
}

type runtimeStats struct {
	GoVersion     string `json:"go_version"`
	Goroutines    int    `json:"goroutines"`
	WSSubscribers int    `json:"ws_subscribers"`
	WSDropped     int64  `json:"ws_dropped"`
}

// ServeHTTP answers 200 while the store is reachable and 503 otherwise.
// Missing snapshots only show up in the body.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	now := time.Now().UTC()
	resp := healthResponse{
		Status:    "ok",
		Timestamp: now.Format(time.RFC3339),
		UptimeSec: int64(now.Sub(h.startedAt).Seconds()),
		Store:     storeStats{Driver: h.driver, OK: true},
		Runtime: runtimeStats{
			GoVersion:  runtime.Version(),
			Goroutines: runtime.NumGoroutine(),
		},
	}
	if h.db != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		started := time.Now()
		err := h.db.Ping(ctx)
		cancel()
		resp.Store.LatencyMs = time.Since(started).Milliseconds()
		if err != nil {
			resp.Status = "degraded"
			resp.Store.OK = false
			resp.Store.Error = err.Error()
		}
	}
	if h.snapshots != nil {
		resp.Snapshots.Count = h.snapshots.Len()
		if at := h.snapshots.UpdatedAt(); !at.IsZero() {
			resp.Snapshots.UpdatedAt = at.UTC().Format(time.RFC3339)
		}
		// age follows the quotes, not the last refresh
		if asOf := h.snapshots.AsOf(); !asOf.IsZero() {
			resp.Snapshots.AsOf = asOf.UTC().Format(time.RFC3339)
			resp.Snapshots.AgeSec = int64(now.Sub(asOf).Seconds())
		}
	}
	if h.bus != nil {
		resp.Runtime.WSSubscribers = h.bus.Subscribers()
		resp.Runtime.WSDropped = h.bus.Dropped()
	}
	status := http.StatusOK
	if !resp.Store.OK {
		status = http.StatusServiceUnavailable
	}
	httputil.WriteJSON(w, status, resp)
}
