package api

import (
	"net/http"
	"runtime"
	"time"

	"github.com/nerrad567/fleet-relay/internal/device"
)

// SystemStatus is the GET /api/v1/status response.
type SystemStatus struct {
	Timestamp     string         `json:"timestamp"`
	Version       string         `json:"version"`
	UptimeSeconds int64          `json:"uptime_seconds"`
	Runtime       RuntimeMetrics `json:"runtime"`
	Broker        BrokerMetrics  `json:"broker"`
	Commands      CommandMetrics `json:"commands"`
	Viewers       ViewerMetrics  `json:"viewers"`
	Devices       *DeviceCounts  `json:"devices,omitempty"`
}

// RuntimeMetrics contains Go runtime statistics.
type RuntimeMetrics struct {
	Goroutines    int     `json:"goroutines"`
	MemoryAllocMB float64 `json:"memory_alloc_mb"`
	MemoryTotalMB float64 `json:"memory_total_mb"`
	NumGC         uint32  `json:"num_gc"`
}

// BrokerMetrics contains broker link state.
type BrokerMetrics struct {
	Connected bool `json:"connected"`
}

// CommandMetrics contains outbound queue state.
type CommandMetrics struct {
	QueueDepth int `json:"queue_depth"`
}

// ViewerMetrics contains realtime gateway statistics.
type ViewerMetrics struct {
	Connected int `json:"connected"`
}

// DeviceCounts breaks the fleet down by connectivity.
type DeviceCounts struct {
	Total   int `json:"total"`
	Online  int `json:"online"`
	Offline int `json:"offline"`
}

// handleStatus returns a runtime snapshot of the relay.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	status := SystemStatus{
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		Version:       s.version,
		UptimeSeconds: int64(time.Since(s.started).Seconds()),
		Runtime: RuntimeMetrics{
			Goroutines:    runtime.NumGoroutine(),
			MemoryAllocMB: float64(memStats.Alloc) / 1024 / 1024,
			MemoryTotalMB: float64(memStats.TotalAlloc) / 1024 / 1024,
			NumGC:         memStats.NumGC,
		},
		Commands: CommandMetrics{QueueDepth: s.commands.QueueDepth()},
	}
	if s.broker != nil {
		status.Broker.Connected = s.broker.IsConnected()
	}
	if s.realtime != nil {
		status.Viewers.Connected = s.realtime.ClientCount()
	}

	devices, err := s.devices.List(r.Context())
	if err != nil {
		s.logger.Warn("status: listing devices failed", "error", err)
	} else {
		counts := &DeviceCounts{Total: len(devices)}
		for _, d := range devices {
			if d.Status == device.StatusOnline {
				counts.Online++
			} else {
				counts.Offline++
			}
		}
		status.Devices = counts
	}

	writeJSON(w, http.StatusOK, status)
}
