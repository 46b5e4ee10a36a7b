package netmon

import (
	"math"
	"time"
)

// Batch is the payload posted to the collector's telemetry logs endpoint.
// It is also the unit stored in the agent's durable cache.
type Batch struct {
	AgentID         string        `json:"agentId"`
	Hostname        string        `json:"hostname"`
	AgentVersion    string        `json:"agentVersion"`
	Timestamp       time.Time     `json:"timestamp"`
	TotalUploadMB   float64       `json:"totalUploadMB"`
	TotalDownloadMB float64       `json:"totalDownloadMB"`
	Websites        []Website     `json:"websites"`
	SystemInfo      *SystemInfo   `json:"systemInfo,omitempty"`
	Processes       []ProcessInfo `json:"processes,omitempty"`
	FileEvents      []FileEvent   `json:"fileEvents,omitempty"`
}

// Website is the per-service usage attributed during one accumulation window.
type Website struct {
	Domain       string  `json:"domain"`
	DataUsedMB   float64 `json:"dataUsedMB"`
	UploadMB     float64 `json:"uploadMB"`
	DownloadMB   float64 `json:"downloadMB"`
	RequestCount int     `json:"requestCount"`
}

// SystemInfo is the most recent host snapshot taken during the window.
type SystemInfo struct {
	OS                 string  `json:"os,omitempty"`
	OSVersion          string  `json:"osVersion,omitempty"`
	Platform           string  `json:"platform,omitempty"`
	KernelVersion      string  `json:"kernelVersion,omitempty"`
	IPAddress          string  `json:"ipAddress,omitempty"`
	UptimeSeconds      uint64  `json:"uptimeSeconds,omitempty"`
	CPUUsagePercent    float64 `json:"cpuUsagePercent"`
	MemoryTotalBytes   uint64  `json:"memoryTotalBytes,omitempty"`
	MemoryUsedBytes    uint64  `json:"memoryUsedBytes,omitempty"`
	MemoryUsagePercent float64 `json:"memoryUsagePercent"`
	DiskTotalBytes     uint64  `json:"diskTotalBytes,omitempty"`
	DiskUsedBytes      uint64  `json:"diskUsedBytes,omitempty"`
	DiskUsagePercent   float64 `json:"diskUsagePercent"`
}

// ProcessInfo is one entry of the host's busiest processes. CreateTime is in
// Unix seconds.
type ProcessInfo struct {
	PID        int32   `json:"pid"`
	Name       string  `json:"name"`
	User       string  `json:"user,omitempty"`
	Exe        string  `json:"exe,omitempty"`
	Cmdline    string  `json:"cmdline,omitempty"`
	CPUPercent float64 `json:"cpuPercent"`
	MemoryMB   float64 `json:"memoryMB"`
	CreateTime int64   `json:"createTime,omitempty"`
	Status     string  `json:"status,omitempty"`
}

// FileEvent describes a change observed in a watched directory.
type FileEvent struct {
	Path      string    `json:"path"`
	Operation string    `json:"operation"` // "create", "modify", "delete" or "rename"
	FileType  string    `json:"fileType"`
	Size      int64     `json:"size"`
	Timestamp time.Time `json:"timestamp"`
}

// Heartbeat is the liveness ping body.
type Heartbeat struct {
	AgentID      string    `json:"agentId"`
	Hostname     string    `json:"hostname"`
	AgentVersion string    `json:"agentVersion"`
	Timestamp    time.Time `json:"timestamp"`
	CacheSize    int       `json:"cacheSize"`
	State        string    `json:"state,omitempty"`
}

// RoundMB rounds a megabyte figure to two decimal places for the wire format.
func RoundMB(v float64) float64 {
	return math.Round(v*100) / 100
}
