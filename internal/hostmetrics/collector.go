package hostmetrics

import (
	"context"
	"fmt"
	"net/netip"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	gocpu "github.com/shirou/gopsutil/v4/cpu"
	godisk "github.com/shirou/gopsutil/v4/disk"
	gohost "github.com/shirou/gopsutil/v4/host"
	gomem "github.com/shirou/gopsutil/v4/mem"
	gonet "github.com/shirou/gopsutil/v4/net"

	"github.com/rcourtman/pulse-netmon/internal/usage"
	"github.com/rcourtman/pulse-netmon/pkg/agents/netmon"
)

// System call wrappers for testing
var (
	cpuPercent     = gocpu.PercentWithContext
	virtualMemory  = gomem.VirtualMemoryWithContext
	diskUsage      = godisk.UsageWithContext
	hostInfo       = gohost.InfoWithContext
	netInterfaces  = gonet.InterfacesWithContext
	netIOCounters  = gonet.IOCountersWithContext
	netConnections = gonet.ConnectionsWithContext
)

const (
	statusEstablished = "ESTABLISHED"

	defaultPollTimeout    = 5 * time.Second
	defaultSystemInterval = 30 * time.Second
)

// Endpoint is the remote side of an established connection.
type Endpoint struct {
	RemoteIP   string
	RemotePort uint32
}

// Sample is everything observed during one polling tick.
type Sample struct {
	Taken      time.Time
	Counters   usage.Counters
	Endpoints  []Endpoint
	System     *netmon.SystemInfo   // nil when not refreshed this tick
	Processes  []netmon.ProcessInfo // refreshed with System
	FileEvents []netmon.FileEvent
}

// RemoteIPs returns one address per established connection.
func (s Sample) RemoteIPs() []string {
	ips := make([]string, 0, len(s.Endpoints))
	for _, ep := range s.Endpoints {
		ips = append(ips, ep.RemoteIP)
	}
	return ips
}

// FileEventSource yields file events queued since the previous call.
type FileEventSource interface {
	Drain() []netmon.FileEvent
}

// Config controls what each poll gathers.
type Config struct {
	// FileEvents is optional; nil disables file event collection.
	FileEvents FileEventSource
	// SystemInterval is how often host metrics are refreshed. Zero uses 30s.
	SystemInterval time.Duration
	// DiskPath is the mount point reported in system info. Empty uses the root volume.
	DiskPath string
	// MaxProcesses bounds the process list. Zero uses 25; negative disables it.
	MaxProcesses int
	PollTimeout  time.Duration
	Logger       *zerolog.Logger
}

// Collector samples interface counters and connections from the OS.
type Collector struct {
	files          FileEventSource
	systemInterval time.Duration
	diskPath       string
	maxProcesses   int
	pollTimeout    time.Duration
	logger         zerolog.Logger
	now            func() time.Time

	mu             sync.Mutex
	lastSystem     time.Time
	connWarningLog bool
}

// NewCollector constructs a Collector.
func NewCollector(cfg Config) *Collector {
	logger := zerolog.Nop()
	if cfg.Logger != nil {
		logger = cfg.Logger.With().Str("component", "collector").Logger()
	}
	interval := cfg.SystemInterval
	if interval <= 0 {
		interval = defaultSystemInterval
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = defaultPollTimeout
	}
	diskPath := cfg.DiskPath
	if diskPath == "" {
		diskPath = defaultDiskPath()
	}
	maxProcesses := cfg.MaxProcesses
	if maxProcesses == 0 {
		maxProcesses = defaultMaxProcesses
	}
	return &Collector{
		files:          cfg.FileEvents,
		systemInterval: interval,
		diskPath:       diskPath,
		maxProcesses:   maxProcesses,
		pollTimeout:    timeout,
		logger:         logger,
		now:            time.Now,
	}
}

// Poll takes one sample. Only a failure to read interface counters is an
// error; missing connection or host data degrades the sample.
func (c *Collector) Poll(ctx context.Context) (Sample, error) {
	pollCtx, cancel := context.WithTimeout(ctx, c.pollTimeout)
	defer cancel()

	sample := Sample{Taken: c.now()}

	counters, err := collectCounters(pollCtx)
	if err != nil {
		return Sample{}, fmt.Errorf("interface counters: %w", err)
	}
	sample.Counters = counters

	endpoints, err := collectEndpoints(pollCtx)
	if err != nil {
		c.warnConnectionsOnce(err)
	}
	sample.Endpoints = endpoints

	if c.systemDue(sample.Taken) {
		sample.System = c.collectSystem(pollCtx)
		if c.maxProcesses > 0 {
			sample.Processes = c.collectProcesses(pollCtx)
		}
	}

	if c.files != nil {
		sample.FileEvents = c.files.Drain()
	}
	return sample, nil
}

func (c *Collector) warnConnectionsOnce(err error) {
	c.mu.Lock()
	first := !c.connWarningLog
	c.connWarningLog = true
	c.mu.Unlock()

	if first {
		c.logger.Warn().Err(err).Msg("Cannot list connections, traffic will be reported as system activity")
		return
	}
	c.logger.Debug().Err(err).Msg("Connection listing failed")
}

func (c *Collector) systemDue(now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lastSystem.IsZero() || now.Sub(c.lastSystem) >= c.systemInterval {
		c.lastSystem = now
		return true
	}
	return false
}

func collectCounters(ctx context.Context) (usage.Counters, error) {
	stats, err := netIOCounters(ctx, true)
	if err != nil {
		return usage.Counters{}, err
	}

	var counters usage.Counters
	for _, stat := range stats {
		if isLoopbackName(stat.Name) {
			continue
		}
		counters.BytesSent += stat.BytesSent
		counters.BytesRecv += stat.BytesRecv
	}
	return counters, nil
}

func collectEndpoints(ctx context.Context) ([]Endpoint, error) {
	conns, err := netConnections(ctx, "inet")
	if err != nil {
		return nil, err
	}

	endpoints := make([]Endpoint, 0, len(conns))
	for _, conn := range conns {
		if !strings.EqualFold(conn.Status, statusEstablished) {
			continue
		}
		ip := strings.TrimSpace(conn.Raddr.IP)
		if ip == "" {
			continue
		}
		endpoints = append(endpoints, Endpoint{RemoteIP: ip, RemotePort: conn.Raddr.Port})
	}
	return endpoints, nil
}

func (c *Collector) collectSystem(ctx context.Context) *netmon.SystemInfo {
	info := &netmon.SystemInfo{}

	if hi, err := hostInfo(ctx); err == nil && hi != nil {
		info.OS = strings.TrimSpace(hi.OS)
		info.Platform = normalisePlatform(hi.Platform)
		info.OSVersion = strings.TrimSpace(hi.PlatformVersion)
		info.KernelVersion = strings.TrimSpace(hi.KernelVersion)
		info.UptimeSeconds = hi.Uptime
	} else if err != nil {
		c.logger.Debug().Err(err).Msg("Failed to read host info")
	}
	if info.OS == "" {
		info.OS = runtime.GOOS
	}

	if percentages, err := cpuPercent(ctx, 0, false); err == nil && len(percentages) > 0 {
		info.CPUUsagePercent = clampPercent(percentages[0])
	}

	if mem, err := virtualMemory(ctx); err == nil && mem != nil {
		info.MemoryTotalBytes = mem.Total
		info.MemoryUsedBytes = mem.Used
		info.MemoryUsagePercent = clampPercent(mem.UsedPercent)
	}

	if disk, err := diskUsage(ctx, c.diskPath); err == nil && disk != nil {
		info.DiskTotalBytes = disk.Total
		info.DiskUsedBytes = disk.Used
		info.DiskUsagePercent = clampPercent(disk.UsedPercent)
	}

	info.IPAddress = primaryAddress(ctx)
	return info
}

// primaryAddress returns the first non-loopback IPv4 address, falling back to IPv6.
func primaryAddress(ctx context.Context) string {
	ifaces, err := netInterfaces(ctx)
	if err != nil {
		return ""
	}
	sort.Slice(ifaces, func(i, j int) bool { return ifaces[i].Name < ifaces[j].Name })

	var v6 string
	for _, iface := range ifaces {
		if isLoopback(iface.Flags) || isLoopbackName(iface.Name) {
			continue
		}
		for _, addr := range iface.Addrs {
			prefix, err := netip.ParsePrefix(addr.Addr)
			if err != nil {
				continue
			}
			ip := prefix.Addr()
			if ip.IsLoopback() || ip.IsLinkLocalUnicast() {
				continue
			}
			if ip.Is4() {
				return ip.String()
			}
			if v6 == "" {
				v6 = ip.String()
			}
		}
	}
	return v6
}

func clampPercent(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

func normalisePlatform(platform string) string {
	platform = strings.ToLower(strings.TrimSpace(platform))
	switch platform {
	case "darwin":
		return "macos"
	default:
		return platform
	}
}

func isLoopback(flags []string) bool {
	for _, flag := range flags {
		if strings.EqualFold(flag, "loopback") {
			return true
		}
	}
	return false
}

func isLoopbackName(name string) bool {
	name = strings.ToLower(name)
	return name == "lo" || strings.HasPrefix(name, "lo0") || strings.Contains(name, "loopback")
}

func defaultDiskPath() string {
	if runtime.GOOS == "windows" {
		return `C:\`
	}
	return "/"
}
