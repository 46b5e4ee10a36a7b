package hostmetrics

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	godisk "github.com/shirou/gopsutil/v4/disk"
	gohost "github.com/shirou/gopsutil/v4/host"
	gomem "github.com/shirou/gopsutil/v4/mem"
	gonet "github.com/shirou/gopsutil/v4/net"

	"github.com/rcourtman/pulse-netmon/internal/usage"
	"github.com/rcourtman/pulse-netmon/pkg/agents/netmon"
)

type fakeFileSource struct {
	events []netmon.FileEvent
	calls  int
}

func (f *fakeFileSource) Drain() []netmon.FileEvent {
	f.calls++
	out := f.events
	f.events = nil
	return out
}

func stubSystemCalls(t *testing.T) {
	t.Helper()

	origCPUPercent := cpuPercent
	origVirtualMemory := virtualMemory
	origDiskUsage := diskUsage
	origHostInfo := hostInfo
	origNetInterfaces := netInterfaces
	origNetIOCounters := netIOCounters
	origNetConnections := netConnections
	origListProcesses := listProcesses

	cpuPercent = func(ctx context.Context, interval time.Duration, percpu bool) ([]float64, error) {
		return []float64{12.5}, nil
	}
	virtualMemory = func(ctx context.Context) (*gomem.VirtualMemoryStat, error) {
		return &gomem.VirtualMemoryStat{Total: 8 << 30, Used: 2 << 30, UsedPercent: 25}, nil
	}
	diskUsage = func(ctx context.Context, path string) (*godisk.UsageStat, error) {
		return &godisk.UsageStat{Path: path, Total: 100 << 30, Used: 40 << 30, UsedPercent: 40}, nil
	}
	hostInfo = func(ctx context.Context) (*gohost.InfoStat, error) {
		return &gohost.InfoStat{
			Hostname:        "desk-01",
			OS:              "linux",
			Platform:        "Ubuntu",
			PlatformVersion: "24.04",
			KernelVersion:   "6.8.0",
			Uptime:          3600,
		}, nil
	}
	netInterfaces = func(ctx context.Context) (gonet.InterfaceStatList, error) {
		return gonet.InterfaceStatList{
			{Name: "lo", Flags: []string{"up", "loopback"}, Addrs: []gonet.InterfaceAddr{{Addr: "127.0.0.1/8"}}},
			{Name: "wlan0", Flags: []string{"up"}, Addrs: []gonet.InterfaceAddr{{Addr: "fe80::1/64"}, {Addr: "192.168.1.42/24"}}},
		}, nil
	}
	netIOCounters = func(ctx context.Context, pernic bool) ([]gonet.IOCountersStat, error) {
		return []gonet.IOCountersStat{
			{Name: "lo", BytesSent: 999, BytesRecv: 999},
			{Name: "eth0", BytesSent: 100, BytesRecv: 200},
			{Name: "wlan0", BytesSent: 1000, BytesRecv: 2000},
		}, nil
	}
	netConnections = func(ctx context.Context, kind string) ([]gonet.ConnectionStat, error) {
		return []gonet.ConnectionStat{
			{Status: "ESTABLISHED", Raddr: gonet.Addr{IP: "142.250.72.14", Port: 443}},
			{Status: "LISTEN", Laddr: gonet.Addr{IP: "0.0.0.0", Port: 22}},
			{Status: "ESTABLISHED", Raddr: gonet.Addr{IP: "10.0.0.8", Port: 5432}},
			{Status: "TIME_WAIT", Raddr: gonet.Addr{IP: "31.13.71.36", Port: 443}},
			{Status: "ESTABLISHED", Raddr: gonet.Addr{IP: "", Port: 0}},
		}, nil
	}

	listProcesses = func(ctx context.Context) ([]netmon.ProcessInfo, error) {
		return []netmon.ProcessInfo{
			{PID: 1, Name: "systemd", User: "root", CPUPercent: 0.1, MemoryMB: 12.3456, Status: "sleep"},
			{PID: 4242, Name: "firefox", User: "u", Exe: "/usr/bin/firefox", Cmdline: "/usr/bin/firefox -P work", CPUPercent: 37.46, MemoryMB: 812.004, CreateTime: 1767225600, Status: "running"},
			{PID: 900, Name: "sshd", User: "root", CPUPercent: 0.1, MemoryMB: 40, Status: "sleep"},
		}, nil
	}

	t.Cleanup(func() {
		cpuPercent = origCPUPercent
		virtualMemory = origVirtualMemory
		diskUsage = origDiskUsage
		hostInfo = origHostInfo
		netInterfaces = origNetInterfaces
		netIOCounters = origNetIOCounters
		netConnections = origNetConnections
		listProcesses = origListProcesses
	})
}

func TestPollCollectsCountersAndEndpoints(t *testing.T) {
	stubSystemCalls(t)
	files := &fakeFileSource{events: []netmon.FileEvent{{Path: "/home/u/a.pdf", Operation: "create", FileType: "pdf"}}}
	c := NewCollector(Config{FileEvents: files, DiskPath: "/data"})

	sample, err := c.Poll(context.Background())
	require.NoError(t, err)

	assert.Equal(t, usage.Counters{BytesSent: 1100, BytesRecv: 2200}, sample.Counters, "loopback excluded")
	assert.Equal(t, []Endpoint{{RemoteIP: "142.250.72.14", RemotePort: 443}, {RemoteIP: "10.0.0.8", RemotePort: 5432}}, sample.Endpoints)
	assert.Equal(t, []string{"142.250.72.14", "10.0.0.8"}, sample.RemoteIPs())
	assert.Len(t, sample.FileEvents, 1)
	assert.False(t, sample.Taken.IsZero())

	require.NotNil(t, sample.System)
	assert.Equal(t, netmon.SystemInfo{
		OS:                 "linux",
		OSVersion:          "24.04",
		Platform:           "ubuntu",
		KernelVersion:      "6.8.0",
		IPAddress:          "192.168.1.42",
		UptimeSeconds:      3600,
		CPUUsagePercent:    12.5,
		MemoryTotalBytes:   8 << 30,
		MemoryUsedBytes:    2 << 30,
		MemoryUsagePercent: 25,
		DiskTotalBytes:     100 << 30,
		DiskUsedBytes:      40 << 30,
		DiskUsagePercent:   40,
	}, *sample.System)
}

func TestPollRefreshesSystemInfoOnInterval(t *testing.T) {
	stubSystemCalls(t)
	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	c := NewCollector(Config{SystemInterval: time.Minute})
	c.now = func() time.Time { return now }

	first, err := c.Poll(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, first.System)

	now = now.Add(30 * time.Second)
	second, err := c.Poll(context.Background())
	require.NoError(t, err)
	assert.Nil(t, second.System)

	now = now.Add(31 * time.Second)
	third, err := c.Poll(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, third.System)
}

func TestPollCounterFailureIsError(t *testing.T) {
	stubSystemCalls(t)
	netIOCounters = func(ctx context.Context, pernic bool) ([]gonet.IOCountersStat, error) {
		return nil, errors.New("permission denied")
	}

	_, err := NewCollector(Config{}).Poll(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "interface counters")
}

func TestPollConnectionFailureDegrades(t *testing.T) {
	stubSystemCalls(t)
	netConnections = func(ctx context.Context, kind string) ([]gonet.ConnectionStat, error) {
		return nil, errors.New("operation not permitted")
	}

	c := NewCollector(Config{})
	for i := 0; i < 2; i++ {
		sample, err := c.Poll(context.Background())
		require.NoError(t, err)
		assert.Empty(t, sample.Endpoints)
		assert.Equal(t, uint64(1100), sample.Counters.BytesSent)
	}
}

func TestPollHostInfoFailureFallsBack(t *testing.T) {
	stubSystemCalls(t)
	hostInfo = func(ctx context.Context) (*gohost.InfoStat, error) {
		return nil, errors.New("unavailable")
	}
	netInterfaces = func(ctx context.Context) (gonet.InterfaceStatList, error) {
		return gonet.InterfaceStatList{
			{Name: "eth0", Flags: []string{"up"}, Addrs: []gonet.InterfaceAddr{{Addr: "2001:db8::5/64"}}},
		}, nil
	}

	sample, err := NewCollector(Config{}).Poll(context.Background())
	require.NoError(t, err)
	require.NotNil(t, sample.System)
	assert.NotEmpty(t, sample.System.OS)
	assert.Equal(t, "2001:db8::5", sample.System.IPAddress)
}

func TestClampPercent(t *testing.T) {
	assert.Equal(t, 0.0, clampPercent(-3))
	assert.Equal(t, 100.0, clampPercent(140))
	assert.Equal(t, 42.0, clampPercent(42))
}

func TestNormalisePlatform(t *testing.T) {
	assert.Equal(t, "macos", normalisePlatform("Darwin"))
	assert.Equal(t, "debian", normalisePlatform(" debian "))
}

func TestPollAttachesTopProcessesWithSystemInfo(t *testing.T) {
	stubSystemCalls(t)
	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	c := NewCollector(Config{SystemInterval: time.Minute, MaxProcesses: 2})
	c.now = func() time.Time { return now }

	first, err := c.Poll(context.Background())
	require.NoError(t, err)
	require.Len(t, first.Processes, 2)
	assert.Equal(t, netmon.ProcessInfo{
		PID:        4242,
		Name:       "firefox",
		User:       "u",
		Exe:        "/usr/bin/firefox",
		Cmdline:    "/usr/bin/firefox -P work",
		CPUPercent: 37.5,
		MemoryMB:   812,
		CreateTime: 1767225600,
		Status:     "running",
	}, first.Processes[0])
	assert.Equal(t, "sshd", first.Processes[1].Name, "ties broken by memory")

	now = now.Add(10 * time.Second)
	second, err := c.Poll(context.Background())
	require.NoError(t, err)
	assert.Nil(t, second.Processes, "refreshed only with system info")
}

func TestPollProcessListingFailureDegrades(t *testing.T) {
	stubSystemCalls(t)
	listProcesses = func(ctx context.Context) ([]netmon.ProcessInfo, error) {
		return nil, errors.New("permission denied")
	}

	sample, err := NewCollector(Config{}).Poll(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, sample.System)
	assert.Empty(t, sample.Processes)
}

func TestProcessListDisabled(t *testing.T) {
	stubSystemCalls(t)
	called := false
	listProcesses = func(ctx context.Context) ([]netmon.ProcessInfo, error) {
		called = true
		return nil, nil
	}

	sample, err := NewCollector(Config{MaxProcesses: -1}).Poll(context.Background())
	require.NoError(t, err)
	assert.False(t, called)
	assert.Nil(t, sample.Processes)
}

func TestTopProcessesDoesNotMutateInput(t *testing.T) {
	in := []netmon.ProcessInfo{{PID: 2, CPUPercent: 1.26}, {PID: 1, CPUPercent: 5}}
	out := topProcesses(in, 0)
	require.Len(t, out, 2)
	assert.Equal(t, int32(1), out[0].PID)
	assert.Equal(t, 1.3, out[1].CPUPercent)
	assert.Equal(t, 1.26, in[0].CPUPercent)
}
