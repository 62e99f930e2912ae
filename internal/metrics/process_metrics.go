package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v4/process"
)

// ProcessSample holds CPU and memory figures for the backend process.
type ProcessSample struct {
	PID        int32     `json:"pid"`
	CPUPercent float64   `json:"cpu_percent"`
	MemoryMB   float64   `json:"memory_mb"`
	MemoryRSS  uint64    `json:"memory_rss"`
	MemoryVMS  uint64    `json:"memory_vms"`
	NumThreads int32     `json:"num_threads"`
	NumFDs     int32     `json:"num_fds,omitempty"` // Unix only
	Timestamp  time.Time `json:"timestamp"`
}

// SamplerConfig holds configuration for backend resource sampling.
type SamplerConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	Interval   time.Duration `mapstructure:"interval"`
	MaxHistory int           `mapstructure:"max_history"`
}

// ProcessSampler periodically samples the backend PID handed to it by a
// lookup function. A PID of 0 means there is nothing to sample and clears the
// gauges.
type ProcessSampler struct {
	enabled  bool
	interval time.Duration
	max      int

	mu      sync.RWMutex
	history []ProcessSample
	start   int
	count   int

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	cpuPercent prometheus.Gauge
	memoryRSS  prometheus.Gauge
	numThreads prometheus.Gauge
	numFDs     prometheus.Gauge
}

// NewProcessSampler creates a sampler. Interval defaults to 5s and history to 100.
func NewProcessSampler(cfg SamplerConfig) *ProcessSampler {
	size := cfg.MaxHistory
	if size <= 0 {
		size = 100
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	gauge := func(name, help string) prometheus.Gauge {
		return prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "sidecar",
			Subsystem: "backend",
			Name:      name,
			Help:      help,
		})
	}
	return &ProcessSampler{
		enabled:    cfg.Enabled,
		interval:   interval,
		max:        size,
		history:    make([]ProcessSample, size),
		stopCh:     make(chan struct{}),
		cpuPercent: gauge("cpu_percent", "CPU usage percentage of the backend process."),
		memoryRSS:  gauge("memory_rss_bytes", "Resident memory of the backend process."),
		numThreads: gauge("num_threads", "Number of threads of the backend process."),
		numFDs:     gauge("num_fds", "Number of open file descriptors of the backend process (Unix only)."),
	}
}

// RegisterMetrics registers the sampler gauges with the provided registerer.
func (s *ProcessSampler) RegisterMetrics(r prometheus.Registerer) error {
	if !s.enabled {
		return nil
	}
	cs := []prometheus.Collector{s.cpuPercent, s.memoryRSS, s.numThreads}
	if runtime.GOOS != "windows" {
		cs = append(cs, s.numFDs)
	}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	return nil
}

// Start begins periodic sampling until ctx is done or Stop is called.
func (s *ProcessSampler) Start(ctx context.Context, pid func() int) {
	if !s.enabled {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopCh:
				return
			case <-ticker.C:
				s.SampleOnce(pid())
			}
		}
	}()
}

// Stop stops sampling and waits for the loop to exit.
func (s *ProcessSampler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

// SampleOnce takes one sample of pid and records it. It returns false when
// pid is not sampleable.
func (s *ProcessSampler) SampleOnce(pid int) bool {
	if pid <= 0 {
		s.reset()
		return false
	}
	sample, err := Sample(int32(pid))
	if err != nil {
		slog.Debug("backend sample failed", "pid", pid, "error", err)
		s.reset()
		return false
	}
	s.cpuPercent.Set(sample.CPUPercent)
	s.memoryRSS.Set(float64(sample.MemoryRSS))
	s.numThreads.Set(float64(sample.NumThreads))
	if runtime.GOOS != "windows" {
		s.numFDs.Set(float64(sample.NumFDs))
	}

	s.mu.Lock()
	idx := (s.start + s.count) % s.max
	s.history[idx] = sample
	if s.count < s.max {
		s.count++
	} else {
		s.start = (s.start + 1) % s.max
	}
	s.mu.Unlock()
	return true
}

// Latest returns the most recent sample.
func (s *ProcessSampler) Latest() (ProcessSample, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.count == 0 {
		return ProcessSample{}, false
	}
	return s.history[(s.start+s.count-1)%s.max], true
}

// History returns samples oldest first.
func (s *ProcessSampler) History() []ProcessSample {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ProcessSample, 0, s.count)
	for i := 0; i < s.count; i++ {
		out = append(out, s.history[(s.start+i)%s.max])
	}
	return out
}

func (s *ProcessSampler) reset() {
	s.cpuPercent.Set(0)
	s.memoryRSS.Set(0)
	s.numThreads.Set(0)
	s.numFDs.Set(0)
}

// Sample reads CPU and memory figures for pid.
func Sample(pid int32) (ProcessSample, error) {
	proc, err := process.NewProcess(pid)
	if err != nil {
		return ProcessSample{}, fmt.Errorf("failed to create process handle: %w", err)
	}
	memInfo, err := proc.MemoryInfo()
	if err != nil {
		return ProcessSample{}, fmt.Errorf("failed to get memory info: %w", err)
	}
	// CPUPercent needs a previous call for an accurate figure; 0 is fine here.
	cpu, err := proc.CPUPercent()
	if err != nil {
		cpu = 0
	}
	threads, err := proc.NumThreads()
	if err != nil {
		threads = 0
	}
	sample := ProcessSample{
		PID:        pid,
		CPUPercent: cpu,
		MemoryMB:   float64(memInfo.RSS) / 1024 / 1024,
		MemoryRSS:  memInfo.RSS,
		MemoryVMS:  memInfo.VMS,
		NumThreads: threads,
		Timestamp:  time.Now(),
	}
	if runtime.GOOS != "windows" {
		if fds, err := proc.NumFDs(); err == nil {
			sample.NumFDs = fds
		}
	}
	return sample, nil
}
