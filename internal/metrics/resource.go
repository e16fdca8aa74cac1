package metrics

import (
	"log/slog"
	"sync"
	"time"

	gopsproc "github.com/shirou/gopsutil/v4/process"
)

// DefaultSampleInterval is how often the companion's resources are sampled.
const DefaultSampleInterval = 10 * time.Second

// ResourceSample holds one CPU/memory observation of the companion process.
type ResourceSample struct {
	PID        int32     `json:"pid"`
	CPUPercent float64   `json:"cpu_percent"`
	MemoryMB   float64   `json:"memory_mb"`
	MemoryRSS  uint64    `json:"memory_rss"`
	NumThreads int32     `json:"num_threads"`
	Timestamp  time.Time `json:"timestamp"`
}

// ResourceSampler periodically samples the companion process and feeds the
// resource gauges. A zero PID pauses sampling until the next SetPID.
type ResourceSampler struct {
	Name     string
	Interval time.Duration
	Logger   *slog.Logger

	mu       sync.Mutex
	pid      int32
	last     ResourceSample
	haveLast bool
	stopCh   chan struct{}
	stopOnce sync.Once
	started  bool
}

func NewResourceSampler(name string, interval time.Duration) *ResourceSampler {
	if interval <= 0 {
		interval = DefaultSampleInterval
	}
	return &ResourceSampler{
		Name:     name,
		Interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// SetPID points the sampler at the current companion process. Zero clears it.
func (s *ResourceSampler) SetPID(pid int) {
	s.mu.Lock()
	s.pid = int32(pid) // #nosec G115 -- PIDs fit in int32 on supported platforms
	if pid == 0 {
		s.haveLast = false
	}
	s.mu.Unlock()
	if pid == 0 {
		SetCompanionResources(s.Name, 0, 0)
	}
}

// Last returns the most recent sample, if any.
func (s *ResourceSampler) Last() (ResourceSample, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last, s.haveLast
}

// Start launches the sampling loop. It is a no-op when called twice.
func (s *ResourceSampler) Start() {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()

	go func() {
		ticker := time.NewTicker(s.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-s.stopCh:
				return
			case <-ticker.C:
				s.sampleOnce()
			}
		}
	}()
}

// Stop terminates the sampling loop. Idempotent.
func (s *ResourceSampler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

func (s *ResourceSampler) sampleOnce() {
	s.mu.Lock()
	pid := s.pid
	s.mu.Unlock()
	if pid <= 0 {
		return
	}

	p, err := gopsproc.NewProcess(pid)
	if err != nil {
		return
	}
	sample := ResourceSample{PID: pid, Timestamp: time.Now()}
	if cpu, err := p.CPUPercent(); err == nil {
		sample.CPUPercent = cpu
	}
	if mem, err := p.MemoryInfo(); err == nil && mem != nil {
		sample.MemoryRSS = mem.RSS
		sample.MemoryMB = float64(mem.RSS) / (1024 * 1024)
	}
	if threads, err := p.NumThreads(); err == nil {
		sample.NumThreads = threads
	}

	s.mu.Lock()
	// The companion may have been swapped while the sample was taken.
	if s.pid != pid {
		s.mu.Unlock()
		return
	}
	s.last = sample
	s.haveLast = true
	s.mu.Unlock()

	SetCompanionResources(s.Name, sample.CPUPercent, sample.MemoryRSS)
	if s.Logger != nil {
		s.Logger.Debug("companion resources sampled",
			"pid", pid, "cpu_percent", sample.CPUPercent, "memory_mb", sample.MemoryMB)
	}
}
