// Package stats implements per-subtask resource metering: a sampler
// captures CPU, RSS, load and disk I/O for every level of the running
// subtask stack, with hierarchical sum and peak aggregation.
package stats

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/caracal-pipeline/stimela/utils/config"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/process"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"
)

// Sample is one resource measurement
type Sample struct {
	CPUPercent float64 `yaml:"cpu_percent"`
	RSSMB      float64 `yaml:"rss_mb"`
	Load1      float64 `yaml:"load_1m"`
	ReadMB     float64 `yaml:"read_mb"`
	WriteMB    float64 `yaml:"write_mb"`
	Elapsed    float64 `yaml:"elapsed_s"`
}

func (s *Sample) add(other Sample) {
	s.CPUPercent += other.CPUPercent
	s.RSSMB += other.RSSMB
	s.Load1 += other.Load1
	s.ReadMB += other.ReadMB
	s.WriteMB += other.WriteMB
	s.Elapsed += other.Elapsed
}

func (s *Sample) peak(other Sample) {
	if other.CPUPercent > s.CPUPercent {
		s.CPUPercent = other.CPUPercent
	}
	if other.RSSMB > s.RSSMB {
		s.RSSMB = other.RSSMB
	}
	if other.Load1 > s.Load1 {
		s.Load1 = other.Load1
	}
	if other.ReadMB > s.ReadMB {
		s.ReadMB = other.ReadMB
	}
	if other.WriteMB > s.WriteMB {
		s.WriteMB = other.WriteMB
	}
	if other.Elapsed > s.Elapsed {
		s.Elapsed = other.Elapsed
	}
}

// Entry accumulates samples for one subtask
type Entry struct {
	Sum        Sample  `yaml:"sum"`
	Peak       Sample  `yaml:"peak"`
	NumSamples int     `yaml:"num_samples"`
	Extra      map[string]float64 `yaml:"extra,omitempty"`
}

// StatusReporter supplies backend-specific metrics folded into each sample
type StatusReporter func() map[string]float64

// Collector owns the subtask stack and the sampling loop
type Collector struct {
	mu       sync.Mutex
	stack    []string
	entries  map[string]*Entry
	order    []string
	reporter StatusReporter

	proc      *process.Process
	lastRead  uint64
	lastWrite uint64

	stop chan struct{}
	done chan struct{}
}

// NewCollector returns a collector rooted at the given task name
func NewCollector(root string) *Collector {
	proc, _ := process.NewProcess(int32(os.Getpid()))
	c := &Collector{
		entries: map[string]*Entry{},
		proc:    proc,
	}
	c.Push(root)
	return c
}

// SetStatusReporter attaches a backend-specific metrics plug-in
func (c *Collector) SetStatusReporter(reporter StatusReporter) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reporter = reporter
}

// Push enters a subtask: subsequent samples are attributed to every level
// of the stack
func (c *Collector) Push(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	full := name
	if len(c.stack) > 0 {
		full = c.stack[len(c.stack)-1] + "." + name
	}
	c.stack = append(c.stack, full)
	if _, ok := c.entries[full]; !ok {
		c.entries[full] = &Entry{}
		c.order = append(c.order, full)
	}
}

// Pop leaves the current subtask
func (c *Collector) Pop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.stack) > 1 {
		c.stack = c.stack[:len(c.stack)-1]
	}
}

// Current returns the dotted name of the current subtask
func (c *Collector) Current() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.stack) == 0 {
		return ""
	}
	return c.stack[len(c.stack)-1]
}

// Start launches the sampling loop at the given interval
func (c *Collector) Start(interval time.Duration) {
	if interval <= 0 {
		interval = time.Second
	}
	c.stop = make(chan struct{})
	c.done = make(chan struct{})
	go func() {
		defer close(c.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-c.stop:
				return
			case <-ticker.C:
				c.sample(interval)
			}
		}
	}()
}

// Stop terminates the sampling loop
func (c *Collector) Stop() {
	if c.stop == nil {
		return
	}
	close(c.stop)
	<-c.done
	c.stop = nil
}

func (c *Collector) sample(interval time.Duration) {
	s := Sample{Elapsed: interval.Seconds()}
	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		s.CPUPercent = percents[0]
	}
	if c.proc != nil {
		if mem, err := c.proc.MemoryInfo(); err == nil && mem != nil {
			s.RSSMB = float64(mem.RSS) / (1024 * 1024)
		}
	}
	if avg, err := load.Avg(); err == nil && avg != nil {
		s.Load1 = avg.Load1
	}
	if counters, err := disk.IOCounters(); err == nil {
		var read, write uint64
		for _, counter := range counters {
			read += counter.ReadBytes
			write += counter.WriteBytes
		}
		if c.lastRead > 0 {
			s.ReadMB = float64(read-c.lastRead) / (1024 * 1024)
			s.WriteMB = float64(write-c.lastWrite) / (1024 * 1024)
		}
		c.lastRead, c.lastWrite = read, write
	}

	var extra map[string]float64
	c.mu.Lock()
	if c.reporter != nil {
		reporter := c.reporter
		c.mu.Unlock()
		extra = reporter()
		c.mu.Lock()
	}
	for _, name := range c.stack {
		entry := c.entries[name]
		entry.Sum.add(s)
		entry.Peak.peak(s)
		entry.NumSamples++
		if extra != nil {
			if entry.Extra == nil {
				entry.Extra = map[string]float64{}
			}
			for key, value := range extra {
				entry.Extra[key] += value
			}
		}
	}
	c.mu.Unlock()
}

// MergeChild folds a child collector's entries (e.g. from a scatter
// worker) into this one: each child entry is added to the entry of the
// same name, which is created if missing. The entries of this
// collector's own stack levels are not updated.
func (c *Collector) MergeChild(child *Collector) {
	child.mu.Lock()
	entries := make(map[string]*Entry, len(child.entries))
	order := append([]string(nil), child.order...)
	for name, entry := range child.entries {
		copied := *entry
		entries[name] = &copied
	}
	child.mu.Unlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, name := range order {
		entry := entries[name]
		mine, ok := c.entries[name]
		if !ok {
			mine = &Entry{}
			c.entries[name] = mine
			c.order = append(c.order, name)
		}
		mine.Sum.add(entry.Sum)
		mine.Peak.peak(entry.Peak)
		mine.NumSamples += entry.NumSamples
	}
}

// Entries returns a copy of all accumulated entries, keyed by subtask name
func (c *Collector) Entries() map[string]Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]Entry, len(c.entries))
	for name, entry := range c.entries {
		out[name] = *entry
	}
	return out
}

// WriteYAML serialises the stats in machine-readable form
func (c *Collector) WriteYAML(path string) error {
	c.mu.Lock()
	ordered := make(map[string]*Entry, len(c.entries))
	for name, entry := range c.entries {
		ordered[name] = entry
	}
	c.mu.Unlock()
	data, err := yaml.Marshal(ordered)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// RenderTable renders a fixed-width human-readable stats table
func (c *Collector) RenderTable() string {
	c.mu.Lock()
	names := append([]string(nil), c.order...)
	entries := make(map[string]Entry, len(c.entries))
	for name, entry := range c.entries {
		entries[name] = *entry
	}
	c.mu.Unlock()

	width := 100
	if w, _, err := term.GetSize(int(os.Stdout.Fd())); err == nil && w > 40 {
		width = w
	}
	nameWidth := width - 58
	if nameWidth < 20 {
		nameWidth = 20
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%-*s %9s %9s %9s %9s %9s %7s\n", nameWidth, "task",
		"cpu%", "peak cpu%", "rss MB", "read MB", "write MB", "time s")
	for _, name := range names {
		entry := entries[name]
		display := name
		if len(display) > nameWidth {
			display = "…" + display[len(display)-nameWidth+1:]
		}
		avgCPU := 0.0
		if entry.NumSamples > 0 {
			avgCPU = entry.Sum.CPUPercent / float64(entry.NumSamples)
		}
		fmt.Fprintf(&b, "%-*s %9.1f %9.1f %9.1f %9.1f %9.1f %7.1f\n", nameWidth, display,
			avgCPU, entry.Peak.CPUPercent, entry.Peak.RSSMB,
			entry.Sum.ReadMB, entry.Sum.WriteMB, entry.Sum.Elapsed)
	}
	return b.String()
}

// LogSummary reports the stats table through the verbose log
func (c *Collector) LogSummary() {
	for _, line := range strings.Split(strings.TrimRight(c.RenderTable(), "\n"), "\n") {
		config.VerboseLog("%s", line)
	}
}
