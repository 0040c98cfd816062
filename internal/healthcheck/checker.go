package healthcheck

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Reports whether a dependency is reachable
type Probe func(ctx context.Context) error

// Periodically probes the dependencies the admission path relies on
type Checker struct {
	mu           sync.RWMutex
	probes       map[string]Probe
	healthStatus map[string]*Status
	interval     time.Duration
	timeout      time.Duration
	maxFailures  int
	logger       *slog.Logger
	now          func() time.Time
	stopChan     chan struct{}
	wg           sync.WaitGroup
	running      bool
}

// Holds health checker configuration
type Config struct {
	Probes      map[string]Probe
	Interval    time.Duration // How often to check (default: 10s)
	Timeout     time.Duration // Probe timeout (default: 2s)
	MaxFailures int           // Failures before marking unhealthy (default: 3)
	Logger      *slog.Logger
}

func NewChecker(cfg *Config) *Checker {
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 3
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	checker := &Checker{
		probes:       make(map[string]Probe, len(cfg.Probes)),
		healthStatus: make(map[string]*Status, len(cfg.Probes)),
		interval:     cfg.Interval,
		timeout:      cfg.Timeout,
		maxFailures:  cfg.MaxFailures,
		logger:       cfg.Logger,
		now:          time.Now,
		stopChan:     make(chan struct{}),
	}

	for name, probe := range cfg.Probes {
		checker.probes[name] = probe
		checker.healthStatus[name] = &Status{
			Name:      name,
			IsHealthy: true, // Assume healthy initially
		}
	}

	return checker
}

// Begins periodic health checks
func (c *Checker) Start() {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return
	}
	c.running = true
	c.mu.Unlock()

	c.logger.Info("starting dependency health checks", "dependencies", len(c.probes), "interval", c.interval)

	// Run initial check immediately
	c.CheckNow()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()

		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				c.CheckNow()
			case <-c.stopChan:
				return
			}
		}
	}()
}

// Stops the health checker
func (c *Checker) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	close(c.stopChan)
	c.running = false
	c.mu.Unlock()

	c.wg.Wait()
	c.logger.Info("health checker stopped")
}

// Probes every dependency once, in parallel
func (c *Checker) CheckNow() {
	var wg sync.WaitGroup

	for name, probe := range c.probes {
		wg.Add(1)
		go func(name string, probe Probe) {
			defer wg.Done()
			c.check(name, probe)
		}(name, probe)
	}

	wg.Wait()
}

func (c *Checker) check(name string, probe Probe) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	if err := probe(ctx); err != nil {
		c.recordFailure(name, err)
		return
	}
	c.recordSuccess(name)
}

func (c *Checker) recordSuccess(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	status := c.healthStatus[name]
	status.LastCheck = now
	status.LastSuccess = now
	status.FailureCount = 0
	status.LastError = ""

	if !status.IsHealthy {
		c.logger.Info("dependency is healthy again", "dependency", name)
		status.IsHealthy = true
	}
}

func (c *Checker) recordFailure(name string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	status := c.healthStatus[name]
	status.LastCheck = now
	status.LastFailure = now
	status.FailureCount++
	status.LastError = err.Error()

	if status.IsHealthy && status.FailureCount >= c.maxFailures {
		c.logger.Warn("dependency is unhealthy", "dependency", name, "failures", status.FailureCount, "error", err)
		status.IsHealthy = false
	}
}

// Return the health status of a specific dependency
func (c *Checker) GetStatus(name string) *Status {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if status, exists := c.healthStatus[name]; exists {
		statusCopy := *status
		return &statusCopy
	}

	return nil
}

// Returns health status of all dependencies ordered by name
func (c *Checker) GetAllStatus() []Status {
	c.mu.RLock()
	defer c.mu.RUnlock()

	statuses := make([]Status, 0, len(c.healthStatus))
	for _, status := range c.healthStatus {
		statuses = append(statuses, *status)
	}
	sort.Slice(statuses, func(i, j int) bool { return statuses[i].Name < statuses[j].Name })

	return statuses
}

// Healthy when every dependency is up. The admission path fails open, so
// losing a dependency degrades the service rather than taking it down.
func (c *Checker) OverallHealth() HealthStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for _, status := range c.healthStatus {
		if !status.IsHealthy {
			return Degraded
		}
	}
	return Healthy
}
