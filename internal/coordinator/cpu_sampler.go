package coordinator

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const defaultCPUSampleInterval = 2 * time.Second

// LoadProvider returns the current system load average.
type LoadProvider func() (float64, error)

// ReadSystemLoad reads the 1-minute load average from /proc/loadavg.
// Non-Linux platforms (or a missing /proc) should supply their own
// LoadProvider to StartCPUSampler.
func ReadSystemLoad() (float64, error) {
	data, err := os.ReadFile("/proc/loadavg")
	if err != nil {
		return 0, err
	}
	fields := strings.Fields(string(data))
	if len(fields) == 0 {
		return 0, fmt.Errorf("loadavg parse: no fields")
	}
	load, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return 0, fmt.Errorf("loadavg parse: %w", err)
	}
	return load, nil
}

// StartCPUSampler begins a background sampler feeding CPU load into c's
// rolling window, stopping when ctx is done.
//
// A sampler going dark is a distinct failure mode from CPU saturation:
// cpuWithinLimits already fails open below cpuMinSamples, so a provider
// that errors every tick (a missing /proc/loadavg in a minimal container
// image, e.g.) silently admits every stream at full speed rather than
// rejecting anything. Admission stays open in that case, but it is an
// operational condition worth surfacing, not
// swallowing: a coordinator that's been running wide open because its
// pressure signal died looks identical, from admission decisions alone,
// to one that's genuinely idle. StartCPUSampler logs once when the
// provider starts failing and once when it recovers, the same one-shot
// posture internal/inference.Processor.Ready uses for a failed model
// load, rather than logging (or staying silent) every tick.
func StartCPUSampler(ctx context.Context, c *Coordinator, interval time.Duration, provider LoadProvider) {
	if c == nil {
		return
	}
	if interval <= 0 {
		interval = defaultCPUSampleInterval
	}
	if provider == nil {
		provider = ReadSystemLoad
	}

	failing := false
	sample := func() {
		load, err := provider()
		if err != nil {
			if !failing {
				c.logger.Warn().Err(err).
					Msg("CPU load sampling failing; admission fails open until it recovers")
				failing = true
			}
			return
		}
		if failing {
			c.logger.Info().Msg("CPU load sampling recovered")
			failing = false
		}
		c.ObserveCPULoad(load)
	}

	sample()

	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				sample()
			}
		}
	}()
}
