package config

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var (
	memPattern  = regexp.MustCompile(`^[0-9]+[KMGT]?$`)
	timePattern = regexp.MustCompile(`^(?:([0-9]+)-)?([0-9]+)(?::([0-9]{1,2}))?(?::([0-9]{1,2}))?$`)
)

// Validate checks that the configuration can produce a well-formed
// allocation request and a working tunnel session.
func (c *Config) Validate() error {
	if c.Remote.Host == "" {
		return fmt.Errorf("remote.host is required")
	}
	if c.Job.CPUs < 1 {
		return fmt.Errorf("job.cpus must be at least 1, got %d", c.Job.CPUs)
	}
	if !memPattern.MatchString(c.Job.Mem) {
		return fmt.Errorf("job.mem %q is not a valid sbatch memory spec", c.Job.Mem)
	}
	if _, err := ParseTimeLimit(c.Job.Time); err != nil {
		return fmt.Errorf("job.time: %w", err)
	}
	if c.Job.ScriptPath == "" {
		return fmt.Errorf("job.script_path is required")
	}
	if c.Job.ImagePath == "" {
		return fmt.Errorf("job.image_path is required")
	}
	if c.Job.MaxRelaunch < 0 {
		return fmt.Errorf("job.max_relaunch must not be negative, got %d", c.Job.MaxRelaunch)
	}
	if c.Discovery.PollIntervalSeconds < 1 {
		return fmt.Errorf("discovery.poll_interval_seconds must be at least 1, got %d", c.Discovery.PollIntervalSeconds)
	}
	if c.Discovery.TimeoutSeconds < c.Discovery.PollIntervalSeconds {
		return fmt.Errorf("discovery.timeout_seconds (%d) must not be below the poll interval (%d)",
			c.Discovery.TimeoutSeconds, c.Discovery.PollIntervalSeconds)
	}
	return nil
}

// ParseTimeLimit converts an sbatch time limit into a duration.
// Accepted forms: "minutes", "MM:SS", "HH:MM:SS" and "D-HH:MM:SS".
func ParseTimeLimit(s string) (time.Duration, error) {
	m := timePattern.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return 0, fmt.Errorf("invalid time limit %q", s)
	}

	atoi := func(v string) int {
		if v == "" {
			return 0
		}
		n, _ := strconv.Atoi(v)
		return n
	}

	days := atoi(m[1])
	a, b, c := atoi(m[2]), m[3], m[4]

	var d time.Duration
	switch {
	case m[1] != "":
		// D-HH[:MM[:SS]]
		d = time.Duration(days)*24*time.Hour +
			time.Duration(a)*time.Hour +
			time.Duration(atoi(b))*time.Minute +
			time.Duration(atoi(c))*time.Second
	case c != "":
		// HH:MM:SS
		d = time.Duration(a)*time.Hour + time.Duration(atoi(b))*time.Minute + time.Duration(atoi(c))*time.Second
	case b != "":
		// MM:SS
		d = time.Duration(a)*time.Minute + time.Duration(atoi(b))*time.Second
	default:
		// bare minutes
		d = time.Duration(a) * time.Minute
	}

	if d <= 0 {
		return 0, fmt.Errorf("time limit %q must be positive", s)
	}
	return d, nil
}
