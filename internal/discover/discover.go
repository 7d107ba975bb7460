// Package discover polls an allocation's captured output until the job
// advertises its listening endpoint.
//
// The remote job writes, once ready, two line-oriented key=value pairs:
//
//	NODE=<hostname>
//	PORT=<integer>
//
// in any order, each appearing once. It may additionally advertise its lease
// with "This tunnel will close at: <YYYY-MM-DD HH:MM:SS>". The first complete
// match wins; once resolved no further polls happen.
package discover

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/hpctools/slurmtunnel/internal/errors"
	"github.com/hpctools/slurmtunnel/internal/logging"
)

const (
	nodeKey     = "NODE="
	portKey     = "PORT="
	leasePrefix = "This tunnel will close at: "
	leaseLayout = "2006-01-02 15:04:05"
)

// Endpoint describes the remote listening endpoint of a running allocation.
// Immutable after creation.
type Endpoint struct {
	// Host is the compute node the endpoint listens on.
	Host string
	// Port is the listening port, 1-65535.
	Port int
	// LeaseExpiry is when the job will shut the endpoint down. Zero when the
	// job did not advertise a lease line.
	LeaseExpiry time.Time
}

// OutputReader performs one non-blocking read of the allocation's captured
// output. Partial content is expected while the job is starting up.
type OutputReader interface {
	ReadOutput(ctx context.Context, path string) (string, error)
}

// Config bounds the polling loop.
type Config struct {
	// PollInterval is the delay between reads.
	PollInterval time.Duration
	// Timeout is the total discovery window.
	Timeout time.Duration
	// MaxReadRetries is how many consecutive transient read failures are
	// tolerated before discovery fails.
	MaxReadRetries int
}

// Poller discovers the endpoint of one allocation by polling its output.
type Poller struct {
	reader OutputReader
	cfg    Config
	log    *logging.Logger
}

// NewPoller returns a Poller reading through reader.
func NewPoller(reader OutputReader, cfg Config, log *logging.Logger) *Poller {
	return &Poller{
		reader: reader,
		cfg:    cfg,
		log:    log.WithComponent("discover"),
	}
}

// Discover polls the output at path until a valid endpoint appears, the
// discovery window elapses (ErrDiscoveryTimeout), the advertisement is
// malformed (ErrMalformedEndpoint, fails fast without further polling), or
// transient read errors exhaust their budget.
func (p *Poller) Discover(ctx context.Context, path string) (Endpoint, error) {
	deadline := time.NewTimer(p.cfg.Timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	var readErrors int
	for {
		output, err := p.reader.ReadOutput(ctx, path)
		if err != nil {
			readErrors++
			if readErrors > p.cfg.MaxReadRetries {
				return Endpoint{}, errors.NewDiscoveryError("output unavailable", err)
			}
			p.log.Warn("transient output read failure", "attempt", readErrors, "max", p.cfg.MaxReadRetries)
		} else {
			readErrors = 0
			ep, found, perr := parseOutput(output)
			if perr != nil {
				return Endpoint{}, perr
			}
			if found {
				p.log.Info("endpoint discovered", "node", ep.Host, "port", ep.Port)
				return ep, nil
			}
			p.log.Debug("endpoint not advertised yet", "bytes", len(output))
		}

		select {
		case <-ctx.Done():
			return Endpoint{}, ctx.Err()
		case <-deadline.C:
			return Endpoint{}, errors.NewDiscoveryError("no endpoint advertised in time", errors.ErrDiscoveryTimeout)
		case <-ticker.C:
		}
	}
}

// parseOutput scans the accumulated output for the endpoint advertisement.
// It returns found=false while the advertisement is incomplete and an error
// when the advertisement is present but invalid.
func parseOutput(output string) (Endpoint, bool, error) {
	var (
		ep        Endpoint
		gotNode   bool
		gotPort   bool
		portValue string
	)

	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, nodeKey):
			value := strings.TrimSpace(strings.TrimPrefix(line, nodeKey))
			if gotNode && value != ep.Host {
				return Endpoint{}, false, errors.NewDiscoveryError("conflicting NODE lines", errors.ErrMalformedEndpoint).WithLine(line)
			}
			ep.Host = value
			gotNode = true

		case strings.HasPrefix(line, portKey):
			value := strings.TrimSpace(strings.TrimPrefix(line, portKey))
			if gotPort && value != portValue {
				return Endpoint{}, false, errors.NewDiscoveryError("conflicting PORT lines", errors.ErrMalformedEndpoint).WithLine(line)
			}
			portValue = value
			gotPort = true

		case strings.HasPrefix(line, leasePrefix):
			value := strings.TrimPrefix(line, leasePrefix)
			expiry, err := time.ParseInLocation(leaseLayout, value, time.Local)
			if err == nil {
				ep.LeaseExpiry = expiry
			}
		}
	}

	if !gotNode || !gotPort {
		return Endpoint{}, false, nil
	}

	if ep.Host == "" {
		return Endpoint{}, false, errors.NewDiscoveryError("empty host in advertisement", errors.ErrMalformedEndpoint)
	}
	port, err := strconv.Atoi(portValue)
	if err != nil {
		return Endpoint{}, false, errors.NewDiscoveryError(
			fmt.Sprintf("non-numeric port %q", portValue), errors.ErrMalformedEndpoint)
	}
	if port < 1 || port > 65535 {
		return Endpoint{}, false, errors.NewDiscoveryError(
			fmt.Sprintf("port %d out of range", port), errors.ErrMalformedEndpoint)
	}
	ep.Port = port
	return ep, true, nil
}
