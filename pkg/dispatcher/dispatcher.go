// Package dispatcher wraps the registry's claim/heartbeat/report operations with the
// periodic lease sweeper: a ticker-driven background goroutine, in the style of the
// teacher's scheduler loop, that reclaims tasks whose lease has silently expired and
// forgets workers that have gone quiet past WorkerTTL.
package dispatcher

import (
	"time"

	"github.com/cuemby/crowdcompute/pkg/log"
	"github.com/cuemby/crowdcompute/pkg/registry"
	"github.com/cuemby/crowdcompute/pkg/types"
	"github.com/rs/zerolog"
)

// Dispatcher is a thin, metrics/logging-instrumented façade over the Registry plus
// the lease sweeper's lifecycle.
type Dispatcher struct {
	reg    *registry.Registry
	logger zerolog.Logger

	period time.Duration
	stopCh chan struct{}
	doneCh chan struct{}
}

// New creates a Dispatcher over reg. Sweep period defaults to leaseTTL/2, the bound
// named in the component design (period <= LEASE_TTL/2).
func New(reg *registry.Registry, leaseTTL time.Duration) *Dispatcher {
	period := leaseTTL / 2
	if period <= 0 {
		period = time.Second
	}
	return &Dispatcher{
		reg:    reg,
		logger: log.WithComponent("dispatcher"),
		period: period,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Claim selects and leases the oldest eligible pending task for workerID.
func (d *Dispatcher) Claim(workerID string) (*types.Task, bool) {
	return d.reg.Claim(workerID)
}

// Heartbeat extends workerID's lease on taskID.
func (d *Dispatcher) Heartbeat(workerID, taskID string) (registry.HeartbeatStatus, error) {
	return d.reg.Heartbeat(workerID, taskID)
}

// Report commits workerID's terminal outcome for taskID.
func (d *Dispatcher) Report(workerID, taskID string, outcome types.ReportOutcome, outputNames []string, errKind, errDetail string) error {
	return d.reg.Report(workerID, taskID, outcome, outputNames, errKind, errDetail)
}

// Start begins the background sweeper loop.
func (d *Dispatcher) Start() {
	go d.run()
}

// Stop halts the sweeper loop and waits for it to exit.
func (d *Dispatcher) Stop() {
	close(d.stopCh)
	<-d.doneCh
}

func (d *Dispatcher) run() {
	defer close(d.doneCh)

	ticker := time.NewTicker(d.period)
	defer ticker.Stop()

	d.logger.Info().Dur("period", d.period).Msg("lease sweeper started")
	for {
		select {
		case <-ticker.C:
			reclaimed, forgotten := d.reg.Sweep()
			if reclaimed > 0 || forgotten > 0 {
				d.logger.Info().
					Int("reclaimed", reclaimed).
					Int("workers_forgotten", forgotten).
					Msg("lease sweep")
			}
		case <-d.stopCh:
			d.logger.Info().Msg("lease sweeper stopped")
			return
		}
	}
}
