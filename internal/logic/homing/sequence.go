package homing

import (
	"context"

	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"github.com/cjeanneret/CheckerGantry/internal/debug"
	"github.com/cjeanneret/CheckerGantry/internal/hw/axis"
	"github.com/cjeanneret/CheckerGantry/internal/hw/timing"
)

// Order is the fixed homing order: Z first lifts the effector clear of the
// board before any horizontal motion.
var Order = []axis.ID{axis.Z, axis.X, axis.Y}

// Policy decides what happens after an axis fails.
type Policy int

const (
	// Continue homes the remaining axes; failed axes stay fail-closed.
	Continue Policy = iota
	// Abort stops at the first failed axis.
	Abort
)

// ParsePolicy maps "continue" and "abort".
func ParsePolicy(s string) (Policy, error) {
	switch s {
	case "continue", "":
		return Continue, nil
	case "abort":
		return Abort, nil
	}
	return Continue, errors.Errorf("unknown homing policy %q", s)
}

// Report collects per-axis results in homing order.
type Report struct {
	Results []Result
	// Skipped lists axes not attempted because of PolicyAbort or a
	// cancelled context.
	Skipped []axis.ID
}

// OK reports whether every axis homed.
func (r Report) OK() bool {
	return len(r.Skipped) == 0 && r.Err() == nil
}

// Result returns the result for one axis.
func (r Report) Result(id axis.ID) (Result, bool) {
	for _, res := range r.Results {
		if res.Axis == id {
			return res, true
		}
	}
	return Result{}, false
}

// Err combines the failures of every axis.
func (r Report) Err() error {
	var err error
	for _, res := range r.Results {
		if !res.OK {
			err = multierr.Append(err, res.Err)
		}
	}
	for _, id := range r.Skipped {
		err = multierr.Append(err, errors.Errorf("axis %s not homed", id))
	}
	return err
}

// Sequence homes every planned axis in Order.
type Sequence struct {
	plans   map[axis.ID]Plan
	cfg     Config
	sensor  Sensor
	sleeper timing.Sleeper
	policy  Policy
}

// NewSequence builds a Sequence. Every axis in Order needs a plan.
func NewSequence(cfg Config, policy Policy, sensor Sensor, sleeper timing.Sleeper, plans ...Plan) (*Sequence, error) {
	byID := make(map[axis.ID]Plan, len(plans))
	for _, p := range plans {
		if p.Axis == nil {
			return nil, errors.New("homing plan without an axis")
		}
		byID[p.Axis.ID()] = p
	}
	for _, id := range Order {
		if _, ok := byID[id]; !ok {
			return nil, errors.Errorf("no homing plan for axis %s", id)
		}
	}
	if cfg.BackoffMm <= 0 || cfg.MaxTravelMm <= cfg.BackoffMm {
		return nil, errors.Errorf("invalid homing distances: backoff %.2f, max travel %.2f", cfg.BackoffMm, cfg.MaxTravelMm)
	}
	return &Sequence{plans: byID, cfg: cfg, sensor: sensor, sleeper: sleeper, policy: policy}, nil
}

// Run homes Z, X, then Y. Failures are reported in the Report, never
// raised; the process keeps running with the failed axes fail-closed.
func (s *Sequence) Run(ctx context.Context) Report {
	debug.Section("Homing")
	var rep Report
	for i, id := range Order {
		if ctx.Err() != nil {
			rep.Skipped = append(rep.Skipped, Order[i:]...)
			break
		}
		res := NewMachine(s.plans[id], s.cfg, s.sensor, s.sleeper).Run(ctx)
		rep.Results = append(rep.Results, res)
		if !res.OK && s.policy == Abort {
			rep.Skipped = append(rep.Skipped, Order[i+1:]...)
			break
		}
	}
	if err := rep.Err(); err != nil {
		debug.Info("homing finished with failures: %v", err)
	} else {
		debug.Info("homing complete")
	}
	return rep
}
