package axis

// Tracker holds an axis position in whole steps. The only implementation
// counts commanded pulses; an encoder-backed one could replace it.
type Tracker interface {
	Steps() int64
	Advance(delta int64)
	Set(steps int64)
}

// DeadReckoning counts commanded steps. It is never corrected except by
// homing.
type DeadReckoning struct {
	steps int64
}

func (t *DeadReckoning) Steps() int64        { return t.steps }
func (t *DeadReckoning) Advance(delta int64) { t.steps += delta }
func (t *DeadReckoning) Set(steps int64)     { t.steps = steps }
