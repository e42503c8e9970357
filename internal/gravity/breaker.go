package gravity

// #region breaker
// breaker is the per-variable circuit breaker. All transitions go through
// trip and reset so every change produces a Transition.
type breaker struct {
	state      BreakerState
	reason     TripReason
	counter    int     // consecutive trip conditions
	cumulative float64 // Σ|raw| across the current run of large corrections
	rejects    int     // lifetime non-finite rejections
	cooldown   int     // steps left before automatic reset
	trippedAt  int64
	trips      int
}

func (b *breaker) tripped() bool { return b.state == BreakerTripped }

// observeMagnitude feeds one post-update evaluation. It returns true when
// the trip count is reached.
func (b *breaker) observeMagnitude(absRaw, tripMagnitude float64, tripCount int) bool {
	if absRaw > tripMagnitude {
		b.counter++
		b.cumulative += absRaw
		return b.counter >= tripCount
	}
	b.counter = 0
	b.cumulative = 0
	return false
}

// observeReject counts a rejected non-finite update toward the trip count.
func (b *breaker) observeReject(tripCount int) bool {
	b.rejects++
	b.counter++
	return b.counter >= tripCount
}

func (b *breaker) trip(variable string, reason TripReason, step int64, cooldown int) Transition {
	from := b.state
	b.state = BreakerTripped
	b.reason = reason
	b.cooldown = cooldown
	b.trippedAt = step
	b.trips++
	return Transition{
		Variable:   variable,
		Step:       step,
		From:       from,
		To:         BreakerTripped,
		TripReason: reason,
	}
}

func (b *breaker) reset(variable string, reason ResetReason, step int64) Transition {
	from := b.state
	b.state = BreakerNormal
	b.reason = TripNone
	b.counter = 0
	b.cumulative = 0
	b.cooldown = 0
	return Transition{
		Variable: variable,
		Step:     step,
		From:     from,
		To:       BreakerNormal,
		Reset:    reason,
	}
}

// tick advances the cooldown by one step. It returns true when the breaker
// should close, which is on the tick after the cooldown has run out: a trip
// with cooldown C suppresses exactly C following steps. A zero cooldown
// configuration never closes automatically.
func (b *breaker) tick(cooldownSteps int) bool {
	if !b.tripped() || cooldownSteps == 0 {
		return false
	}
	if b.cooldown == 0 {
		return true
	}
	b.cooldown--
	return false
}

func (b *breaker) status() BreakerStatus {
	return BreakerStatus{
		State:               b.state,
		StateName:           b.state.String(),
		TripReason:          b.reason,
		ConsecutiveLarge:    b.counter,
		CumulativeMagnitude: b.cumulative,
		NonFiniteRejects:    b.rejects,
		CooldownRemaining:   b.cooldown,
		TrippedAtStep:       b.trippedAt,
		Trips:               b.trips,
	}
}

// breakerFromStatus rebuilds a breaker from a status. StateName wins over
// State because State is not carried through JSON.
func breakerFromStatus(s BreakerStatus) breaker {
	state := s.State
	if st, ok := ParseBreakerState(s.StateName); ok {
		state = st
	}
	return breaker{
		state:      state,
		reason:     s.TripReason,
		counter:    s.ConsecutiveLarge,
		cumulative: s.CumulativeMagnitude,
		rejects:    s.NonFiniteRejects,
		cooldown:   s.CooldownRemaining,
		trippedAt:  s.TrippedAtStep,
		trips:      s.Trips,
	}
}

// #endregion breaker
