package ice

import (
	"time"

	"golang.org/x/time/rate"
)

// pacer enforces StunPacingTime between the initial transmissions of
// distinct entries (Ta in RFC 8445 §14 terms), built on a
// golang.org/x/time/rate token bucket. One reservation is taken per
// initial transmission; retransmissions of an already-scheduled entry
// are not paced against other entries.
type pacer struct {
	limiter *rate.Limiter
}

func newPacer() *pacer {
	return &pacer{limiter: rate.NewLimiter(rate.Every(StunPacingTime), 1)}
}

// next returns the earliest time, at or after now, that the next initial
// transmission may go out without violating pacing.
func (p *pacer) next(now time.Time) time.Time {
	r := p.limiter.ReserveN(now, 1)
	return now.Add(r.DelayFrom(now))
}
