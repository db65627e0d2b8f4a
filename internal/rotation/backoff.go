package rotation

import (
	"math/rand/v2"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	DefaultShortDelay    = 800 * time.Millisecond
	DefaultLongDelay     = 2000 * time.Millisecond
	DefaultShortAttempts = 2
)

// StagedBackOff waits Short after each of the first ShortAttempts failures
// and Long afterwards. RandomizationFactor spreads each delay by ±factor.
type StagedBackOff struct {
	Short               time.Duration
	Long                time.Duration
	ShortAttempts       int
	RandomizationFactor float64

	attempt int
}

var _ backoff.BackOff = (*StagedBackOff)(nil)

func NewStagedBackOff() *StagedBackOff {
	return &StagedBackOff{
		Short:         DefaultShortDelay,
		Long:          DefaultLongDelay,
		ShortAttempts: DefaultShortAttempts,
	}
}

func (b *StagedBackOff) NextBackOff() time.Duration {
	b.attempt++
	delay := b.Long
	if b.attempt <= b.ShortAttempts {
		delay = b.Short
	}
	if b.RandomizationFactor <= 0 {
		return delay
	}
	delta := b.RandomizationFactor * float64(delay)
	return time.Duration(float64(delay) - delta + rand.Float64()*2*delta)
}

func (b *StagedBackOff) Reset() {
	b.attempt = 0
}
