package blobstore

import (
	"sync"
	"time"

	"github.com/mononoke-oss/blobmux/pkg/clock"
)

// Sampler decides whether a structured telemetry record should
// additionally be emitted alongside the Prometheus histogram every
// component operation always produces. It is consulted separately for
// each operation of each wrapped node, so the component operations of
// one outer operation are not sampled as a unit. It
// uses the same epoch token-bucket approach as the OpenTelemetry
// maximum-rate sampler this module's teacher ships, but is a plain type
// rather than an sdk_trace.Sampler: gating structured-record emission
// has nothing to do with whether a trace span is recorded.
type Sampler interface {
	ShouldSample() bool
}

type maximumRateSampler struct {
	clock           clock.Clock
	samplesPerEpoch int
	epochDuration   time.Duration

	lock             sync.Mutex
	samplesRemaining int
	epochEnd         time.Time
}

// NewMaximumRateSampler creates a Sampler that permits at most
// samplesPerEpoch calls to ShouldSample() to return true within each
// epoch. An epoch lasts epochDuration and begins at the first call made
// after the previous epoch ended.
func NewMaximumRateSampler(clk clock.Clock, samplesPerEpoch int, epochDuration time.Duration) Sampler {
	return &maximumRateSampler{
		clock:           clk,
		samplesPerEpoch: samplesPerEpoch,
		epochDuration:   epochDuration,
	}
}

func (s *maximumRateSampler) ShouldSample() bool {
	s.lock.Lock()
	defer s.lock.Unlock()

	if now := s.clock.Now(); !now.Before(s.epochEnd) {
		s.samplesRemaining = s.samplesPerEpoch
		s.epochEnd = now.Add(s.epochDuration)
	}
	if s.samplesRemaining > 0 {
		s.samplesRemaining--
		return true
	}
	return false
}
