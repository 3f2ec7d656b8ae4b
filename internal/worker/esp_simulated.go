package worker

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/campaign-engine/internal/service/sending"
)

// SimulatedSender stands in for a delivery vendor. Each send waits a random
// latency and fails with the configured probability.
type SimulatedSender struct {
	failureRate float64
	minLatency  time.Duration
	maxLatency  time.Duration

	mu  sync.Mutex
	rng *rand.Rand
}

// SimulatedOption configures a SimulatedSender.
type SimulatedOption func(*SimulatedSender)

// WithLatency sets the latency range of each send.
func WithLatency(min, max time.Duration) SimulatedOption {
	return func(s *SimulatedSender) {
		if max < min {
			max = min
		}
		s.minLatency, s.maxLatency = min, max
	}
}

// WithSeed makes the failure sequence reproducible.
func WithSeed(seed int64) SimulatedOption {
	return func(s *SimulatedSender) { s.rng = rand.New(rand.NewSource(seed)) }
}

// NewSimulatedSender creates a simulated vendor. failureRate is clamped to [0, 1].
func NewSimulatedSender(failureRate float64, opts ...SimulatedOption) *SimulatedSender {
	if failureRate < 0 {
		failureRate = 0
	}
	if failureRate > 1 {
		failureRate = 1
	}
	s := &SimulatedSender{
		failureRate: failureRate,
		minLatency:  50 * time.Millisecond,
		maxLatency:  150 * time.Millisecond,
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Send simulates one vendor call.
func (s *SimulatedSender) Send(ctx context.Context, msg sending.Message) (sending.Result, error) {
	latency, fail := s.roll()

	timer := time.NewTimer(latency)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
		return sending.Result{}, ctx.Err()
	}

	if fail {
		return sending.Result{Outcome: sending.DispatchFailed, Detail: "simulated vendor rejection"}, nil
	}
	return sending.Result{Outcome: sending.DispatchSuccessful, MessageID: uuid.NewString()}, nil
}

func (s *SimulatedSender) roll() (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	latency := s.minLatency
	if span := s.maxLatency - s.minLatency; span > 0 {
		latency += time.Duration(s.rng.Int63n(int64(span)))
	}
	return latency, s.rng.Float64() < s.failureRate
}
