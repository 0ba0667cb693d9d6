package gateway

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ratixpay/paycore/internal/domain"
)

// Outcome forces the simulator's result. The zero value draws from the
// approval rate.
type Outcome string

const (
	OutcomeRandom      Outcome = ""
	OutcomeApprove     Outcome = "approve"
	OutcomeReject      Outcome = "reject"
	OutcomeTimeout     Outcome = "timeout"
	OutcomeUnavailable Outcome = "unavailable"
)

// DefaultApprovalRates mirror the observed reliability of each rail.
func DefaultApprovalRates() map[domain.PaymentMethod]float64 {
	return map[domain.PaymentMethod]float64{
		domain.MethodMpesa: 0.92,
		domain.MethodEmola: 0.95,
	}
}

// Simulator is the local provider used in development and tests.
type Simulator struct {
	method       domain.PaymentMethod
	approvalRate float64
	latency      time.Duration

	mu      sync.Mutex
	rng     *rand.Rand
	outcome Outcome
	calls   int
}

func NewSimulator(method domain.PaymentMethod, approvalRate float64, latency time.Duration) *Simulator {
	return &Simulator{
		method:       method,
		approvalRate: approvalRate,
		latency:      latency,
		rng:          rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Force pins every subsequent charge to o.
func (s *Simulator) Force(o Outcome) {
	s.mu.Lock()
	s.outcome = o
	s.mu.Unlock()
}

// Calls returns how many charges reached the simulator.
func (s *Simulator) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func (s *Simulator) Name() string { return "simulated-" + string(s.method) }

func (s *Simulator) Charge(ctx context.Context, req ChargeRequest) (string, error) {
	s.mu.Lock()
	s.calls++
	outcome := s.outcome
	if outcome == OutcomeRandom {
		outcome = OutcomeReject
		if s.rng.Float64() < s.approvalRate {
			outcome = OutcomeApprove
		}
	}
	s.mu.Unlock()

	if outcome == OutcomeTimeout {
		<-ctx.Done()
		return "", &Error{Code: CodeGatewayTimeout, Provider: s.Name(), Err: ctx.Err()}
	}

	if s.latency > 0 {
		t := time.NewTimer(s.latency)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return "", &Error{Code: CodeGatewayTimeout, Provider: s.Name(), Err: ctx.Err()}
		case <-t.C:
		}
	}

	switch outcome {
	case OutcomeApprove:
		return fmt.Sprintf("SIM-%s-%s", strings.ToUpper(string(s.method)), uuid.NewString()[:8]), nil
	case OutcomeUnavailable:
		return "", &Error{Code: CodeGatewayUnavailable, Provider: s.Name(), Message: "simulated outage"}
	default:
		return "", &Error{Code: CodeGatewayRejected, Provider: s.Name(), Message: "declined by simulated provider"}
	}
}
