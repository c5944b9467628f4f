package services

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/sveltereader/satmeter/internal/domain"
	"github.com/sveltereader/satmeter/internal/logger"
)

// ErrFundingDeclined signals that the caller rejected a funding request
// or the request timed out; the session terminates with no further work.
var ErrFundingDeclined = errors.New("funding request declined")

// FundingCoordinator implements the suspend/resume contract used when a
// session exhausts its balance mid-run.
//
// The contract is message passing, not a concurrency primitive: the
// coordinator emits a serializable FundingRequest through the gateway
// and receives back a serializable FundingResume. The session record is
// checkpointed (status exhausted) before the request goes out, so the
// suspension survives a process restart and can resolve days later.
type FundingCoordinator struct {
	meter   *Meter
	gateway domain.FundingGateway
}

// NewFundingCoordinator creates a funding coordinator
func NewFundingCoordinator(meter *Meter, gateway domain.FundingGateway) *FundingCoordinator {
	return &FundingCoordinator{meter: meter, gateway: gateway}
}

// RequestTopUp runs one suspend/resume cycle for an exhausted session.
// It returns nil when the session was topped up and is active again,
// ErrFundingDeclined when the caller rejected, and the gateway's error
// when delivery failed. Re-entrant: the meter may call this every time
// exhaustion recurs within one session.
func (f *FundingCoordinator) RequestTopUp(ctx context.Context, record *domain.PaymentRecord) error {
	if record.Status != domain.PaymentExhausted {
		return &domain.InvalidTransitionError{From: record.Status, To: domain.PaymentExhausted}
	}

	request := domain.FundingRequest{
		ID:            uuid.NewString(),
		SessionID:     record.SessionID,
		Action:        domain.FundingAction,
		Reason:        "Payment balance exhausted. Please add more funds to continue.",
		SpentSats:     record.Spent,
		SuggestedSats: f.meter.cfg.DefaultTopUp,
	}

	logger.Info("Requesting additional funding", "session_id", record.SessionID,
		"spent_sats", request.SpentSats, "suggested_sats", request.SuggestedSats)

	resume, err := f.gateway.RequestFunding(ctx, request)
	if err != nil {
		// Undeliverable or timed out: treated as a decline. The balance
		// is zero by construction of exhaustion, so no refund is owed.
		if failErr := f.meter.Fail(ctx, record, err); failErr != nil {
			return failErr
		}
		return fmt.Errorf("%w: %v", ErrFundingDeclined, err)
	}

	return f.applyResume(ctx, record, resume)
}

func (f *FundingCoordinator) applyResume(ctx context.Context, record *domain.PaymentRecord, resume domain.FundingResume) error {
	if err := resume.Validate(); err != nil {
		return err
	}

	switch resume.Decision {
	case domain.FundingReject:
		if err := f.meter.Fail(ctx, record, ErrFundingDeclined); err != nil {
			return err
		}
		return ErrFundingDeclined

	case domain.FundingApprove, domain.FundingEdit:
		// Edit is a fresh approval with adjusted parameters; either way
		// only the token matters for resuming.
		amount, err := f.meter.TopUp(ctx, record, resume.Token)
		if err != nil {
			return err
		}
		logger.Info("Session resumed after funding", "session_id", record.SessionID, "topup_sats", amount)
		return nil

	default:
		return &domain.UnknownDecisionError{Decision: string(resume.Decision)}
	}
}

// ChannelFundingGateway routes funding requests to in-process
// subscribers (the HTTP/WebSocket layer) and blocks each request until
// a resume payload is delivered for it.
type ChannelFundingGateway struct {
	mu       sync.Mutex
	pending  map[string]pendingRequest // request ID -> waiting session
	watchers map[string][]chan domain.FundingRequest
}

type pendingRequest struct {
	sessionID string
	resumeCh  chan domain.FundingResume
}

// NewChannelFundingGateway creates an in-process funding gateway
func NewChannelFundingGateway() *ChannelFundingGateway {
	return &ChannelFundingGateway{
		pending:  make(map[string]pendingRequest),
		watchers: make(map[string][]chan domain.FundingRequest),
	}
}

// Watch subscribes to funding requests for a session. The returned
// cancel function must be called when the subscriber goes away.
func (g *ChannelFundingGateway) Watch(sessionID string) (<-chan domain.FundingRequest, func()) {
	ch := make(chan domain.FundingRequest, 4)

	g.mu.Lock()
	g.watchers[sessionID] = append(g.watchers[sessionID], ch)
	g.mu.Unlock()

	cancel := func() {
		g.mu.Lock()
		defer g.mu.Unlock()
		subs := g.watchers[sessionID]
		for i, sub := range subs {
			if sub == ch {
				g.watchers[sessionID] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
	}
	return ch, cancel
}

// RequestFunding publishes the request and blocks until Resolve delivers
// a resume for it or the context ends.
func (g *ChannelFundingGateway) RequestFunding(ctx context.Context, req domain.FundingRequest) (domain.FundingResume, error) {
	resumeCh := make(chan domain.FundingResume, 1)

	g.mu.Lock()
	g.pending[req.ID] = pendingRequest{sessionID: req.SessionID, resumeCh: resumeCh}
	for _, sub := range g.watchers[req.SessionID] {
		select {
		case sub <- req:
		default:
			// Slow subscriber; the request is still resolvable via the
			// session API, which reads the persisted record.
		}
	}
	g.mu.Unlock()

	defer func() {
		g.mu.Lock()
		delete(g.pending, req.ID)
		g.mu.Unlock()
	}()

	select {
	case resume := <-resumeCh:
		return resume, nil
	case <-ctx.Done():
		return domain.FundingResume{}, ctx.Err()
	}
}

// Resolve delivers a resume payload to the request waiting on it. The
// session ID must match the session that raised the request; a resume
// addressed through another session's endpoint is rejected.
func (g *ChannelFundingGateway) Resolve(sessionID string, resume domain.FundingResume) error {
	g.mu.Lock()
	pending, ok := g.pending[resume.RequestID]
	g.mu.Unlock()

	if !ok {
		return fmt.Errorf("no pending funding request %s", resume.RequestID)
	}
	if pending.sessionID != sessionID {
		return fmt.Errorf("funding request %s does not belong to session %s", resume.RequestID, sessionID)
	}

	select {
	case pending.resumeCh <- resume:
		return nil
	default:
		return fmt.Errorf("funding request %s already resolved", resume.RequestID)
	}
}

var _ domain.FundingGateway = (*ChannelFundingGateway)(nil)
