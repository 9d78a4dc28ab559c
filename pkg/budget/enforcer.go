package budget

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/pario-ai/cupid/pkg/models"
	"github.com/pario-ai/cupid/pkg/tracker"
)

var (
	// ErrBudgetExceeded is returned when a user has used up their tier quota.
	ErrBudgetExceeded = errors.New("budget exceeded")
	// ErrUnknownTier is returned for a tier with no policy.
	ErrUnknownTier = errors.New("unknown tier")
)

// Enforcer checks per-user request counts against tier policies.
type Enforcer struct {
	policies map[string]models.TierPolicy
	tracker  tracker.Tracker
	now      func() time.Time
	// users serializes check-then-reserve per user.
	users *xsync.Map[string, *sync.Mutex]
}

// New creates an Enforcer with the given policies and tracker.
func New(policies []models.TierPolicy, t tracker.Tracker) *Enforcer {
	e := &Enforcer{
		policies: make(map[string]models.TierPolicy, len(policies)),
		tracker:  t,
		now:      time.Now,
		users:    xsync.NewMap[string, *sync.Mutex](),
	}
	for _, p := range policies {
		e.policies[p.Tier] = p
	}
	return e
}

// Policy returns the policy for tier.
func (e *Enforcer) Policy(tier string) (models.TierPolicy, bool) {
	p, ok := e.policies[tier]
	return p, ok
}

// Check returns ErrBudgetExceeded if the user has no requests left in the
// current period of their tier.
func (e *Enforcer) Check(ctx context.Context, userID, tier string) error {
	st, err := e.Status(ctx, userID, tier)
	if err != nil {
		return err
	}
	if st.Policy.MaxRequests > 0 && st.Remaining <= 0 {
		return ErrBudgetExceeded
	}
	if st.Policy.MaxTokens > 0 && st.UsedTokens >= st.Policy.MaxTokens {
		return ErrBudgetExceeded
	}
	return nil
}

// Reserve checks the user's quota and, if there is room, records rec ahead
// of the upstream call. The check and the insert are atomic per user, so
// concurrent requests cannot overrun the quota. The returned id must be
// settled or released through the tracker.
func (e *Enforcer) Reserve(ctx context.Context, tier string, rec models.UsageRecord) (int64, error) {
	mu, _ := e.users.LoadOrCompute(rec.UserID, func() (*sync.Mutex, bool) { return &sync.Mutex{}, false })
	mu.Lock()
	defer mu.Unlock()

	if err := e.Check(ctx, rec.UserID, tier); err != nil {
		return 0, err
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = e.now().UTC()
	}
	return e.tracker.Reserve(ctx, rec)
}

// Status returns the user's usage against their tier policy.
func (e *Enforcer) Status(ctx context.Context, userID, tier string) (models.BudgetStatus, error) {
	p, ok := e.policies[tier]
	if !ok {
		return models.BudgetStatus{}, fmt.Errorf("%w: %q", ErrUnknownTier, tier)
	}
	since := periodStart(e.now(), p.Period)

	used, err := e.tracker.CountByUser(ctx, userID, since)
	if err != nil {
		return models.BudgetStatus{}, fmt.Errorf("budget status: %w", err)
	}
	tokens, err := e.tracker.TotalByUser(ctx, userID, since)
	if err != nil {
		return models.BudgetStatus{}, fmt.Errorf("budget status: %w", err)
	}
	remaining := p.MaxRequests - used
	if remaining < 0 {
		remaining = 0
	}
	return models.BudgetStatus{
		Policy:     p,
		Used:       used,
		Remaining:  remaining,
		UsedTokens: tokens,
	}, nil
}

func periodStart(now time.Time, period models.BudgetPeriod) time.Time {
	now = now.UTC()
	switch period {
	case models.BudgetMonthly:
		return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	default: // daily
		return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	}
}
