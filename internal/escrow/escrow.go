// Package escrow provides buyer-protection for marketplace purchases.
//
// Flow:
//  1. Buyer creates an escrow → record only, no funds move
//  2. Buyer funds it → available → escrow_held
//  3. Buyer releases → seller paid amount minus fees
//  4. Either party disputes → handed to the dispute resolver
//  5. Timeout → auto-released to seller, fees deducted
package escrow

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/mzansibay/platform/internal/idgen"
	"github.com/mzansibay/platform/internal/logging"
	"github.com/mzansibay/platform/internal/metrics"
	"github.com/mzansibay/platform/internal/money"
	"github.com/mzansibay/platform/internal/retry"
)

var (
	ErrEscrowNotFound    = errors.New("escrow not found")
	ErrInvalidStatus     = errors.New("invalid escrow status for this operation")
	ErrUnauthorized      = errors.New("not authorized for this escrow operation")
	ErrInvalidAmount     = errors.New("invalid amount")
	ErrAlreadyResolved   = errors.New("escrow already resolved")
	ErrAutoReleaseNotDue = errors.New("escrow auto-release is not due yet")
	ErrMilestoneNotFound = errors.New("milestone not found")
)

// Status represents the state of an escrow.
type Status string

const (
	StatusCreated   Status = "created"   // Record exists, no funds moved
	StatusFunded    Status = "funded"    // Buyer funds moved into escrow_held
	StatusDisputed  Status = "disputed"  // Handed to the dispute resolver
	StatusReleased  Status = "released"  // Seller paid (minus fees)
	StatusRefunded  Status = "refunded"  // Buyer recovered the funds
	StatusCancelled Status = "cancelled" // Cancelled before funding
)

// MilestoneStatus tracks a milestone's progress. Milestones are advisory:
// they document the transaction's progress but never gate release.
type MilestoneStatus string

const (
	MilestonePending   MilestoneStatus = "pending"
	MilestoneSubmitted MilestoneStatus = "submitted"
	MilestoneApproved  MilestoneStatus = "approved"
)

// Evidence is a single piece of supporting material attached to a milestone.
type Evidence struct {
	Type        string    `json:"type"` // e.g. "tracking_number", "photo", "receipt"
	Data        string    `json:"data"`
	SubmittedBy string    `json:"submittedBy"`
	SubmittedAt time.Time `json:"submittedAt"`
}

// Milestone is one step in the escrow's delivery timeline.
type Milestone struct {
	ID               string          `json:"id"`
	Description      string          `json:"description"`
	Status           MilestoneStatus `json:"status"`
	RequiredEvidence []string        `json:"requiredEvidence,omitempty"`
	Evidence         []Evidence      `json:"evidence,omitempty"`
	UpdatedAt        time.Time       `json:"updatedAt"`
}

// Terms captures the negotiated protection parameters.
type Terms struct {
	AutoReleaseDays   int64 `json:"autoReleaseDays"`
	DisputeWindowDays int64 `json:"disputeWindowDays"`
}

// Fees are computed once at creation and never recomputed.
// Release pays the seller amount minus both fees; refunds return the
// full amount with no fee.
type Fees struct {
	PlatformFee string `json:"platformFee"`
	EscrowFee   string `json:"escrowFee"`
	Total       string `json:"total"`
}

// Escrow represents a buyer-protection escrow record.
type Escrow struct {
	ID                string      `json:"id"`
	BuyerID           string      `json:"buyerId"`
	SellerID          string      `json:"sellerId"`
	Amount            string      `json:"amount"`
	Currency          string      `json:"currency"`
	Status            Status      `json:"status"`
	Milestones        []Milestone `json:"milestones"`
	Terms             Terms       `json:"terms"`
	ReleaseConditions []string    `json:"releaseConditions,omitempty"`
	Fees              Fees        `json:"fees"`
	DisputeID         string      `json:"disputeId,omitempty"`
	Resolution        string      `json:"resolution,omitempty"`
	ResolvedAt        *time.Time  `json:"resolvedAt,omitempty"`
	CreatedAt         time.Time   `json:"createdAt"`
	UpdatedAt         time.Time   `json:"updatedAt"`
}

// IsTerminal returns true if the escrow is in a final state.
func (e *Escrow) IsTerminal() bool {
	switch e.Status {
	case StatusReleased, StatusRefunded, StatusCancelled:
		return true
	}
	return false
}

// Party returns true if userID is the buyer or the seller.
func (e *Escrow) Party(userID string) bool {
	return userID == e.BuyerID || userID == e.SellerID
}

// Store persists escrow data.
//
// UpdateWithStatus is a compare-and-swap: it persists the escrow only if
// the stored status still equals expect, failing with ErrInvalidStatus
// otherwise. Combined with the per-escrow locks in Service this makes
// status transitions race-free even across multiple service instances.
type Store interface {
	Create(ctx context.Context, escrow *Escrow) error
	Get(ctx context.Context, id string) (*Escrow, error)
	Update(ctx context.Context, escrow *Escrow) error
	UpdateWithStatus(ctx context.Context, escrow *Escrow, expect Status) error
	ListByUser(ctx context.Context, userID string, limit int) ([]*Escrow, error)
	ListAutoReleasable(ctx context.Context, now time.Time, limit int) ([]*Escrow, error)
}

// LedgerService abstracts the wallet operations the escrow engine needs.
// The wallet service satisfies it directly.
type LedgerService interface {
	LockFunds(ctx context.Context, userID string, amount *big.Int, reference string) error
	ReleaseFunds(ctx context.Context, buyerID, sellerID string, amount, fees *big.Int, reference string) error
	RefundFunds(ctx context.Context, userID string, amount *big.Int, reference string) error
	SplitFunds(ctx context.Context, buyerID, sellerID string, amount, buyerShare *big.Int, reference string) error
}

// DisputeOpener creates a dispute case when a party raises one.
// Implemented by the dispute resolver; wired by the server to avoid an
// import cycle.
type DisputeOpener interface {
	OpenDispute(ctx context.Context, escrowID, raisedBy, reason, description string) (disputeID string, err error)
}

// FeeCollector receives the fee differential on release. When nil (the
// default) the fees simply leave circulation.
type FeeCollector interface {
	CollectFees(ctx context.Context, escrowID string, fees *big.Int) error
}

// EventSink receives escrow state change notifications for realtime delivery.
// Implementations must not block.
type EventSink interface {
	EscrowUpdated(e *Escrow)
}

// CreateRequest contains the parameters for creating an escrow.
type CreateRequest struct {
	BuyerID           string   `json:"buyerId" binding:"required"`
	SellerID          string   `json:"sellerId" binding:"required"`
	Amount            string   `json:"amount" binding:"required"`
	AutoReleaseDays   int64    `json:"autoReleaseDays"`
	DisputeWindowDays int64    `json:"disputeWindowDays"`
	ReleaseConditions []string `json:"releaseConditions"`
}

// Config carries the fee and timing defaults from the environment.
type Config struct {
	PlatformFeeBps  int64
	EscrowFeeBps    int64
	AutoReleaseDays int64
}

// Service implements escrow business logic.
type Service struct {
	store     Store
	ledger    LedgerService
	cfg       Config
	disputes  DisputeOpener
	collector FeeCollector
	events    EventSink
	locks     sync.Map // per-escrow ID locks to prevent race conditions
}

// escrowLock returns a mutex for the given escrow ID.
// This prevents concurrent state transitions (e.g. release + auto-release racing).
func (s *Service) escrowLock(id string) *sync.Mutex {
	v, _ := s.locks.LoadOrStore(id, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// NewService creates a new escrow service.
func NewService(store Store, ledger LedgerService, cfg Config) *Service {
	if cfg.AutoReleaseDays <= 0 {
		cfg.AutoReleaseDays = 7
	}
	return &Service{
		store:  store,
		ledger: ledger,
		cfg:    cfg,
	}
}

// WithDisputeOpener wires the dispute resolver.
func (s *Service) WithDisputeOpener(d DisputeOpener) *Service {
	s.disputes = d
	return s
}

// WithFeeCollector wires a destination for collected fees.
func (s *Service) WithFeeCollector(c FeeCollector) *Service {
	s.collector = c
	return s
}

// WithEvents attaches a sink for escrow events.
func (s *Service) WithEvents(sink EventSink) *Service {
	s.events = sink
	return s
}

// Create creates a new escrow record. No funds move until Fund.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Escrow, error) {
	buyer := strings.ToLower(strings.TrimSpace(req.BuyerID))
	seller := strings.ToLower(strings.TrimSpace(req.SellerID))
	if buyer == seller {
		return nil, errors.New("buyer and seller cannot be the same user")
	}

	amount, ok := money.Parse(req.Amount)
	if !ok || amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}

	autoRelease := req.AutoReleaseDays
	if autoRelease <= 0 {
		autoRelease = s.cfg.AutoReleaseDays
	}
	disputeWindow := req.DisputeWindowDays
	if disputeWindow <= 0 {
		disputeWindow = autoRelease
	}

	platformFee := money.BasisPoints(amount, s.cfg.PlatformFeeBps)
	escrowFee := money.BasisPoints(amount, s.cfg.EscrowFeeBps)
	totalFee := new(big.Int).Add(platformFee, escrowFee)

	now := time.Now()
	escrow := &Escrow{
		ID:       idgen.WithPrefix("esc_"),
		BuyerID:  buyer,
		SellerID: seller,
		Amount:   money.Format(amount),
		Currency: money.Currency,
		Status:   StatusCreated,
		Terms: Terms{
			AutoReleaseDays:   autoRelease,
			DisputeWindowDays: disputeWindow,
		},
		ReleaseConditions: req.ReleaseConditions,
		Fees: Fees{
			PlatformFee: money.Format(platformFee),
			EscrowFee:   money.Format(escrowFee),
			Total:       money.Format(totalFee),
		},
		Milestones: defaultMilestones(now),
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	if err := s.store.Create(ctx, escrow); err != nil {
		return nil, fmt.Errorf("failed to create escrow record: %w", err)
	}

	metrics.EscrowsTotal.WithLabelValues(string(StatusCreated)).Inc()
	s.notify(escrow)
	return escrow, nil
}

// Fund locks the buyer's funds and moves the escrow to funded.
// Only the buyer may fund, and only from created.
func (s *Service) Fund(ctx context.Context, id, callerID string) (*Escrow, error) {
	mu := s.escrowLock(id)
	mu.Lock()
	defer mu.Unlock()

	escrow, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if callerID != escrow.BuyerID {
		return nil, ErrUnauthorized
	}
	if escrow.IsTerminal() {
		return nil, ErrAlreadyResolved
	}
	if escrow.Status != StatusCreated {
		return nil, ErrInvalidStatus
	}

	amount, _ := money.Parse(escrow.Amount)
	if err := s.ledger.LockFunds(ctx, escrow.BuyerID, amount, escrow.ID); err != nil {
		return nil, fmt.Errorf("failed to lock escrow funds: %w", err)
	}

	now := time.Now()
	escrow.Status = StatusFunded
	escrow.UpdatedAt = now
	approveMilestone(escrow, "funds_secured", now)

	if err := s.store.UpdateWithStatus(ctx, escrow, StatusCreated); err != nil {
		// Compensate: funds were locked but the record didn't move
		_ = s.ledger.RefundFunds(ctx, escrow.BuyerID, amount, escrow.ID)
		return nil, fmt.Errorf("failed to update escrow after funding: %w", err)
	}

	metrics.EscrowsTotal.WithLabelValues(string(StatusFunded)).Inc()
	s.notify(escrow)
	return escrow, nil
}

// SubmitEvidence attaches evidence to a milestone. The milestone moves to
// submitted once all its required evidence types are present.
func (s *Service) SubmitEvidence(ctx context.Context, id, milestoneID, callerID string, ev Evidence) (*Escrow, error) {
	mu := s.escrowLock(id)
	mu.Lock()
	defer mu.Unlock()

	escrow, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if !escrow.Party(callerID) {
		return nil, ErrUnauthorized
	}
	if escrow.IsTerminal() {
		return nil, ErrAlreadyResolved
	}

	idx := -1
	for i := range escrow.Milestones {
		if escrow.Milestones[i].ID == milestoneID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, ErrMilestoneNotFound
	}

	now := time.Now()
	ev.SubmittedBy = callerID
	ev.SubmittedAt = now

	m := &escrow.Milestones[idx]
	m.Evidence = append(m.Evidence, ev)
	m.UpdatedAt = now
	if m.Status == MilestonePending && hasAllRequiredEvidence(m) {
		m.Status = MilestoneSubmitted
	}
	escrow.UpdatedAt = now

	if err := s.store.Update(ctx, escrow); err != nil {
		return nil, err
	}

	s.notify(escrow)
	return escrow, nil
}

// Release pays the seller amount minus fees. Buyer only, funded only.
func (s *Service) Release(ctx context.Context, id, callerID string) (*Escrow, error) {
	mu := s.escrowLock(id)
	mu.Lock()
	defer mu.Unlock()

	escrow, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if callerID != escrow.BuyerID {
		return nil, ErrUnauthorized
	}
	if escrow.IsTerminal() {
		return nil, ErrAlreadyResolved
	}
	if escrow.Status != StatusFunded {
		return nil, ErrInvalidStatus
	}

	return s.settleRelease(ctx, escrow, StatusFunded, "released_by_buyer")
}

// Refund returns the full amount to the buyer with no fee. The seller may
// concede a funded escrow; disputed escrows are refunded by the resolver.
func (s *Service) Refund(ctx context.Context, id, callerID string) (*Escrow, error) {
	mu := s.escrowLock(id)
	mu.Lock()
	defer mu.Unlock()

	escrow, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if callerID != escrow.SellerID {
		return nil, ErrUnauthorized
	}
	if escrow.IsTerminal() {
		return nil, ErrAlreadyResolved
	}
	if escrow.Status != StatusFunded {
		return nil, ErrInvalidStatus
	}

	return s.settleRefund(ctx, escrow, StatusFunded, "refunded_by_seller")
}

// Cancel voids an unfunded escrow. Either party, created only, no postings.
func (s *Service) Cancel(ctx context.Context, id, callerID string) (*Escrow, error) {
	mu := s.escrowLock(id)
	mu.Lock()
	defer mu.Unlock()

	escrow, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if !escrow.Party(callerID) {
		return nil, ErrUnauthorized
	}
	if escrow.IsTerminal() {
		return nil, ErrAlreadyResolved
	}
	if escrow.Status != StatusCreated {
		return nil, ErrInvalidStatus
	}

	now := time.Now()
	escrow.Status = StatusCancelled
	escrow.Resolution = "cancelled"
	escrow.ResolvedAt = &now
	escrow.UpdatedAt = now

	if err := s.store.UpdateWithStatus(ctx, escrow, StatusCreated); err != nil {
		return nil, err
	}

	metrics.EscrowsTotal.WithLabelValues(string(StatusCancelled)).Inc()
	s.observeDuration(escrow)
	s.notify(escrow)
	return escrow, nil
}

// RaiseDispute moves a funded escrow to disputed and opens a dispute case.
// Either party may raise one.
func (s *Service) RaiseDispute(ctx context.Context, id, callerID, reason, description string) (*Escrow, error) {
	mu := s.escrowLock(id)
	mu.Lock()
	defer mu.Unlock()

	escrow, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if !escrow.Party(callerID) {
		return nil, ErrUnauthorized
	}
	if escrow.IsTerminal() {
		return nil, ErrAlreadyResolved
	}
	if escrow.Status != StatusFunded {
		return nil, ErrInvalidStatus
	}
	if s.disputes == nil {
		return nil, errors.New("dispute resolution is not available")
	}

	disputeID, err := s.disputes.OpenDispute(ctx, escrow.ID, callerID, reason, description)
	if err != nil {
		return nil, fmt.Errorf("failed to open dispute: %w", err)
	}

	escrow.Status = StatusDisputed
	escrow.DisputeID = disputeID
	escrow.UpdatedAt = time.Now()

	if err := s.store.UpdateWithStatus(ctx, escrow, StatusFunded); err != nil {
		// The dispute case exists but the escrow didn't move; the resolver
		// will fail any settlement against a non-disputed escrow.
		logging.L(ctx).Error("dispute opened but escrow status update failed",
			"escrow_id", escrow.ID, "dispute_id", disputeID, "error", err)
		return nil, err
	}

	metrics.EscrowsTotal.WithLabelValues(string(StatusDisputed)).Inc()
	s.notify(escrow)
	return escrow, nil
}

// AutoRelease releases a funded escrow whose hold period has elapsed.
// It acts as a buyer release: the seller is paid minus fees.
func (s *Service) AutoRelease(ctx context.Context, escrow *Escrow) error {
	mu := s.escrowLock(escrow.ID)
	mu.Lock()
	defer mu.Unlock()

	// Re-read from store under lock to prevent stale-state races
	fresh, err := s.store.Get(ctx, escrow.ID)
	if err != nil {
		return err
	}
	escrow = fresh

	if escrow.IsTerminal() {
		return ErrAlreadyResolved
	}
	if escrow.Status != StatusFunded {
		return ErrInvalidStatus
	}
	if !autoReleaseDue(escrow, time.Now()) {
		return ErrAutoReleaseNotDue
	}

	if _, err := s.settleRelease(ctx, escrow, StatusFunded, "auto_released"); err != nil {
		return err
	}
	metrics.EscrowAutoReleasedTotal.Inc()
	return nil
}

// Resolver entry points. Only the dispute resolver calls these; they are
// the sole paths out of the disputed status.

// ResolveRelease settles a disputed escrow in the seller's favor.
// Fees are deducted exactly as in a buyer release.
func (s *Service) ResolveRelease(ctx context.Context, id, note string) (*Escrow, error) {
	mu := s.escrowLock(id)
	mu.Lock()
	defer mu.Unlock()

	escrow, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if escrow.IsTerminal() {
		return nil, ErrAlreadyResolved
	}
	if escrow.Status != StatusDisputed {
		return nil, ErrInvalidStatus
	}
	return s.settleRelease(ctx, escrow, StatusDisputed, note)
}

// ResolveRefund settles a disputed escrow in the buyer's favor: the full
// amount returns, no fee.
func (s *Service) ResolveRefund(ctx context.Context, id, note string) (*Escrow, error) {
	mu := s.escrowLock(id)
	mu.Lock()
	defer mu.Unlock()

	escrow, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if escrow.IsTerminal() {
		return nil, ErrAlreadyResolved
	}
	if escrow.Status != StatusDisputed {
		return nil, ErrInvalidStatus
	}
	return s.settleRefund(ctx, escrow, StatusDisputed, note)
}

// ResolvePartial splits a disputed escrow: buyerShare returns to the buyer
// and the remainder goes to the seller. No fees are charged on either leg.
func (s *Service) ResolvePartial(ctx context.Context, id string, buyerShare *big.Int, note string) (*Escrow, error) {
	mu := s.escrowLock(id)
	mu.Lock()
	defer mu.Unlock()

	escrow, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if escrow.IsTerminal() {
		return nil, ErrAlreadyResolved
	}
	if escrow.Status != StatusDisputed {
		return nil, ErrInvalidStatus
	}

	amount, _ := money.Parse(escrow.Amount)
	if buyerShare == nil || buyerShare.Sign() < 0 || buyerShare.Cmp(amount) > 0 {
		return nil, ErrInvalidAmount
	}

	if err := s.ledger.SplitFunds(ctx, escrow.BuyerID, escrow.SellerID, amount, buyerShare, escrow.ID); err != nil {
		return nil, fmt.Errorf("failed to split escrow funds: %w", err)
	}

	now := time.Now()
	escrow.Status = StatusRefunded
	escrow.Resolution = note
	escrow.ResolvedAt = &now
	escrow.UpdatedAt = now

	if err := s.store.UpdateWithStatus(ctx, escrow, StatusDisputed); err != nil {
		// Funds already moved; the split cannot be reversed safely.
		if retryErr := retry.Do(ctx, 3, 100*time.Millisecond, func() error {
			return s.store.Update(ctx, escrow)
		}); retryErr != nil {
			logging.L(ctx).Error("escrow funds split but status update failed",
				"escrow_id", escrow.ID, "error", retryErr)
			return nil, fmt.Errorf("failed to update escrow after split (requires manual resolution): %w", err)
		}
	}

	metrics.EscrowsTotal.WithLabelValues(string(StatusRefunded)).Inc()
	s.observeDuration(escrow)
	s.notify(escrow)
	return escrow, nil
}

// Get returns an escrow by ID.
func (s *Service) Get(ctx context.Context, id string) (*Escrow, error) {
	return s.store.Get(ctx, id)
}

// ListByUser returns escrows involving a user (as buyer or seller).
func (s *Service) ListByUser(ctx context.Context, userID string, limit int) ([]*Escrow, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListByUser(ctx, userID, limit)
}

// settleRelease pays the seller amount minus fees and finalizes the escrow.
// Callers must hold the escrow lock and have validated the current status.
func (s *Service) settleRelease(ctx context.Context, escrow *Escrow, expect Status, note string) (*Escrow, error) {
	amount, _ := money.Parse(escrow.Amount)
	fees, _ := money.Parse(escrow.Fees.Total)

	if err := s.ledger.ReleaseFunds(ctx, escrow.BuyerID, escrow.SellerID, amount, fees, escrow.ID); err != nil {
		return nil, fmt.Errorf("failed to release escrow funds: %w", err)
	}

	now := time.Now()
	escrow.Status = StatusReleased
	escrow.Resolution = note
	escrow.ResolvedAt = &now
	escrow.UpdatedAt = now
	// Release approves every milestone, the buyer accepted the outcome.
	for i := range escrow.Milestones {
		escrow.Milestones[i].Status = MilestoneApproved
		escrow.Milestones[i].UpdatedAt = now
	}

	if err := s.store.UpdateWithStatus(ctx, escrow, expect); err != nil {
		// Funds already moved to the seller, there is no safe inverse.
		// Retry the unconditional write, then surface for manual resolution.
		if retryErr := retry.Do(ctx, 3, 100*time.Millisecond, func() error {
			return s.store.Update(ctx, escrow)
		}); retryErr != nil {
			logging.L(ctx).Error("escrow funds released but status update failed",
				"escrow_id", escrow.ID, "seller_id", escrow.SellerID, "error", retryErr)
			return nil, fmt.Errorf("failed to update escrow after fund release (requires manual resolution): %w", err)
		}
	}

	if s.collector != nil && fees.Sign() > 0 {
		if err := s.collector.CollectFees(ctx, escrow.ID, fees); err != nil {
			logging.L(ctx).Warn("fee collection failed", "escrow_id", escrow.ID, "error", err)
		}
	}

	metrics.EscrowsTotal.WithLabelValues(string(StatusReleased)).Inc()
	s.observeDuration(escrow)
	s.notify(escrow)
	return escrow, nil
}

// settleRefund returns the full amount to the buyer and finalizes the escrow.
// Callers must hold the escrow lock and have validated the current status.
func (s *Service) settleRefund(ctx context.Context, escrow *Escrow, expect Status, note string) (*Escrow, error) {
	amount, _ := money.Parse(escrow.Amount)

	if err := s.ledger.RefundFunds(ctx, escrow.BuyerID, amount, escrow.ID); err != nil {
		return nil, fmt.Errorf("failed to refund escrow: %w", err)
	}

	now := time.Now()
	escrow.Status = StatusRefunded
	escrow.Resolution = note
	escrow.ResolvedAt = &now
	escrow.UpdatedAt = now

	if err := s.store.UpdateWithStatus(ctx, escrow, expect); err != nil {
		// Compensate: re-lock the refunded funds
		_ = s.ledger.LockFunds(ctx, escrow.BuyerID, amount, escrow.ID)
		return nil, fmt.Errorf("failed to update escrow after refund: %w", err)
	}

	metrics.EscrowsTotal.WithLabelValues(string(StatusRefunded)).Inc()
	s.observeDuration(escrow)
	s.notify(escrow)
	return escrow, nil
}

func (s *Service) notify(e *Escrow) {
	if s.events != nil {
		s.events.EscrowUpdated(e)
	}
}

func (s *Service) observeDuration(e *Escrow) {
	if e.ResolvedAt != nil {
		metrics.EscrowDuration.Observe(e.ResolvedAt.Sub(e.CreatedAt).Seconds())
	}
}

// autoReleaseDue reports whether the hold period has elapsed since the
// escrow last changed.
func autoReleaseDue(e *Escrow, now time.Time) bool {
	hold := time.Duration(e.Terms.AutoReleaseDays) * 24 * time.Hour
	return now.Sub(e.UpdatedAt) >= hold
}

// defaultMilestones seeds the standard delivery timeline.
func defaultMilestones(now time.Time) []Milestone {
	return []Milestone{
		{
			ID:          "funds_secured",
			Description: "Funds secured in escrow",
			Status:      MilestonePending,
			UpdatedAt:   now,
		},
		{
			ID:               "item_shipped",
			Description:      "Item shipped by seller",
			Status:           MilestonePending,
			RequiredEvidence: []string{"tracking_number"},
			UpdatedAt:        now,
		},
		{
			ID:          "item_received",
			Description: "Item received by buyer",
			Status:      MilestonePending,
			UpdatedAt:   now,
		},
	}
}

func approveMilestone(e *Escrow, milestoneID string, now time.Time) {
	for i := range e.Milestones {
		if e.Milestones[i].ID == milestoneID {
			e.Milestones[i].Status = MilestoneApproved
			e.Milestones[i].UpdatedAt = now
			return
		}
	}
}

func hasAllRequiredEvidence(m *Milestone) bool {
	if len(m.RequiredEvidence) == 0 {
		return len(m.Evidence) > 0
	}
	for _, required := range m.RequiredEvidence {
		found := false
		for _, ev := range m.Evidence {
			if ev.Type == required {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
