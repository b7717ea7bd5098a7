// Package wallet tracks per-user balances on the platform.
//
// Every user has one account with four balance categories:
// available, escrow_held, pending, and rewards. Balances only change
// through postings, immutable append-only records of signed deltas,
// so the account is always the fold of its posting history.
package wallet

import (
	"context"
	"errors"
	"math/big"
	"time"

	"github.com/mzansibay/platform/internal/idgen"
	"github.com/mzansibay/platform/internal/logging"
	"github.com/mzansibay/platform/internal/metrics"
	"github.com/mzansibay/platform/internal/money"
	"github.com/mzansibay/platform/internal/pagination"
	"github.com/mzansibay/platform/internal/syncutil"
)

var (
	ErrAccountNotFound   = errors.New("wallet account not found")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrInvalidAmount     = errors.New("invalid amount")
	ErrInvalidCategory   = errors.New("invalid balance category")
	ErrInvalidCursor     = errors.New("invalid cursor")
)

// Category identifies one of the four balance buckets.
type Category string

const (
	CategoryAvailable  Category = "available"
	CategoryEscrowHeld Category = "escrow_held"
	CategoryPending    Category = "pending"
	CategoryRewards    Category = "rewards"
)

// Valid reports whether c is a known balance category.
func (c Category) Valid() bool {
	switch c {
	case CategoryAvailable, CategoryEscrowHeld, CategoryPending, CategoryRewards:
		return true
	}
	return false
}

// Posting reasons used by the escrow and dispute flows.
const (
	ReasonSeed          = "seed"
	ReasonEscrowLock    = "escrow_lock"
	ReasonEscrowRelease = "escrow_release"
	ReasonEscrowPayment = "escrow_payment"
	ReasonEscrowRefund  = "escrow_refund"
	ReasonDisputeSplit  = "dispute_split"
	ReasonReward        = "reward"
)

// Account is a user's wallet: one balance per category, all non-negative.
// Total is derived and never stored.
type Account struct {
	UserID     string    `json:"userId"`
	Available  string    `json:"available"`
	EscrowHeld string    `json:"escrowHeld"`
	Pending    string    `json:"pending"`
	Rewards    string    `json:"rewards"`
	Total      string    `json:"total"`
	Currency   string    `json:"currency"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// Posting is an immutable ledger record. Amount is a signed decimal
// string; the account balance in Category moves by exactly this delta.
type Posting struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	Category  Category  `json:"category"`
	Amount    string    `json:"amount"`
	Reason    string    `json:"reason"`
	Reference string    `json:"reference,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Store persists accounts and postings.
//
// Apply is the only write path: it upserts the given accounts and appends
// the given postings in one atomic step. The service computes new balances
// under per-account locks, so stores persist the values as given.
type Store interface {
	Get(ctx context.Context, userID string) (*Account, error)
	Apply(ctx context.Context, accounts []*Account, postings []*Posting) error
	History(ctx context.Context, userID string, before *pagination.Cursor, limit, offset int) ([]*Posting, error)
}

// EventSink receives posting notifications for realtime delivery.
// Implementations must not block.
type EventSink interface {
	PostingCreated(p *Posting)
}

// Service manages wallet accounts.
type Service struct {
	store  Store
	locks  syncutil.ShardedMutex
	seed   *big.Int
	events EventSink
}

// New creates a wallet service. seed is credited to the available balance
// when an account is first touched; pass zero to disable seeding.
func New(store Store, seed *big.Int) *Service {
	if seed == nil {
		seed = big.NewInt(0)
	}
	return &Service{store: store, seed: seed}
}

// WithEvents attaches a sink for posting events.
func (s *Service) WithEvents(sink EventSink) {
	s.events = sink
}

// GetBalance returns the user's account, creating it with the seed
// balance on first access.
func (s *Service) GetBalance(ctx context.Context, userID string) (*Account, error) {
	unlock := s.locks.Lock(userID)
	defer unlock()
	return s.loadOrCreate(ctx, userID)
}

// Post applies a single signed delta to one balance category. A debit
// larger than the category balance fails with ErrInsufficientFunds and
// leaves the account untouched.
func (s *Service) Post(ctx context.Context, userID string, category Category, delta *big.Int, reason, reference string) (*Account, error) {
	if !category.Valid() {
		return nil, ErrInvalidCategory
	}
	if delta == nil || delta.Sign() == 0 {
		return nil, ErrInvalidAmount
	}

	unlock := s.locks.Lock(userID)
	defer unlock()

	acc, err := s.loadOrCreate(ctx, userID)
	if err != nil {
		return nil, err
	}

	if err := applyDelta(acc, category, delta); err != nil {
		return nil, err
	}

	p := s.newPosting(userID, category, delta, reason, reference)
	if err := s.store.Apply(ctx, []*Account{acc}, []*Posting{p}); err != nil {
		return nil, err
	}
	s.recorded(p)
	return acc, nil
}

// History returns the user's postings, most recent first.
func (s *Service) History(ctx context.Context, userID string, limit, offset int) ([]*Posting, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return s.store.History(ctx, userID, nil, limit, offset)
}

// HistoryPage returns one page of the user's postings plus an opaque
// cursor for the next page. An empty cursor starts from the most recent
// posting; offset is applied after the cursor position.
func (s *Service) HistoryPage(ctx context.Context, userID, cursor string, limit, offset int) ([]*Posting, string, bool, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	before, err := pagination.Decode(cursor)
	if err != nil {
		return nil, "", false, ErrInvalidCursor
	}

	postings, err := s.store.History(ctx, userID, before, limit+1, offset)
	if err != nil {
		return nil, "", false, err
	}
	page, next, more := pagination.ComputePage(postings, limit, func(p *Posting) (time.Time, string) {
		return p.CreatedAt, p.ID
	})
	return page, next, more, nil
}

// LockFunds moves amount from the buyer's available balance into
// escrow_held. One atomic step, one posting per leg.
func (s *Service) LockFunds(ctx context.Context, userID string, amount *big.Int, reference string) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}

	unlock := s.locks.Lock(userID)
	defer unlock()

	acc, err := s.loadOrCreate(ctx, userID)
	if err != nil {
		return err
	}

	neg := new(big.Int).Neg(amount)
	if err := applyDelta(acc, CategoryAvailable, neg); err != nil {
		return err
	}
	if err := applyDelta(acc, CategoryEscrowHeld, amount); err != nil {
		return err
	}

	postings := []*Posting{
		s.newPosting(userID, CategoryAvailable, neg, ReasonEscrowLock, reference),
		s.newPosting(userID, CategoryEscrowHeld, amount, ReasonEscrowLock, reference),
	}
	if err := s.store.Apply(ctx, []*Account{acc}, postings); err != nil {
		return err
	}
	s.recorded(postings...)
	return nil
}

// ReleaseFunds settles an escrow in the seller's favor: the full amount
// leaves the buyer's escrow_held and amount-fees lands in the seller's
// available balance. The fee differential leaves circulation.
func (s *Service) ReleaseFunds(ctx context.Context, buyerID, sellerID string, amount, fees *big.Int, reference string) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	if fees == nil {
		fees = big.NewInt(0)
	}
	net := new(big.Int).Sub(amount, fees)
	if net.Sign() < 0 {
		return ErrInvalidAmount
	}

	unlock := s.locks.LockAll(buyerID, sellerID)
	defer unlock()

	buyer, err := s.loadOrCreate(ctx, buyerID)
	if err != nil {
		return err
	}
	seller, err := s.loadOrCreate(ctx, sellerID)
	if err != nil {
		return err
	}

	neg := new(big.Int).Neg(amount)
	if err := applyDelta(buyer, CategoryEscrowHeld, neg); err != nil {
		return err
	}
	if err := applyDelta(seller, CategoryAvailable, net); err != nil {
		return err
	}

	postings := []*Posting{
		s.newPosting(buyerID, CategoryEscrowHeld, neg, ReasonEscrowRelease, reference),
		s.newPosting(sellerID, CategoryAvailable, net, ReasonEscrowPayment, reference),
	}
	if err := s.store.Apply(ctx, []*Account{buyer, seller}, postings); err != nil {
		return err
	}
	s.recorded(postings...)
	return nil
}

// RefundFunds returns the full escrowed amount to the buyer's available
// balance. No fees are charged on refund.
func (s *Service) RefundFunds(ctx context.Context, userID string, amount *big.Int, reference string) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}

	unlock := s.locks.Lock(userID)
	defer unlock()

	acc, err := s.loadOrCreate(ctx, userID)
	if err != nil {
		return err
	}

	neg := new(big.Int).Neg(amount)
	if err := applyDelta(acc, CategoryEscrowHeld, neg); err != nil {
		return err
	}
	if err := applyDelta(acc, CategoryAvailable, amount); err != nil {
		return err
	}

	postings := []*Posting{
		s.newPosting(userID, CategoryEscrowHeld, neg, ReasonEscrowRefund, reference),
		s.newPosting(userID, CategoryAvailable, amount, ReasonEscrowRefund, reference),
	}
	if err := s.store.Apply(ctx, []*Account{acc}, postings); err != nil {
		return err
	}
	s.recorded(postings...)
	return nil
}

// SplitFunds settles an escrow by adjudicated split: the full amount
// leaves the buyer's escrow_held, buyerShare returns to the buyer's
// available balance, and the remainder goes to the seller. No fees.
func (s *Service) SplitFunds(ctx context.Context, buyerID, sellerID string, amount, buyerShare *big.Int, reference string) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	if buyerShare == nil || buyerShare.Sign() < 0 || buyerShare.Cmp(amount) > 0 {
		return ErrInvalidAmount
	}
	sellerShare := new(big.Int).Sub(amount, buyerShare)

	unlock := s.locks.LockAll(buyerID, sellerID)
	defer unlock()

	buyer, err := s.loadOrCreate(ctx, buyerID)
	if err != nil {
		return err
	}
	seller, err := s.loadOrCreate(ctx, sellerID)
	if err != nil {
		return err
	}

	neg := new(big.Int).Neg(amount)
	if err := applyDelta(buyer, CategoryEscrowHeld, neg); err != nil {
		return err
	}

	postings := []*Posting{
		s.newPosting(buyerID, CategoryEscrowHeld, neg, ReasonDisputeSplit, reference),
	}
	if buyerShare.Sign() > 0 {
		if err := applyDelta(buyer, CategoryAvailable, buyerShare); err != nil {
			return err
		}
		postings = append(postings, s.newPosting(buyerID, CategoryAvailable, buyerShare, ReasonDisputeSplit, reference))
	}
	if sellerShare.Sign() > 0 {
		if err := applyDelta(seller, CategoryAvailable, sellerShare); err != nil {
			return err
		}
		postings = append(postings, s.newPosting(sellerID, CategoryAvailable, sellerShare, ReasonDisputeSplit, reference))
	}

	if err := s.store.Apply(ctx, []*Account{buyer, seller}, postings); err != nil {
		return err
	}
	s.recorded(postings...)
	return nil
}

// loadOrCreate fetches the account, seeding a fresh one on first access.
// Callers must hold the account lock.
func (s *Service) loadOrCreate(ctx context.Context, userID string) (*Account, error) {
	acc, err := s.store.Get(ctx, userID)
	if err == nil {
		fillTotal(acc)
		return acc, nil
	}
	if !errors.Is(err, ErrAccountNotFound) {
		return nil, err
	}

	now := time.Now()
	acc = &Account{
		UserID:     userID,
		Available:  money.Format(s.seed),
		EscrowHeld: "0.00",
		Pending:    "0.00",
		Rewards:    "0.00",
		Currency:   money.Currency,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	var postings []*Posting
	if s.seed.Sign() > 0 {
		postings = append(postings, s.newPosting(userID, CategoryAvailable, s.seed, ReasonSeed, ""))
	}
	if err := s.store.Apply(ctx, []*Account{acc}, postings); err != nil {
		return nil, err
	}
	logging.L(ctx).Info("wallet account created", "user_id", userID, "seed", acc.Available)
	s.recorded(postings...)
	fillTotal(acc)
	return acc, nil
}

func (s *Service) newPosting(userID string, category Category, delta *big.Int, reason, reference string) *Posting {
	metrics.PostingsTotal.WithLabelValues(string(category), reason).Inc()
	return &Posting{
		ID:        idgen.WithPrefix("post_"),
		UserID:    userID,
		Category:  category,
		Amount:    money.Format(delta),
		Reason:    reason,
		Reference: reference,
		CreatedAt: time.Now(),
	}
}

func (s *Service) recorded(postings ...*Posting) {
	if s.events == nil {
		return
	}
	for _, p := range postings {
		s.events.PostingCreated(p)
	}
}

// applyDelta moves one category balance by delta, rejecting any move
// that would take it negative.
func applyDelta(acc *Account, category Category, delta *big.Int) error {
	cur, ok := money.Parse(balanceOf(acc, category))
	if !ok {
		return ErrInvalidAmount
	}
	next := new(big.Int).Add(cur, delta)
	if next.Sign() < 0 {
		metrics.InsufficientFundsTotal.Inc()
		return ErrInsufficientFunds
	}
	setBalance(acc, category, money.Format(next))
	acc.UpdatedAt = time.Now()
	fillTotal(acc)
	return nil
}

func balanceOf(acc *Account, category Category) string {
	switch category {
	case CategoryAvailable:
		return acc.Available
	case CategoryEscrowHeld:
		return acc.EscrowHeld
	case CategoryPending:
		return acc.Pending
	case CategoryRewards:
		return acc.Rewards
	}
	return "0.00"
}

func setBalance(acc *Account, category Category, v string) {
	switch category {
	case CategoryAvailable:
		acc.Available = v
	case CategoryEscrowHeld:
		acc.EscrowHeld = v
	case CategoryPending:
		acc.Pending = v
	case CategoryRewards:
		acc.Rewards = v
	}
}

func fillTotal(acc *Account) {
	total := big.NewInt(0)
	for _, c := range []Category{CategoryAvailable, CategoryEscrowHeld, CategoryPending, CategoryRewards} {
		v, _ := money.Parse(balanceOf(acc, c))
		if v != nil {
			total.Add(total, v)
		}
	}
	acc.Total = money.Format(total)
	if acc.Currency == "" {
		acc.Currency = money.Currency
	}
}
