// Package dispute resolves contested escrows.
//
// A dispute is opened against a funded escrow by either party. Evidence
// and messages accumulate append-only while the case is triaged by
// priority. Resolution executes exactly one set of ledger movements
// through the escrow engine and is final.
package dispute

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/mzansibay/platform/internal/escrow"
	"github.com/mzansibay/platform/internal/idgen"
	"github.com/mzansibay/platform/internal/metrics"
	"github.com/mzansibay/platform/internal/money"
)

var (
	ErrDisputeNotFound = errors.New("dispute not found")
	ErrUnauthorized    = errors.New("not authorized for this dispute")
	ErrAlreadyResolved = errors.New("dispute already resolved")
	ErrInvalidReason   = errors.New("invalid dispute reason")
	ErrInvalidAmount   = errors.New("invalid resolution amount")
)

// Reason is the closed set of grounds for opening a dispute.
type Reason string

const (
	ReasonItemNotReceived    Reason = "item_not_received"
	ReasonItemNotAsDescribed Reason = "item_not_as_described"
	ReasonCounterfeitItem    Reason = "counterfeit_item"
	ReasonPaymentIssues      Reason = "payment_issues"
	ReasonFraudSuspicion     Reason = "fraud_suspicion"
	ReasonSellerUnresponsive Reason = "seller_unresponsive"
	ReasonOther              Reason = "other"
)

// Valid returns true for a known reason.
func (r Reason) Valid() bool {
	switch r {
	case ReasonItemNotReceived, ReasonItemNotAsDescribed, ReasonCounterfeitItem,
		ReasonPaymentIssues, ReasonFraudSuspicion, ReasonSellerUnresponsive, ReasonOther:
		return true
	}
	return false
}

// Status represents the state of a dispute case.
type Status string

const (
	StatusOpen             Status = "open"
	StatusInvestigating    Status = "investigating"
	StatusAwaitingResponse Status = "awaiting_response"
	StatusEscalated        Status = "escalated"
	StatusResolved         Status = "resolved"
	StatusClosed           Status = "closed"
	StatusCancelled        Status = "cancelled"
)

// Priority drives queue assignment and the response SLA.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Evidence is a single piece of supporting material. The data field holds
// a URL or opaque reference, never binary content.
type Evidence struct {
	Type        string    `json:"type"`
	Data        string    `json:"data"`
	SubmittedBy string    `json:"submittedBy"`
	SubmittedAt time.Time `json:"submittedAt"`
}

// SenderType identifies who wrote a message.
type SenderType string

const (
	SenderBuyer  SenderType = "buyer"
	SenderSeller SenderType = "seller"
	SenderAgent  SenderType = "agent"
	SenderSystem SenderType = "system"
)

// Message is one entry in the dispute's append-only conversation log.
// Internal messages are visible to support agents only.
type Message struct {
	ID         string     `json:"id"`
	SenderID   string     `json:"senderId"`
	SenderType SenderType `json:"senderType"`
	Text       string     `json:"text"`
	Internal   bool       `json:"internal,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
}

// ResolutionRecord captures how a resolved dispute was settled.
type ResolutionRecord struct {
	Type       string    `json:"type"`
	Amount     string    `json:"amount,omitempty"` // buyer's share for partial outcomes
	ResolvedBy string    `json:"resolvedBy"`
	ResolvedAt time.Time `json:"resolvedAt"`
}

// Dispute represents a contested escrow. Cases are never deleted.
type Dispute struct {
	ID          string            `json:"id"`
	EscrowID    string            `json:"escrowId"`
	BuyerID     string            `json:"buyerId"`
	SellerID    string            `json:"sellerId"`
	RaisedBy    string            `json:"raisedBy"`
	Reason      Reason            `json:"reason"`
	Description string            `json:"description,omitempty"`
	Status      Status            `json:"status"`
	Priority    Priority          `json:"priority"`
	Queue       string            `json:"queue"`
	Agent       string            `json:"agent"`
	SLA         string            `json:"sla"`
	Amount      string            `json:"amount"`
	Currency    string            `json:"currency"`
	Evidence    []Evidence        `json:"evidence,omitempty"`
	Messages    []Message         `json:"messages,omitempty"`
	Resolution  *ResolutionRecord `json:"resolution,omitempty"`
	CreatedAt   time.Time         `json:"createdAt"`
	UpdatedAt   time.Time         `json:"updatedAt"`
	ResolvedAt  *time.Time        `json:"resolvedAt,omitempty"`
}

// IsTerminal returns true if the dispute is in a final state.
func (d *Dispute) IsTerminal() bool {
	switch d.Status {
	case StatusResolved, StatusClosed, StatusCancelled:
		return true
	}
	return false
}

// Party returns true if userID is the buyer or the seller.
func (d *Dispute) Party(userID string) bool {
	return userID == d.BuyerID || userID == d.SellerID
}

// Resolution is the tagged set of settlement strategies. The type switch
// in Resolve dispatches exhaustively over these.
type Resolution interface {
	resolutionType() string
}

// RefundBuyer returns the full escrow amount to the buyer, no fee.
type RefundBuyer struct{}

// ReleaseToSeller pays the seller minus platform and escrow fees.
type ReleaseToSeller struct{}

// PartialRefund returns Amount (cents) to the buyer and the remainder to
// the seller. No fees on either leg.
type PartialRefund struct {
	Amount *big.Int
}

// MediatedAgreement settles on negotiated terms: a partial refund when an
// amount was agreed, a full refund otherwise.
type MediatedAgreement struct {
	Amount *big.Int // nil means full refund
}

func (RefundBuyer) resolutionType() string       { return "refund_buyer" }
func (ReleaseToSeller) resolutionType() string   { return "release_to_seller" }
func (PartialRefund) resolutionType() string     { return "partial_refund" }
func (MediatedAgreement) resolutionType() string { return "mediated_agreement" }

// ParseResolution builds a Resolution from its wire form.
func ParseResolution(typ, amount string) (Resolution, error) {
	switch typ {
	case "refund_buyer":
		return RefundBuyer{}, nil
	case "release_to_seller":
		return ReleaseToSeller{}, nil
	case "partial_refund":
		cents, ok := money.Parse(amount)
		if !ok || amount == "" {
			return nil, ErrInvalidAmount
		}
		return PartialRefund{Amount: cents}, nil
	case "mediated_agreement":
		if amount == "" {
			return MediatedAgreement{}, nil
		}
		cents, ok := money.Parse(amount)
		if !ok {
			return nil, ErrInvalidAmount
		}
		return MediatedAgreement{Amount: cents}, nil
	default:
		return nil, fmt.Errorf("unknown resolution type %q", typ)
	}
}

// Store persists dispute data.
//
// UpdateWithStatus is the same compare-and-swap contract as the escrow
// store: the write only lands if the stored status still equals expect.
type Store interface {
	Create(ctx context.Context, d *Dispute) error
	Get(ctx context.Context, id string) (*Dispute, error)
	Update(ctx context.Context, d *Dispute) error
	UpdateWithStatus(ctx context.Context, d *Dispute, expect Status) error
	ListByUser(ctx context.Context, userID string, limit int) ([]*Dispute, error)
}

// EscrowService is the slice of the escrow engine the resolver needs.
// The escrow service satisfies it directly.
type EscrowService interface {
	Get(ctx context.Context, id string) (*escrow.Escrow, error)
	ResolveRelease(ctx context.Context, id, note string) (*escrow.Escrow, error)
	ResolveRefund(ctx context.Context, id, note string) (*escrow.Escrow, error)
	ResolvePartial(ctx context.Context, id string, buyerShare *big.Int, note string) (*escrow.Escrow, error)
}

// EventSink receives dispute change notifications for realtime delivery.
// Implementations must not block.
type EventSink interface {
	DisputeUpdated(d *Dispute)
}

// Service implements dispute resolution business logic.
type Service struct {
	store   Store
	escrows EscrowService
	events  EventSink
	locks   sync.Map // per-dispute ID locks
}

// NewService creates a new dispute service.
func NewService(store Store, escrows EscrowService) *Service {
	return &Service{store: store, escrows: escrows}
}

// WithEvents attaches a sink for dispute events.
func (s *Service) WithEvents(sink EventSink) *Service {
	s.events = sink
	return s
}

func (s *Service) disputeLock(id string) *sync.Mutex {
	v, _ := s.locks.LoadOrStore(id, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// OpenDispute satisfies the escrow engine's dispute opener contract.
func (s *Service) OpenDispute(ctx context.Context, escrowID, raisedBy, reason, description string) (string, error) {
	d, err := s.Open(ctx, escrowID, raisedBy, Reason(reason), description)
	if err != nil {
		return "", err
	}
	return d.ID, nil
}

// Open creates a dispute case against an escrow. The actor must be a
// party; priority, queue, agent and SLA are derived from the escrow
// amount and the reason.
func (s *Service) Open(ctx context.Context, escrowID, raisedBy string, reason Reason, description string) (*Dispute, error) {
	if !reason.Valid() {
		return nil, ErrInvalidReason
	}

	esc, err := s.escrows.Get(ctx, escrowID)
	if err != nil {
		return nil, err
	}
	if !esc.Party(raisedBy) {
		return nil, ErrUnauthorized
	}

	amount, _ := money.Parse(esc.Amount)
	priority := priorityFor(amount, reason)

	now := time.Now()
	d := &Dispute{
		ID:          idgen.WithPrefix("dsp_"),
		EscrowID:    esc.ID,
		BuyerID:     esc.BuyerID,
		SellerID:    esc.SellerID,
		RaisedBy:    raisedBy,
		Reason:      reason,
		Description: description,
		Status:      StatusOpen,
		Priority:    priority,
		Queue:       queueFor(priority),
		Agent:       agentFor(priority),
		SLA:         slaFor(priority),
		Amount:      esc.Amount,
		Currency:    esc.Currency,
		Messages: []Message{systemMessage(now,
			fmt.Sprintf("Dispute opened by %s: %s", raisedBy, reason))},
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := s.store.Create(ctx, d); err != nil {
		return nil, fmt.Errorf("failed to create dispute: %w", err)
	}

	metrics.DisputesTotal.WithLabelValues(string(priority)).Inc()
	s.notify(d)
	return d, nil
}

// AddEvidence appends evidence to an open dispute. Parties only.
func (s *Service) AddEvidence(ctx context.Context, id, callerID string, ev Evidence) (*Dispute, error) {
	mu := s.disputeLock(id)
	mu.Lock()
	defer mu.Unlock()

	d, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !d.Party(callerID) {
		return nil, ErrUnauthorized
	}
	if d.IsTerminal() {
		return nil, ErrAlreadyResolved
	}

	now := time.Now()
	ev.SubmittedBy = callerID
	ev.SubmittedAt = now
	d.Evidence = append(d.Evidence, ev)
	d.UpdatedAt = now

	if err := s.store.Update(ctx, d); err != nil {
		return nil, err
	}

	s.notify(d)
	return d, nil
}

// AddMessage appends a message to the dispute's conversation log. The
// status never changes. Internal notes are restricted to agents.
func (s *Service) AddMessage(ctx context.Context, id, senderID, text string, internal, isAgent bool) (*Dispute, error) {
	mu := s.disputeLock(id)
	mu.Lock()
	defer mu.Unlock()

	d, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !isAgent && !d.Party(senderID) {
		return nil, ErrUnauthorized
	}
	if internal && !isAgent {
		return nil, ErrUnauthorized
	}
	if d.IsTerminal() {
		return nil, ErrAlreadyResolved
	}

	now := time.Now()
	d.Messages = append(d.Messages, Message{
		ID:         idgen.WithPrefix("msg_"),
		SenderID:   senderID,
		SenderType: senderTypeFor(d, senderID, isAgent),
		Text:       text,
		Internal:   internal,
		CreatedAt:  now,
	})
	d.UpdatedAt = now

	if err := s.store.Update(ctx, d); err != nil {
		return nil, err
	}

	s.notify(d)
	return d, nil
}

// Resolve settles the dispute with exactly one set of ledger movements,
// executed through the escrow engine. Resolution is final.
func (s *Service) Resolve(ctx context.Context, id string, res Resolution, resolverID string) (*Dispute, error) {
	mu := s.disputeLock(id)
	mu.Lock()
	defer mu.Unlock()

	d, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if d.IsTerminal() {
		return nil, ErrAlreadyResolved
	}
	prev := d.Status

	record := &ResolutionRecord{ResolvedBy: resolverID}

	switch r := res.(type) {
	case RefundBuyer:
		record.Type = r.resolutionType()
		_, err = s.escrows.ResolveRefund(ctx, d.EscrowID, "resolved_refund_to_buyer")
	case ReleaseToSeller:
		record.Type = r.resolutionType()
		_, err = s.escrows.ResolveRelease(ctx, d.EscrowID, "resolved_release_to_seller")
	case PartialRefund:
		record.Type = r.resolutionType()
		if r.Amount == nil {
			return nil, ErrInvalidAmount
		}
		record.Amount = money.Format(r.Amount)
		_, err = s.escrows.ResolvePartial(ctx, d.EscrowID, r.Amount, "resolved_partial_refund")
	case MediatedAgreement:
		record.Type = r.resolutionType()
		if r.Amount != nil {
			record.Amount = money.Format(r.Amount)
			_, err = s.escrows.ResolvePartial(ctx, d.EscrowID, r.Amount, "resolved_mediated_agreement")
		} else {
			_, err = s.escrows.ResolveRefund(ctx, d.EscrowID, "resolved_mediated_agreement")
		}
	default:
		return nil, fmt.Errorf("unknown resolution type %T", res)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to settle escrow %s: %w", d.EscrowID, err)
	}

	now := time.Now()
	record.ResolvedAt = now
	d.Status = StatusResolved
	d.Resolution = record
	d.ResolvedAt = &now
	d.UpdatedAt = now
	d.Messages = append(d.Messages, systemMessage(now,
		fmt.Sprintf("Dispute resolved by %s: %s", resolverID, record.Type)))

	if err := s.store.UpdateWithStatus(ctx, d, prev); err != nil {
		// The escrow is already settled, so a racing second resolve has
		// failed there. Persist unconditionally.
		if retryErr := s.store.Update(ctx, d); retryErr != nil {
			return nil, fmt.Errorf("escrow settled but dispute update failed (requires manual resolution): %w", retryErr)
		}
	}

	metrics.DisputesResolvedTotal.WithLabelValues(record.Type).Inc()
	s.notify(d)
	return d, nil
}

// Get returns a dispute by ID.
func (s *Service) Get(ctx context.Context, id string) (*Dispute, error) {
	return s.store.Get(ctx, id)
}

// ListByUser returns disputes involving a user as buyer or seller.
func (s *Service) ListByUser(ctx context.Context, userID string, limit int) ([]*Dispute, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListByUser(ctx, userID, limit)
}

func (s *Service) notify(d *Dispute) {
	if s.events != nil {
		s.events.DisputeUpdated(d)
	}
}

func systemMessage(now time.Time, text string) Message {
	return Message{
		ID:         idgen.WithPrefix("msg_"),
		SenderID:   "system",
		SenderType: SenderSystem,
		Text:       text,
		CreatedAt:  now,
	}
}

func senderTypeFor(d *Dispute, senderID string, isAgent bool) SenderType {
	switch {
	case isAgent:
		return SenderAgent
	case senderID == d.BuyerID:
		return SenderBuyer
	default:
		return SenderSeller
	}
}

// Priority thresholds in cents.
var (
	urgentAbove = big.NewInt(10000 * 100)
	highAbove   = big.NewInt(5000 * 100)
	mediumAbove = big.NewInt(1000 * 100)
)

// priorityFor triages a dispute from the contested amount and the reason.
func priorityFor(amount *big.Int, reason Reason) Priority {
	if amount == nil {
		amount = big.NewInt(0)
	}
	switch {
	case amount.Cmp(urgentAbove) > 0 || reason == ReasonFraudSuspicion:
		return PriorityUrgent
	case amount.Cmp(highAbove) > 0 || reason == ReasonCounterfeitItem || reason == ReasonPaymentIssues:
		return PriorityHigh
	case amount.Cmp(mediumAbove) > 0:
		return PriorityMedium
	default:
		return PriorityLow
	}
}

func slaFor(p Priority) string {
	switch p {
	case PriorityUrgent:
		return "24 hours"
	case PriorityHigh:
		return "2-3 business days"
	case PriorityMedium:
		return "3-5 business days"
	default:
		return "5-7 business days"
	}
}

func queueFor(p Priority) string {
	return "disputes_" + string(p)
}

func agentFor(p Priority) string {
	return "agent_" + string(p) + "_pool"
}
