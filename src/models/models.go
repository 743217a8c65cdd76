package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// OperationKind is the closed set of ledger entry kinds. Persisted as-is, so
// the values are part of the storage format.
type OperationKind string

const (
	KindIncome           OperationKind = "income"
	KindCashDeposit      OperationKind = "cash_deposit"
	KindCashWithdrawal   OperationKind = "cash_withdrawal"
	KindPPPayment        OperationKind = "pp_payment"
	KindPPRefund         OperationKind = "pp_refund"
	KindCommission       OperationKind = "commission"
	KindBankFeeRequest   OperationKind = "bank_fee_request"
	KindConversion       OperationKind = "conversion"
	KindInternalExchange OperationKind = "internal_exchange"
)

// SignClass partitions kinds by the sign their entries must carry.
// Conversion-like kinds produce paired legs of both signs and are exempt.
type SignClass int

const (
	SignInflow SignClass = iota
	SignOutflow
	SignEither
)

func (k OperationKind) Valid() bool {
	switch k {
	case KindIncome, KindCashDeposit, KindCashWithdrawal, KindPPPayment, KindPPRefund,
		KindCommission, KindBankFeeRequest, KindConversion, KindInternalExchange:
		return true
	}
	return false
}

func (k OperationKind) SignClass() SignClass {
	switch k {
	case KindIncome, KindCashDeposit, KindPPRefund:
		return SignInflow
	case KindCashWithdrawal, KindPPPayment, KindCommission, KindBankFeeRequest:
		return SignOutflow
	default:
		return SignEither
	}
}

// LedgerEntry is an immutable, append-only ledger row. Amount is signed:
// inflows positive, outflows negative.
type LedgerEntry struct {
	ID          int64           `json:"id"`
	Scope       string          `json:"scope"`
	Kind        OperationKind   `json:"kind"`
	Currency    string          `json:"currency"`
	Amount      decimal.Decimal `json:"amount"`
	Description string          `json:"description"`
	Timestamp   time.Time       `json:"timestamp"`
}

// Balance is the materialized per-(scope,currency) aggregate. It is derivable
// from the entries and never authoritative over them.
type Balance struct {
	Scope       string          `json:"scope"`
	Currency    string          `json:"currency"`
	Amount      decimal.Decimal `json:"amount"`
	LastUpdated time.Time       `json:"last_updated"`
}

// Leg is one side of a not-yet-persisted operation.
type Leg struct {
	ID       string          `json:"id"`
	Kind     OperationKind   `json:"kind"`
	Currency string          `json:"currency"`
	Amount   decimal.Decimal `json:"amount"`
}

// OperationIntent is a classified operation awaiting commit. Single-leg for
// plain operations; conversions and exchanges carry a linked pair of legs
// sharing one timestamp and description, persisted atomically.
type OperationIntent struct {
	ID           string    `json:"id"`
	Scope        string    `json:"scope"`
	Legs         []Leg     `json:"legs"`
	Description  string    `json:"description"`
	Timestamp    time.Time `json:"timestamp"`
	AutoDetected bool      `json:"auto_detected"`
}

// Message is the raw inbound unit handed over by the dispatch collaborator.
// An empty ScopeHint means the message arrived in an ambient (ungrouped)
// context and operations must name their target via a [SCOPE] tag.
type Message struct {
	Text       string    `json:"text"`
	ActorID    string    `json:"actor_id"`
	ScopeHint  string    `json:"scope"`
	ScopeName  string    `json:"scope_name"`
	Privileged bool      `json:"privileged"`
	Timestamp  time.Time `json:"timestamp"`
}

const (
	SubmitAccepted   = "accepted"
	SubmitIgnored    = "ignored"
	SubmitSuppressed = "suppressed"
)

// SubmitReceipt reports what a submission produced. Storage entry ids are
// assigned later, at flush time; the receipt carries the queued leg ids.
type SubmitReceipt struct {
	Status    string   `json:"status"`
	IntentIDs []string `json:"intent_ids,omitempty"`
	LegIDs    []string `json:"leg_ids,omitempty"`
	Hint      string   `json:"hint,omitempty"`
}

// HistoryFilter narrows a history read. A zero Limit means no limit; zero
// time bounds are open.
type HistoryFilter struct {
	Kind     OperationKind
	Currency string
	Limit    int
	From     time.Time
	To       time.Time
}

type ScopeInfo struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	RegisteredAt time.Time `json:"registered_at"`
	LastSeen     time.Time `json:"last_seen"`
}

// ScopeStats aggregates committed entries of one scope over a period.
type ScopeStats struct {
	Scope   string                                       `json:"scope"`
	From    time.Time                                    `json:"from,omitempty"`
	To      time.Time                                    `json:"to,omitempty"`
	Entries int                                          `json:"entries"`
	Totals  map[OperationKind]map[string]decimal.Decimal `json:"totals"`
}

type AuditIssueKind string

const (
	AuditSignViolation AuditIssueKind = "sign_violation"
	AuditBalanceDrift  AuditIssueKind = "balance_drift"
)

// AuditIssue is a reconciliation finding. Issues are data, never persisted;
// remediation is an explicit recompute.
type AuditIssue struct {
	Kind     AuditIssueKind `json:"kind"`
	Scope    string         `json:"scope"`
	Currency string         `json:"currency"`
	Detail   string         `json:"detail"`
}

// BatchCommitted is published after a scope's pending batch commits.
type BatchCommitted struct {
	BatchID     string    `json:"batch_id"`
	Scope       string    `json:"scope"`
	EntryIDs    []int64   `json:"entry_ids"`
	Currencies  []string  `json:"currencies"`
	CommittedAt time.Time `json:"committed_at"`
}
