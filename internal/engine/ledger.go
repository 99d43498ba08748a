package engine

import (
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/advisoros/pulse/pkg/models"
)

// Ledger is the in-process source-of-truth financial state the reference
// calculator reads. Events are recorded by ID, so replaying a redelivered
// event never double-counts: handlers recompute absolute values from here
// rather than applying deltas.
type Ledger struct {
	mu     sync.RWMutex
	seen   map[uuid.UUID]struct{}
	totals map[string]*scopeTotals
}

type scopeTotals struct {
	income  decimal.Decimal
	expense decimal.Decimal
}

func NewLedger() *Ledger {
	return &Ledger{
		seen:   make(map[uuid.UUID]struct{}),
		totals: make(map[string]*scopeTotals),
	}
}

// Record applies an event to its scope and, for client-scoped events, to
// the organization-wide rollup scope. Returns false for duplicates.
func (l *Ledger) Record(event models.AnalyticsEvent) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, dup := l.seen[event.ID]; dup {
		return false
	}
	l.seen[event.ID] = struct{}{}

	l.apply(event.Scope, event.Payload)
	if event.Scope.ClientID != "" {
		l.apply(models.TenantScope{OrganizationID: event.Scope.OrganizationID}, event.Payload)
	}
	return true
}

func (l *Ledger) apply(scope models.TenantScope, data models.FinancialData) {
	t, ok := l.totals[scope.Key()]
	if !ok {
		t = &scopeTotals{}
		l.totals[scope.Key()] = t
	}
	switch data.Kind {
	case models.FinancialIncome:
		t.income = t.income.Add(data.Amount)
	case models.FinancialExpense:
		t.expense = t.expense.Add(data.Amount)
	}
}

// Totals returns the absolute income and expense sums for a scope.
func (l *Ledger) Totals(scope models.TenantScope) (income, expense decimal.Decimal) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if t, ok := l.totals[scope.Key()]; ok {
		return t.income, t.expense
	}
	return decimal.Zero, decimal.Zero
}
