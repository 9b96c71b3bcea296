package risk

import (
	"errors"
	"sync"
	"time"

	"github.com/gregtusar/mmbot/pkg/models"
	"github.com/shopspring/decimal"
)

var ErrDuplicateFill = errors.New("duplicate fill")

type Limits struct {
	TargetPosition      decimal.Decimal
	MaxPosition         decimal.Decimal
	PositionThreshold   decimal.Decimal
	InventorySkewFactor decimal.Decimal
	StopLossAmount      decimal.Decimal
	TakeProfitAmount    decimal.Decimal
}

// Manager owns the authoritative position for one symbol. Fills are the only
// thing that move it, apart from Sync after an exchange reconciliation poll.
type Manager struct {
	symbol string
	limits Limits

	mu      sync.RWMutex
	pos     models.Position
	seen    map[string]struct{}
	unknown bool
	halted  bool
}

func NewManager(symbol string, limits Limits) *Manager {
	return &Manager{
		symbol: symbol,
		limits: limits,
		pos:    models.Position{Symbol: symbol},
		seen:   make(map[string]struct{}),
	}
}

func (m *Manager) Limits() Limits {
	return m.limits
}

// ApplyFill folds a fill into the position using weighted average cost. A fill
// id that was already applied returns ErrDuplicateFill and changes nothing.
func (m *Manager) ApplyFill(f models.Fill) (models.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if f.FillID != "" {
		if _, ok := m.seen[f.FillID]; ok {
			return m.pos, ErrDuplicateFill
		}
		m.seen[f.FillID] = struct{}{}
	}

	net := m.pos.NetSize
	delta := f.SignedSize()
	next := net.Add(delta)

	// A holding adopted without a cost basis is valued at this fill's price.
	basis := m.pos.EntryPrice
	if basis.IsZero() {
		basis = f.Price
	}

	if !net.IsZero() && net.Sign() != delta.Sign() {
		closing := decimal.Min(delta.Abs(), net.Abs())
		pnl := f.Price.Sub(basis).Mul(closing)
		if net.IsNegative() {
			pnl = pnl.Neg()
		}
		m.pos.RealizedPL = m.pos.RealizedPL.Add(pnl)
	}

	switch {
	case next.IsZero():
		m.pos.EntryPrice = decimal.Zero
	case net.IsZero() || net.Sign() == delta.Sign():
		cost := net.Abs().Mul(basis).Add(f.Size.Mul(f.Price))
		m.pos.EntryPrice = cost.Div(next.Abs())
	case next.Sign() != net.Sign():
		m.pos.EntryPrice = f.Price
	}

	m.pos.NetSize = next
	m.pos.RealizedPL = m.pos.RealizedPL.Sub(f.Fee)
	m.pos.FeesPaid = m.pos.FeesPaid.Add(f.Fee)
	m.pos.UpdatedAt = time.Now()
	return m.pos, nil
}

// EvaluateRisk is pure: it reads the current state and never places or
// cancels anything, so the scheduler can decide and act on the same snapshot.
func (m *Manager) EvaluateRisk(price decimal.Decimal) Verdict {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.unknown {
		return Halt(ReasonPositionUnknown)
	}
	if m.halted {
		return Halt(ReasonOperator)
	}

	l := m.limits
	pnl := m.pos.RealizedPL.Add(unrealized(m.pos, price))
	if l.StopLossAmount.IsPositive() && pnl.LessThanOrEqual(l.StopLossAmount.Neg()) {
		return Flatten(ReasonStopLoss)
	}
	if l.TakeProfitAmount.IsPositive() && pnl.GreaterThanOrEqual(l.TakeProfitAmount) {
		return Flatten(ReasonTakeProfit)
	}
	if l.MaxPosition.IsPositive() && m.pos.NetSize.Abs().GreaterThan(l.MaxPosition) {
		return Flatten(ReasonMaxPosition)
	}

	deviation := m.pos.NetSize.Sub(l.TargetPosition)
	if deviation.Abs().GreaterThan(l.PositionThreshold) && l.MaxPosition.IsPositive() {
		factor := clip(l.InventorySkewFactor.Mul(deviation).Div(l.MaxPosition), l.InventorySkewFactor)
		if !factor.IsZero() {
			return Skew(factor)
		}
	}
	return Normal()
}

func clip(v, bound decimal.Decimal) decimal.Decimal {
	bound = bound.Abs()
	if v.GreaterThan(bound) {
		return bound
	}
	if v.LessThan(bound.Neg()) {
		return bound.Neg()
	}
	return v
}

// unrealized is zero while the cost basis is unknown.
func unrealized(p models.Position, price decimal.Decimal) decimal.Decimal {
	if p.NetSize.IsZero() || !price.IsPositive() || !p.EntryPrice.IsPositive() {
		return decimal.Zero
	}
	return price.Sub(p.EntryPrice).Mul(p.NetSize)
}

// Snapshot returns the position marked to price.
func (m *Manager) Snapshot(price decimal.Decimal) models.Position {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p := m.pos
	p.MarkPrice = price
	p.UnrealizedPL = unrealized(p, price)
	return p
}

func (m *Manager) Net() decimal.Decimal {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.pos.NetSize
}

// Sync adopts the exchange's net size and entry price and clears the unknown
// flag. It reports whether the tracked size had drifted.
//
// Spot venues report a wallet balance with no entry price. Such a holding is
// carried at our own basis when the side is unchanged, otherwise at mark, so
// inventory that predates the session never shows up as PnL.
func (m *Manager) Sync(exch models.Position, mark decimal.Decimal) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	drift := !m.pos.NetSize.Equal(exch.NetSize)
	switch {
	case exch.NetSize.IsZero():
		m.pos.EntryPrice = decimal.Zero
	case exch.EntryPrice.IsPositive():
		m.pos.EntryPrice = exch.EntryPrice
	case m.pos.EntryPrice.IsPositive() && m.pos.NetSize.Sign() == exch.NetSize.Sign():
	case mark.IsPositive():
		m.pos.EntryPrice = mark
	default:
		m.pos.EntryPrice = decimal.Zero
	}
	m.pos.NetSize = exch.NetSize
	m.pos.UpdatedAt = time.Now()
	m.unknown = false
	return drift
}

func (m *Manager) MarkUnknown() {
	m.mu.Lock()
	m.unknown = true
	m.mu.Unlock()
}

func (m *Manager) Unknown() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.unknown
}

func (m *Manager) Halt() {
	m.mu.Lock()
	m.halted = true
	m.mu.Unlock()
}

func (m *Manager) Resume() {
	m.mu.Lock()
	m.halted = false
	m.mu.Unlock()
}
