// Package ledger is the authoritative balance and position state machine.
// Every order applies here exactly once; preconditions are checked before
// any mutation so no invalid state is ever reachable, and every balance
// transition is journaled with its predecessor for audit.
package ledger

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Side is the direction of a position or trade.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Sign maps the side onto pnl arithmetic: +1 long, -1 short.
func (s Side) Sign() float64 {
	if s == SideSell {
		return -1
	}
	return 1
}

// Position is an open exposure. At most one per symbol; owned exclusively by
// the Ledger.
type Position struct {
	Symbol     string    `json:"symbol"`
	Quantity   float64   `json:"quantity"`
	EntryPrice float64   `json:"entry_price"`
	OpenedAt   time.Time `json:"opened_at"`
	Side       Side      `json:"side"`
}

// Trade is one fill applied to the ledger. Closed trades carry RealizedPnL
// and are immutable once recorded.
type Trade struct {
	ID          string    `json:"id"`
	Symbol      string    `json:"symbol"`
	Side        Side      `json:"side"`
	Quantity    float64   `json:"quantity"`
	Price       float64   `json:"price"`
	Timestamp   time.Time `json:"timestamp"`
	RealizedPnL *float64  `json:"realized_pnl,omitempty"`
}

// Balance is the single mutable aggregate owned by the Ledger.
type Balance struct {
	Cash             float64 `json:"cash"`
	PeakEquity       float64 `json:"peak_equity"`
	RealizedPnLToday float64 `json:"realized_pnl_today"`
}

var (
	ErrInvalidInput        = errors.New("invalid input")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrDuplicatePosition   = errors.New("position already open")
	ErrNoOpenPosition      = errors.New("no open position")
	// ErrPersist marks a snapshot write failure. The in-memory mutation has
	// been applied consistently; callers retry Save before escalating.
	ErrPersist = errors.New("ledger persist failed")
)

// Config locates the ledger's files and seeds a fresh session.
type Config struct {
	StatePath   string  `yaml:"state_path"`
	AuditPath   string  `yaml:"audit_path"`
	InitialCash float64 `yaml:"initial_cash"`
}

func (c *Config) applyDefaults() {
	if c.StatePath == "" {
		c.StatePath = "data/ledger_state.json"
	}
	if c.AuditPath == "" {
		c.AuditPath = "data/ledger_audit.jsonl"
	}
	if c.InitialCash == 0 {
		c.InitialCash = 100000
	}
}

// state is the persisted snapshot.
type state struct {
	Version     int64               `json:"version"`
	UpdatedAt   string              `json:"updated_at"`
	Day         string              `json:"day"` // UTC YYYY-MM-DD
	TradesToday int                 `json:"trades_today"`
	Balance     Balance             `json:"balance"`
	Positions   map[string]Position `json:"positions"`
	Trades      []Trade             `json:"trades"`
}

// Ledger serializes mutations per symbol: operations on different symbols do
// not block each other, while the shared balance is guarded by a short inner
// critical section.
type Ledger struct {
	mu    sync.RWMutex // guards st
	locks sync.Map     // symbol -> *sync.Mutex
	st    state
	path  string
	audit *auditLog
	now   func() time.Time
}

// Open loads the snapshot at cfg.StatePath, or initializes a fresh session
// when none exists. A reloaded ledger resumes exactly where the process left
// off; it is never silently re-initialized.
func Open(cfg Config) (*Ledger, error) {
	cfg.applyDefaults()

	audit, err := newAuditLog(cfg.AuditPath)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}

	l := &Ledger{
		path:  cfg.StatePath,
		audit: audit,
		now:   time.Now,
	}
	if err := l.load(cfg.InitialCash); err != nil {
		return nil, err
	}
	if err := l.Reconcile(); err != nil {
		return nil, err
	}
	return l, nil
}

// OpenPosition validates and applies an entry fill: debits cash, records the
// position, appends the trade. The balance check runs before any mutation;
// price*quantity == cash succeeds, one cent more fails.
func (l *Ledger) OpenPosition(symbol string, side Side, quantity, price float64) (Trade, error) {
	if symbol == "" || quantity <= 0 || price <= 0 || (side != SideBuy && side != SideSell) {
		return Trade{}, fmt.Errorf("%w: symbol=%q side=%q qty=%.4f price=%.4f",
			ErrInvalidInput, symbol, side, quantity, price)
	}

	lock := l.symbolLock(symbol)
	lock.Lock()
	defer lock.Unlock()

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now().UTC()
	l.rolloverLocked(now)

	if _, exists := l.st.Positions[symbol]; exists {
		return Trade{}, fmt.Errorf("%w: %s", ErrDuplicatePosition, symbol)
	}
	cost := price * quantity
	if cost > l.st.Balance.Cash {
		return Trade{}, fmt.Errorf("%w: need %.2f, have %.2f", ErrInsufficientBalance, cost, l.st.Balance.Cash)
	}

	before := l.st.Balance
	l.st.Balance.Cash -= cost
	l.st.Positions[symbol] = Position{
		Symbol:     symbol,
		Quantity:   quantity,
		EntryPrice: price,
		OpenedAt:   now,
		Side:       side,
	}
	trade := Trade{
		ID:        uuid.NewString(),
		Symbol:    symbol,
		Side:      side,
		Quantity:  quantity,
		Price:     price,
		Timestamp: now,
	}
	l.st.Trades = append(l.st.Trades, trade)
	l.st.TradesToday++

	l.audit.record("open", symbol, trade.ID, before, l.st.Balance)
	if err := l.saveLocked(); err != nil {
		return trade, fmt.Errorf("%w: %v", ErrPersist, err)
	}
	return trade, nil
}

// ClosePosition applies an exit fill at price: realizes pnl, credits cash,
// appends the closing trade, removes the position, and advances the equity
// peak.
func (l *Ledger) ClosePosition(symbol string, price float64) (Trade, error) {
	if symbol == "" || price <= 0 {
		return Trade{}, fmt.Errorf("%w: symbol=%q price=%.4f", ErrInvalidInput, symbol, price)
	}

	lock := l.symbolLock(symbol)
	lock.Lock()
	defer lock.Unlock()

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now().UTC()
	l.rolloverLocked(now)

	pos, exists := l.st.Positions[symbol]
	if !exists {
		return Trade{}, fmt.Errorf("%w: %s", ErrNoOpenPosition, symbol)
	}

	pnl := (price - pos.EntryPrice) * pos.Quantity * pos.Side.Sign()
	proceeds := pos.EntryPrice*pos.Quantity + pnl

	before := l.st.Balance
	l.st.Balance.Cash += proceeds
	l.st.Balance.RealizedPnLToday += pnl
	if l.st.Balance.Cash > l.st.Balance.PeakEquity {
		l.st.Balance.PeakEquity = l.st.Balance.Cash
	}
	delete(l.st.Positions, symbol)

	exitSide := SideSell
	if pos.Side == SideSell {
		exitSide = SideBuy
	}
	trade := Trade{
		ID:          uuid.NewString(),
		Symbol:      symbol,
		Side:        exitSide,
		Quantity:    pos.Quantity,
		Price:       price,
		Timestamp:   now,
		RealizedPnL: &pnl,
	}
	l.st.Trades = append(l.st.Trades, trade)
	l.st.TradesToday++

	l.audit.record("close", symbol, trade.ID, before, l.st.Balance)
	if err := l.saveLocked(); err != nil {
		return trade, fmt.Errorf("%w: %v", ErrPersist, err)
	}
	return trade, nil
}

// Balance returns a snapshot of the balance aggregate.
func (l *Ledger) Balance() Balance {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.st.Balance
}

// Daily returns today's trade count and realized pnl, rolling the day over
// if needed.
func (l *Ledger) Daily() (int, float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rolloverLocked(l.now().UTC())
	return l.st.TradesToday, l.st.Balance.RealizedPnLToday
}

// Position returns the open position for symbol, if any.
func (l *Ledger) Position(symbol string) (Position, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	p, ok := l.st.Positions[symbol]
	return p, ok
}

// Positions returns a copy of all open positions.
func (l *Ledger) Positions() map[string]Position {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make(map[string]Position, len(l.st.Positions))
	for s, p := range l.st.Positions {
		out[s] = p
	}
	return out
}

// Trades returns a copy of the append-only trade history.
func (l *Ledger) Trades() []Trade {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Trade, len(l.st.Trades))
	copy(out, l.st.Trades)
	return out
}

// Reconcile verifies that open trade quantity nets exactly to the recorded
// positions, per symbol. Any drift means the ledger no longer reflects real
// exposure and must not be trusted.
func (l *Ledger) Reconcile() error {
	l.mu.RLock()
	defer l.mu.RUnlock()

	net := map[string]float64{}
	for _, t := range l.st.Trades {
		if t.RealizedPnL == nil {
			net[t.Symbol] += t.Quantity
		} else {
			net[t.Symbol] -= t.Quantity
		}
	}
	for symbol, qty := range net {
		pos, ok := l.st.Positions[symbol]
		if !ok {
			if qty != 0 {
				return fmt.Errorf("ledger drift: %s has %.4f unclosed quantity but no position", symbol, qty)
			}
			continue
		}
		if qty != pos.Quantity {
			return fmt.Errorf("ledger drift: %s trades net %.4f, position holds %.4f", symbol, qty, pos.Quantity)
		}
	}
	for symbol := range l.st.Positions {
		if _, ok := net[symbol]; !ok {
			return fmt.Errorf("ledger drift: position %s has no trade history", symbol)
		}
	}
	return nil
}

func (l *Ledger) symbolLock(symbol string) *sync.Mutex {
	m, _ := l.locks.LoadOrStore(symbol, &sync.Mutex{})
	return m.(*sync.Mutex)
}

// rolloverLocked resets daily counters on the first operation of a new UTC
// trading day.
func (l *Ledger) rolloverLocked(now time.Time) {
	day := now.Format("2006-01-02")
	if l.st.Day == day {
		return
	}
	l.st.Day = day
	l.st.TradesToday = 0
	l.st.Balance.RealizedPnLToday = 0
}
