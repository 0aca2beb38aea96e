package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/dmiller/tradeledger/internal/models"
)

// MemoryStore is an in-memory ledger implementation used by tests and
// ephemeral runs. It enforces the same immutability and sequence
// disciplines as the SQLite store.
type MemoryStore struct {
	mu         sync.RWMutex
	legs       map[string]*models.Leg
	groups     map[string]groupInfo
	audit      []*models.AuditEvent
	updateErrs map[string]error // per-leg injected failures for tests
}

type groupInfo struct {
	strategy    models.StrategyType
	entryCredit *float64
	exitDebit   *float64
}

// NewMemoryStore creates an empty in-memory ledger.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		legs:       make(map[string]*models.Leg),
		groups:     make(map[string]groupInfo),
		updateErrs: make(map[string]error),
	}
}

func (m *MemoryStore) GetLeg(_ context.Context, id string) (*models.Leg, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	leg, ok := m.legs[id]
	if !ok {
		return nil, fmt.Errorf("leg %s: %w", id, ErrLegNotFound)
	}
	cp := *leg
	return &cp, nil
}

func (m *MemoryStore) GetAllLegs(_ context.Context) ([]*models.Leg, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*models.Leg, 0, len(m.legs))
	for _, leg := range m.legs {
		cp := *leg
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) GetGroupLegs(_ context.Context, groupID string) ([]*models.Leg, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.Leg
	for _, leg := range m.legs {
		if leg.TradeGroupID == groupID {
			cp := *leg
			out = append(out, &cp)
		}
	}
	models.SortLegs(out)
	return out, nil
}

func (m *MemoryStore) GetLegByOrderID(_ context.Context, orderID string) (*models.Leg, error) {
	if orderID == "" {
		return nil, fmt.Errorf("empty order id: %w", ErrLegNotFound)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, leg := range m.legs {
		if leg.OpenOrderID == orderID || leg.CloseOrderID == orderID {
			cp := *leg
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("order %s: %w", orderID, ErrLegNotFound)
}

func (m *MemoryStore) InsertLeg(_ context.Context, leg *models.Leg) error {
	if err := leg.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.legs[leg.ID]; exists {
		return fmt.Errorf("leg %s: %w", leg.ID, ErrDuplicateLeg)
	}
	cp := *leg
	m.legs[leg.ID] = &cp
	return nil
}

func (m *MemoryStore) UpdateLeg(_ context.Context, leg *models.Leg, force bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err, ok := m.updateErrs[leg.ID]; ok && err != nil {
		return err
	}

	current, ok := m.legs[leg.ID]
	if !ok {
		return fmt.Errorf("leg %s: %w", leg.ID, ErrLegNotFound)
	}
	if err := checkWrite(current, leg, force); err != nil {
		return err
	}
	cp := *leg
	cp.Seq = current.Seq + 1
	m.legs[leg.ID] = &cp
	leg.Seq = cp.Seq
	return nil
}

func (m *MemoryStore) DeleteLegs(_ context.Context, ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		if _, ok := m.legs[id]; !ok {
			return fmt.Errorf("leg %s: %w", id, ErrLegNotFound)
		}
	}
	for _, id := range ids {
		delete(m.legs, id)
	}
	return nil
}

func (m *MemoryStore) DetectDuplicates(ctx context.Context) ([][]*models.Leg, error) {
	legs, err := m.GetAllLegs(ctx)
	if err != nil {
		return nil, err
	}
	return groupDuplicates(legs), nil
}

func (m *MemoryStore) AppendAudit(_ context.Context, event *models.AuditEvent) error {
	if err := event.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audit = append(m.audit, event)
	return nil
}

// AuditEvents returns the recorded audit trail. Test helper.
func (m *MemoryStore) AuditEvents() []*models.AuditEvent {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*models.AuditEvent, len(m.audit))
	copy(out, m.audit)
	return out
}

// SetUpdateError injects a per-leg UpdateLeg failure. Test helper.
func (m *MemoryStore) SetUpdateError(legID string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updateErrs[legID] = err
}

func (m *MemoryStore) GroupEntryCredit(_ context.Context, groupID string) (*float64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if g, ok := m.groups[groupID]; ok && g.entryCredit != nil {
		v := *g.entryCredit
		return &v, nil
	}
	return nil, nil
}

func (m *MemoryStore) GroupExitDebit(_ context.Context, groupID string) (*float64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if g, ok := m.groups[groupID]; ok && g.exitDebit != nil {
		v := *g.exitDebit
		return &v, nil
	}
	return nil, nil
}

func (m *MemoryStore) GroupStrategy(_ context.Context, groupID string) (models.StrategyType, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if g, ok := m.groups[groupID]; ok && g.strategy != "" {
		return g.strategy, nil
	}
	return models.StrategyCustom, nil
}

func (m *MemoryStore) SetGroupInfo(_ context.Context, groupID string, strategy models.StrategyType, entryCredit, exitDebit *float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	g := m.groups[groupID]
	if strategy != "" {
		g.strategy = strategy
	}
	if entryCredit != nil {
		v := *entryCredit
		g.entryCredit = &v
	}
	if exitDebit != nil {
		v := *exitDebit
		g.exitDebit = &v
	}
	m.groups[groupID] = g
	return nil
}

func (m *MemoryStore) Close() error { return nil }

// checkWrite enforces the shared write discipline: sequence freshness and
// P&L immutability for computed/final rows.
func checkWrite(current, incoming *models.Leg, force bool) error {
	if incoming.Seq < current.Seq {
		return fmt.Errorf("leg %s: incoming seq %d < stored seq %d: %w",
			incoming.ID, incoming.Seq, current.Seq, ErrStaleWrite)
	}
	if force {
		return nil
	}
	if current.PnlStatus.Immutable() && pnlChanged(current, incoming) {
		return fmt.Errorf("leg %s: status %s: %w", current.ID, current.PnlStatus, ErrImmutable)
	}
	return nil
}

func pnlChanged(current, incoming *models.Leg) bool {
	if (current.Pnl == nil) != (incoming.Pnl == nil) {
		return true
	}
	if current.Pnl != nil && incoming.Pnl != nil && *current.Pnl != *incoming.Pnl {
		return true
	}
	return current.PnlFormula != incoming.PnlFormula || current.PnlStatus != incoming.PnlStatus
}

// groupDuplicates buckets legs that share symbol, quantity, and a non-empty
// open order id, the signature of a double-ingested broker event.
func groupDuplicates(legs []*models.Leg) [][]*models.Leg {
	buckets := make(map[string][]*models.Leg)
	for _, leg := range legs {
		if leg.OpenOrderID == "" {
			continue
		}
		key := fmt.Sprintf("%s|%d|%s", leg.Symbol, leg.Quantity, leg.OpenOrderID)
		buckets[key] = append(buckets[key], leg)
	}
	var out [][]*models.Leg
	keys := make([]string, 0, len(buckets))
	for k := range buckets {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if len(buckets[k]) > 1 {
			models.SortLegs(buckets[k])
			out = append(out, buckets[k])
		}
	}
	return out
}
