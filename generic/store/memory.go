// Package store provides Store implementations.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/warp/rehearsal-engine/generic"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory is a generic.Store held in maps. WithTx holds the lock for the
// whole callback and restores a snapshot if the callback fails, so
// transactions are serialized and all-or-nothing.
type Memory struct {
	mu sync.Mutex
	st *state
}

var _ generic.Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{st: newState()}
}

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
func (m *Memory) WithTx(ctx context.Context, fn func(generic.Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	snapshot := m.st.clone()
	if err := fn(m.st); err != nil {
		m.st = snapshot
		return err
	}
	return nil
}

// Reset clears all data (for demo scenarios).
func (m *Memory) Reset(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.st = newState()
	return nil
}

func (m *Memory) locked(fn func(s *state)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fn(m.st)
}

// =============================================================================
// STATE
// =============================================================================

type creditKey struct {
	UserID     generic.UserID
	CreditType generic.CreditType
}

type redemptionKey struct {
	Code   string
	UserID generic.UserID
}

type instanceKey struct {
	SeriesID string
	Date     generic.Date
}

type state struct {
	credits      map[creditKey]generic.UserCredit
	transactions map[creditKey][]generic.CreditTransaction
	allocations  map[string]generic.CreditAllocation
	promos       map[string]generic.PromoCode
	redemptions  map[redemptionKey]generic.PromoRedemption
	reservations map[string]generic.Reservation
	instances    map[instanceKey]string
	series       map[string]generic.RecurringSeries
	skips        map[instanceKey]generic.SeriesSkip
	charges      map[string]generic.Charge
	chargeIndex  map[generic.Ref]string
	loans        map[string]generic.LoanRecord
}

func newState() *state {
	return &state{
		credits:      make(map[creditKey]generic.UserCredit),
		transactions: make(map[creditKey][]generic.CreditTransaction),
		allocations:  make(map[string]generic.CreditAllocation),
		promos:       make(map[string]generic.PromoCode),
		redemptions:  make(map[redemptionKey]generic.PromoRedemption),
		reservations: make(map[string]generic.Reservation),
		instances:    make(map[instanceKey]string),
		series:       make(map[string]generic.RecurringSeries),
		skips:        make(map[instanceKey]generic.SeriesSkip),
		charges:      make(map[string]generic.Charge),
		chargeIndex:  make(map[generic.Ref]string),
		loans:        make(map[string]generic.LoanRecord),
	}
}

func (s *state) clone() *state {
	c := newState()
	copyMap(c.credits, s.credits)
	for k, v := range s.transactions {
		c.transactions[k] = append([]generic.CreditTransaction(nil), v...)
	}
	copyMap(c.allocations, s.allocations)
	copyMap(c.promos, s.promos)
	copyMap(c.redemptions, s.redemptions)
	copyMap(c.reservations, s.reservations)
	copyMap(c.instances, s.instances)
	copyMap(c.series, s.series)
	copyMap(c.skips, s.skips)
	copyMap(c.charges, s.charges)
	copyMap(c.chargeIndex, s.chargeIndex)
	copyMap(c.loans, s.loans)
	return c
}

func copyMap[K comparable, V any](dst, src map[K]V) {
	for k, v := range src {
		dst[k] = v
	}
}

// --- credits ---

func (s *state) GetCredit(_ context.Context, userID generic.UserID, creditType generic.CreditType) (*generic.UserCredit, error) {
	c, ok := s.credits[creditKey{userID, creditType}]
	if !ok {
		return nil, nil
	}
	return &c, nil
}

func (s *state) ListCredits(_ context.Context, userID generic.UserID) ([]generic.UserCredit, error) {
	var out []generic.UserCredit
	for k, c := range s.credits {
		if k.UserID == userID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreditType < out[j].CreditType })
	return out, nil
}

func (s *state) SaveCredit(_ context.Context, c generic.UserCredit) error {
	s.credits[creditKey{c.UserID, c.CreditType}] = c
	return nil
}

func (s *state) ExpiredCredits(_ context.Context, now time.Time) ([]generic.UserCredit, error) {
	var out []generic.UserCredit
	for _, c := range s.credits {
		if c.Balance > 0 && c.ExpiresAt != nil && !c.ExpiresAt.After(now) {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UserID != out[j].UserID {
			return out[i].UserID < out[j].UserID
		}
		return out[i].CreditType < out[j].CreditType
	})
	return out, nil
}

func (s *state) AppendCreditTransaction(_ context.Context, tx generic.CreditTransaction) error {
	k := creditKey{tx.UserID, tx.CreditType}
	s.transactions[k] = append(s.transactions[k], tx)
	return nil
}

func (s *state) CreditTransactions(_ context.Context, userID generic.UserID, creditType generic.CreditType) ([]generic.CreditTransaction, error) {
	txs := s.transactions[creditKey{userID, creditType}]
	return append([]generic.CreditTransaction(nil), txs...), nil
}

// --- allocations ---

func (s *state) InsertAllocation(_ context.Context, a generic.CreditAllocation) error {
	if _, ok := s.allocations[a.ID]; ok {
		return generic.ErrDuplicate
	}
	s.allocations[a.ID] = a
	return nil
}

func (s *state) GetAllocation(_ context.Context, id string) (generic.CreditAllocation, error) {
	a, ok := s.allocations[id]
	if !ok {
		return generic.CreditAllocation{}, generic.NotFound("allocation", id)
	}
	return a, nil
}

func (s *state) DueAllocations(_ context.Context, now time.Time) ([]generic.CreditAllocation, error) {
	var out []generic.CreditAllocation
	for _, a := range s.allocations {
		if a.Active && !a.NextAllocationAt.After(now) {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *state) AdvanceAllocation(_ context.Context, id string, expectedNext, lastAllocated, next time.Time) error {
	a, ok := s.allocations[id]
	if !ok {
		return generic.NotFound("allocation", id)
	}
	if !a.NextAllocationAt.Equal(expectedNext) {
		return generic.ErrConcurrentModification
	}
	a.LastAllocatedAt = &lastAllocated
	a.NextAllocationAt = next
	s.allocations[id] = a
	return nil
}

func (s *state) SetAllocationActive(_ context.Context, id string, active bool) error {
	a, ok := s.allocations[id]
	if !ok {
		return generic.NotFound("allocation", id)
	}
	a.Active = active
	s.allocations[id] = a
	return nil
}

// --- promos ---

func (s *state) InsertPromoCode(_ context.Context, p generic.PromoCode) error {
	if _, ok := s.promos[p.Code]; ok {
		return generic.ErrDuplicate
	}
	s.promos[p.Code] = p
	return nil
}

func (s *state) GetPromoCode(_ context.Context, code string) (generic.PromoCode, error) {
	p, ok := s.promos[code]
	if !ok {
		return generic.PromoCode{}, generic.NotFound("promo code", code)
	}
	return p, nil
}

func (s *state) IncrementPromoUses(_ context.Context, code string, expected int64) error {
	p, ok := s.promos[code]
	if !ok {
		return generic.NotFound("promo code", code)
	}
	if p.UsesCount != expected {
		return generic.ErrConcurrentModification
	}
	p.UsesCount++
	s.promos[code] = p
	return nil
}

func (s *state) InsertRedemption(_ context.Context, r generic.PromoRedemption) error {
	k := redemptionKey{r.Code, r.UserID}
	if _, ok := s.redemptions[k]; ok {
		return generic.ErrDuplicate
	}
	s.redemptions[k] = r
	return nil
}

func (s *state) HasRedemption(_ context.Context, code string, userID generic.UserID) (bool, error) {
	_, ok := s.redemptions[redemptionKey{code, userID}]
	return ok, nil
}

// --- claims ---

func (s *state) OverlappingClaims(_ context.Context, key generic.ResourceKey, w generic.Window) ([]generic.Claim, error) {
	var out []generic.Claim
	switch key.Namespace {
	case generic.NamespaceSpace:
		for _, r := range s.reservations {
			if r.SpaceID == key.ID && r.Status.IsActive() && r.Window.Overlaps(w) {
				out = append(out, generic.Claim{ID: r.ID, Key: key, Window: r.Window})
			}
		}
	case generic.NamespaceEquipment:
		for _, l := range s.loans {
			if l.EquipmentID == key.ID && !l.State.IsTerminal() && l.Window().Overlaps(w) {
				out = append(out, generic.Claim{ID: l.ID, Key: key, Window: l.Window()})
			}
		}
	}
	return out, nil
}

// --- reservations ---

func (s *state) InsertReservation(_ context.Context, r generic.Reservation) error {
	if _, ok := s.reservations[r.ID]; ok {
		return generic.ErrDuplicate
	}
	if r.SeriesID != "" {
		k := instanceKey{r.SeriesID, r.InstanceDate}
		if _, ok := s.instances[k]; ok {
			return generic.ErrDuplicate
		}
		s.instances[k] = r.ID
	}
	s.reservations[r.ID] = r
	return nil
}

func (s *state) UpdateReservation(_ context.Context, r generic.Reservation) error {
	if _, ok := s.reservations[r.ID]; !ok {
		return generic.NotFound("reservation", r.ID)
	}
	s.reservations[r.ID] = r
	return nil
}

func (s *state) GetReservation(_ context.Context, id string) (generic.Reservation, error) {
	r, ok := s.reservations[id]
	if !ok {
		return generic.Reservation{}, generic.NotFound("reservation", id)
	}
	return r, nil
}

func (s *state) ReservationsForSpace(_ context.Context, spaceID string, w generic.Window) ([]generic.Reservation, error) {
	var out []generic.Reservation
	for _, r := range s.reservations {
		if r.SpaceID == spaceID && r.Window.Overlaps(w) {
			out = append(out, r)
		}
	}
	sortReservations(out)
	return out, nil
}

func (s *state) ReservationsBySeries(_ context.Context, seriesID string) ([]generic.Reservation, error) {
	var out []generic.Reservation
	for _, r := range s.reservations {
		if r.SeriesID == seriesID {
			out = append(out, r)
		}
	}
	sortReservations(out)
	return out, nil
}

func sortReservations(rs []generic.Reservation) {
	sort.Slice(rs, func(i, j int) bool {
		if !rs[i].Window.Start.Equal(rs[j].Window.Start) {
			return rs[i].Window.Start.Before(rs[j].Window.Start)
		}
		return rs[i].ID < rs[j].ID
	})
}

// --- series ---

func (s *state) InsertSeries(_ context.Context, rs generic.RecurringSeries) error {
	if _, ok := s.series[rs.ID]; ok {
		return generic.ErrDuplicate
	}
	s.series[rs.ID] = rs
	return nil
}

func (s *state) UpdateSeries(_ context.Context, rs generic.RecurringSeries) error {
	if _, ok := s.series[rs.ID]; !ok {
		return generic.NotFound("series", rs.ID)
	}
	s.series[rs.ID] = rs
	return nil
}

func (s *state) GetSeries(_ context.Context, id string) (generic.RecurringSeries, error) {
	rs, ok := s.series[id]
	if !ok {
		return generic.RecurringSeries{}, generic.NotFound("series", id)
	}
	return rs, nil
}

func (s *state) ListSeries(_ context.Context, status generic.SeriesStatus) ([]generic.RecurringSeries, error) {
	var out []generic.RecurringSeries
	for _, rs := range s.series {
		if status == "" || rs.Status == status {
			out = append(out, rs)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *state) RecordSkip(_ context.Context, skip generic.SeriesSkip) error {
	s.skips[instanceKey{skip.SeriesID, skip.InstanceDate}] = skip
	return nil
}

func (s *state) SeriesSkips(_ context.Context, seriesID string) ([]generic.SeriesSkip, error) {
	var out []generic.SeriesSkip
	for k, skip := range s.skips {
		if k.SeriesID == seriesID {
			out = append(out, skip)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].InstanceDate.Before(out[j].InstanceDate) })
	return out, nil
}

// --- charges ---

func (s *state) InsertCharge(_ context.Context, c generic.Charge) error {
	if _, ok := s.chargeIndex[c.Chargeable]; ok {
		return generic.ErrDuplicate
	}
	c.CreditsApplied = copyCredits(c.CreditsApplied)
	s.charges[c.ID] = c
	s.chargeIndex[c.Chargeable] = c.ID
	return nil
}

func (s *state) UpdateCharge(_ context.Context, c generic.Charge) error {
	cur, ok := s.charges[c.ID]
	if !ok {
		return generic.NotFound("charge", c.ID)
	}
	if cur.Version != c.Version {
		return generic.ErrConcurrentModification
	}
	c.Version++
	c.CreditsApplied = copyCredits(c.CreditsApplied)
	s.charges[c.ID] = c
	return nil
}

func (s *state) GetCharge(_ context.Context, id string) (generic.Charge, error) {
	c, ok := s.charges[id]
	if !ok {
		return generic.Charge{}, generic.NotFound("charge", id)
	}
	c.CreditsApplied = copyCredits(c.CreditsApplied)
	return c, nil
}

func (s *state) ChargeFor(ctx context.Context, chargeable generic.Ref) (generic.Charge, error) {
	id, ok := s.chargeIndex[chargeable]
	if !ok {
		return generic.Charge{}, generic.NotFound("charge for", chargeable.String())
	}
	return s.GetCharge(ctx, id)
}

func copyCredits(m map[generic.CreditType]int64) map[generic.CreditType]int64 {
	out := make(map[generic.CreditType]int64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// --- loans ---

func (s *state) InsertLoan(_ context.Context, l generic.LoanRecord) error {
	if _, ok := s.loans[l.ID]; ok {
		return generic.ErrDuplicate
	}
	s.loans[l.ID] = l
	return nil
}

func (s *state) UpdateLoan(_ context.Context, l generic.LoanRecord) error {
	cur, ok := s.loans[l.ID]
	if !ok {
		return generic.NotFound("loan", l.ID)
	}
	if cur.Version != l.Version {
		return generic.ErrConcurrentModification
	}
	l.Version++
	s.loans[l.ID] = l
	return nil
}

func (s *state) GetLoan(_ context.Context, id string) (generic.LoanRecord, error) {
	l, ok := s.loans[id]
	if !ok {
		return generic.LoanRecord{}, generic.NotFound("loan", id)
	}
	return l, nil
}

func (s *state) LoansForEquipment(_ context.Context, equipmentID string) ([]generic.LoanRecord, error) {
	var out []generic.LoanRecord
	for _, l := range s.loans {
		if l.EquipmentID == equipmentID {
			out = append(out, l)
		}
	}
	sortLoans(out)
	return out, nil
}

func (s *state) LoansDueBefore(_ context.Context, t time.Time) ([]generic.LoanRecord, error) {
	var out []generic.LoanRecord
	for _, l := range s.loans {
		if l.State == generic.LoanCheckedOut && l.DueAt.Before(t) {
			out = append(out, l)
		}
	}
	sortLoans(out)
	return out, nil
}

func sortLoans(ls []generic.LoanRecord) {
	sort.Slice(ls, func(i, j int) bool {
		if !ls[i].ReservedFrom.Equal(ls[j].ReservedFrom) {
			return ls[i].ReservedFrom.Before(ls[j].ReservedFrom)
		}
		return ls[i].ID < ls[j].ID
	})
}

// =============================================================================
// NON-TRANSACTIONAL ACCESS
// =============================================================================

func (m *Memory) GetCredit(ctx context.Context, userID generic.UserID, creditType generic.CreditType) (*generic.UserCredit, error) {
	var (
		out *generic.UserCredit
		err error
	)
	m.locked(func(s *state) { out, err = s.GetCredit(ctx, userID, creditType) })
	return out, err
}

func (m *Memory) ListCredits(ctx context.Context, userID generic.UserID) ([]generic.UserCredit, error) {
	var (
		out []generic.UserCredit
		err error
	)
	m.locked(func(s *state) { out, err = s.ListCredits(ctx, userID) })
	return out, err
}

func (m *Memory) SaveCredit(ctx context.Context, c generic.UserCredit) error {
	var err error
	m.locked(func(s *state) { err = s.SaveCredit(ctx, c) })
	return err
}

func (m *Memory) ExpiredCredits(ctx context.Context, now time.Time) ([]generic.UserCredit, error) {
	var (
		out []generic.UserCredit
		err error
	)
	m.locked(func(s *state) { out, err = s.ExpiredCredits(ctx, now) })
	return out, err
}

func (m *Memory) AppendCreditTransaction(ctx context.Context, tx generic.CreditTransaction) error {
	var err error
	m.locked(func(s *state) { err = s.AppendCreditTransaction(ctx, tx) })
	return err
}

func (m *Memory) CreditTransactions(ctx context.Context, userID generic.UserID, creditType generic.CreditType) ([]generic.CreditTransaction, error) {
	var (
		out []generic.CreditTransaction
		err error
	)
	m.locked(func(s *state) { out, err = s.CreditTransactions(ctx, userID, creditType) })
	return out, err
}

func (m *Memory) InsertAllocation(ctx context.Context, a generic.CreditAllocation) error {
	var err error
	m.locked(func(s *state) { err = s.InsertAllocation(ctx, a) })
	return err
}

func (m *Memory) GetAllocation(ctx context.Context, id string) (generic.CreditAllocation, error) {
	var (
		out generic.CreditAllocation
		err error
	)
	m.locked(func(s *state) { out, err = s.GetAllocation(ctx, id) })
	return out, err
}

func (m *Memory) DueAllocations(ctx context.Context, now time.Time) ([]generic.CreditAllocation, error) {
	var (
		out []generic.CreditAllocation
		err error
	)
	m.locked(func(s *state) { out, err = s.DueAllocations(ctx, now) })
	return out, err
}

func (m *Memory) AdvanceAllocation(ctx context.Context, id string, expectedNext, lastAllocated, next time.Time) error {
	var err error
	m.locked(func(s *state) { err = s.AdvanceAllocation(ctx, id, expectedNext, lastAllocated, next) })
	return err
}

func (m *Memory) SetAllocationActive(ctx context.Context, id string, active bool) error {
	var err error
	m.locked(func(s *state) { err = s.SetAllocationActive(ctx, id, active) })
	return err
}

func (m *Memory) InsertPromoCode(ctx context.Context, p generic.PromoCode) error {
	var err error
	m.locked(func(s *state) { err = s.InsertPromoCode(ctx, p) })
	return err
}

func (m *Memory) GetPromoCode(ctx context.Context, code string) (generic.PromoCode, error) {
	var (
		out generic.PromoCode
		err error
	)
	m.locked(func(s *state) { out, err = s.GetPromoCode(ctx, code) })
	return out, err
}

func (m *Memory) IncrementPromoUses(ctx context.Context, code string, expected int64) error {
	var err error
	m.locked(func(s *state) { err = s.IncrementPromoUses(ctx, code, expected) })
	return err
}

func (m *Memory) InsertRedemption(ctx context.Context, r generic.PromoRedemption) error {
	var err error
	m.locked(func(s *state) { err = s.InsertRedemption(ctx, r) })
	return err
}

func (m *Memory) HasRedemption(ctx context.Context, code string, userID generic.UserID) (bool, error) {
	var (
		out bool
		err error
	)
	m.locked(func(s *state) { out, err = s.HasRedemption(ctx, code, userID) })
	return out, err
}

func (m *Memory) OverlappingClaims(ctx context.Context, key generic.ResourceKey, w generic.Window) ([]generic.Claim, error) {
	var (
		out []generic.Claim
		err error
	)
	m.locked(func(s *state) { out, err = s.OverlappingClaims(ctx, key, w) })
	return out, err
}

func (m *Memory) InsertReservation(ctx context.Context, r generic.Reservation) error {
	var err error
	m.locked(func(s *state) { err = s.InsertReservation(ctx, r) })
	return err
}

func (m *Memory) UpdateReservation(ctx context.Context, r generic.Reservation) error {
	var err error
	m.locked(func(s *state) { err = s.UpdateReservation(ctx, r) })
	return err
}

func (m *Memory) GetReservation(ctx context.Context, id string) (generic.Reservation, error) {
	var (
		out generic.Reservation
		err error
	)
	m.locked(func(s *state) { out, err = s.GetReservation(ctx, id) })
	return out, err
}

func (m *Memory) ReservationsForSpace(ctx context.Context, spaceID string, w generic.Window) ([]generic.Reservation, error) {
	var (
		out []generic.Reservation
		err error
	)
	m.locked(func(s *state) { out, err = s.ReservationsForSpace(ctx, spaceID, w) })
	return out, err
}

func (m *Memory) ReservationsBySeries(ctx context.Context, seriesID string) ([]generic.Reservation, error) {
	var (
		out []generic.Reservation
		err error
	)
	m.locked(func(s *state) { out, err = s.ReservationsBySeries(ctx, seriesID) })
	return out, err
}

func (m *Memory) InsertSeries(ctx context.Context, rs generic.RecurringSeries) error {
	var err error
	m.locked(func(s *state) { err = s.InsertSeries(ctx, rs) })
	return err
}

func (m *Memory) UpdateSeries(ctx context.Context, rs generic.RecurringSeries) error {
	var err error
	m.locked(func(s *state) { err = s.UpdateSeries(ctx, rs) })
	return err
}

func (m *Memory) GetSeries(ctx context.Context, id string) (generic.RecurringSeries, error) {
	var (
		out generic.RecurringSeries
		err error
	)
	m.locked(func(s *state) { out, err = s.GetSeries(ctx, id) })
	return out, err
}

func (m *Memory) ListSeries(ctx context.Context, status generic.SeriesStatus) ([]generic.RecurringSeries, error) {
	var (
		out []generic.RecurringSeries
		err error
	)
	m.locked(func(s *state) { out, err = s.ListSeries(ctx, status) })
	return out, err
}

func (m *Memory) RecordSkip(ctx context.Context, skip generic.SeriesSkip) error {
	var err error
	m.locked(func(s *state) { err = s.RecordSkip(ctx, skip) })
	return err
}

func (m *Memory) SeriesSkips(ctx context.Context, seriesID string) ([]generic.SeriesSkip, error) {
	var (
		out []generic.SeriesSkip
		err error
	)
	m.locked(func(s *state) { out, err = s.SeriesSkips(ctx, seriesID) })
	return out, err
}

func (m *Memory) InsertCharge(ctx context.Context, c generic.Charge) error {
	var err error
	m.locked(func(s *state) { err = s.InsertCharge(ctx, c) })
	return err
}

func (m *Memory) UpdateCharge(ctx context.Context, c generic.Charge) error {
	var err error
	m.locked(func(s *state) { err = s.UpdateCharge(ctx, c) })
	return err
}

func (m *Memory) GetCharge(ctx context.Context, id string) (generic.Charge, error) {
	var (
		out generic.Charge
		err error
	)
	m.locked(func(s *state) { out, err = s.GetCharge(ctx, id) })
	return out, err
}

func (m *Memory) ChargeFor(ctx context.Context, chargeable generic.Ref) (generic.Charge, error) {
	var (
		out generic.Charge
		err error
	)
	m.locked(func(s *state) { out, err = s.ChargeFor(ctx, chargeable) })
	return out, err
}

func (m *Memory) InsertLoan(ctx context.Context, l generic.LoanRecord) error {
	var err error
	m.locked(func(s *state) { err = s.InsertLoan(ctx, l) })
	return err
}

func (m *Memory) UpdateLoan(ctx context.Context, l generic.LoanRecord) error {
	var err error
	m.locked(func(s *state) { err = s.UpdateLoan(ctx, l) })
	return err
}

func (m *Memory) GetLoan(ctx context.Context, id string) (generic.LoanRecord, error) {
	var (
		out generic.LoanRecord
		err error
	)
	m.locked(func(s *state) { out, err = s.GetLoan(ctx, id) })
	return out, err
}

func (m *Memory) LoansForEquipment(ctx context.Context, equipmentID string) ([]generic.LoanRecord, error) {
	var (
		out []generic.LoanRecord
		err error
	)
	m.locked(func(s *state) { out, err = s.LoansForEquipment(ctx, equipmentID) })
	return out, err
}

func (m *Memory) LoansDueBefore(ctx context.Context, t time.Time) ([]generic.LoanRecord, error) {
	var (
		out []generic.LoanRecord
		err error
	)
	m.locked(func(s *state) { out, err = s.LoansDueBefore(ctx, t) })
	return out, err
}
