package entity

import (
	"fmt"
	"sort"
	"time"
)

// Snapshot is the relational state read for one reconciliation run. All of it
// comes from a single read transaction, plus at most one follow-up read for
// records the ledger mentions that the range query did not cover.
type Snapshot struct {
	From         string
	To           string
	TakenAt      time.Time
	Reservations []Reservation
	Patients     map[PatientIdentity]Patient
	ChatOwners   map[string]Patient
	Intakes      []IntakeRecord
	// Linked holds out-of-range reservations that intakes point at. They are
	// context only and never classified themselves.
	Linked   map[string]Reservation
	Reorders []ReorderRequest
	Orders   []Order
}

func NewSnapshot(from, to string) *Snapshot {
	return &Snapshot{
		From:       from,
		To:         to,
		Patients:   make(map[PatientIdentity]Patient),
		ChatOwners: make(map[string]Patient),
		Linked:     make(map[string]Reservation),
	}
}

func (s *Snapshot) AddReservations(rows []Reservation) {
	seen := make(map[string]struct{}, len(s.Reservations))
	for _, r := range s.Reservations {
		seen[r.ReservationID] = struct{}{}
	}
	for _, r := range rows {
		if _, ok := seen[r.ReservationID]; ok {
			continue
		}
		seen[r.ReservationID] = struct{}{}
		s.Reservations = append(s.Reservations, r)
	}
}

func (s *Snapshot) AddPatients(rows []Patient) {
	for _, p := range rows {
		s.Patients[p.PatientID] = p
		if chat := p.ChatID(); chat != "" {
			s.ChatOwners[chat] = p
		}
	}
}

func (s *Snapshot) AddIntakes(rows []IntakeRecord) {
	seen := make(map[int64]struct{}, len(s.Intakes))
	for _, i := range s.Intakes {
		seen[i.ID] = struct{}{}
	}
	for _, i := range rows {
		if _, ok := seen[i.ID]; ok {
			continue
		}
		seen[i.ID] = struct{}{}
		s.Intakes = append(s.Intakes, i)
	}
	sort.SliceStable(s.Intakes, func(a, b int) bool {
		if s.Intakes[a].CreatedAt.Equal(s.Intakes[b].CreatedAt) {
			return s.Intakes[a].ID < s.Intakes[b].ID
		}
		return s.Intakes[a].CreatedAt.Before(s.Intakes[b].CreatedAt)
	})
}

func (s *Snapshot) Reservation(id string) (*Reservation, bool) {
	for i := range s.Reservations {
		if s.Reservations[i].ReservationID == id {
			return &s.Reservations[i], true
		}
	}
	return nil, false
}

// LinkedReservation finds the reservation an intake points at, in range or not.
func (s *Snapshot) LinkedReservation(id string) (*Reservation, bool) {
	if r, ok := s.Reservation(id); ok {
		return r, true
	}
	if r, ok := s.Linked[id]; ok {
		return &r, true
	}
	return nil, false
}

// UnresolvedLinks lists reservation ids intakes point at that are not loaded.
func (s *Snapshot) UnresolvedLinks() []string {
	var ids []string
	seen := make(map[string]struct{})
	for _, i := range s.Intakes {
		id := i.LinkedTo()
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		if _, ok := s.LinkedReservation(id); !ok {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

func (s *Snapshot) ReservationIDs() []string {
	ids := make([]string, 0, len(s.Reservations))
	for _, r := range s.Reservations {
		ids = append(ids, r.ReservationID)
	}
	return ids
}

// PatientIDs returns every identity referenced by a reservation, sorted.
func (s *Snapshot) PatientIDs() []PatientIdentity {
	set := make(map[PatientIdentity]struct{})
	for _, r := range s.Reservations {
		set[r.PatientID] = struct{}{}
	}
	ids := make([]PatientIdentity, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(a, b int) bool { return ids[a] < ids[b] })
	return ids
}

// LedgerView is the ledger side of a run keyed by reservation id.
type LedgerView struct {
	From    string
	To      string
	Records map[string]LedgerRecord
}

func NewLedgerView(from, to string) *LedgerView {
	return &LedgerView{From: from, To: to, Records: make(map[string]LedgerRecord)}
}

// Add merges rows into the view. A reservation id that appears twice with
// different content is ambiguous and rejected as malformed.
func (v *LedgerView) Add(rows []LedgerRecord) error {
	for _, row := range rows {
		if existing, ok := v.Records[row.ReservationID]; ok {
			if !sameLedgerContent(existing, row) {
				return fmt.Errorf("%w: reservation %s appears in conflicting ledger rows", ErrLedgerMalformed, row.ReservationID)
			}
			continue
		}
		v.Records[row.ReservationID] = row
	}
	return nil
}

func (v *LedgerView) Get(id string) (LedgerRecord, bool) {
	rec, ok := v.Records[id]
	return rec, ok
}

// SortedIDs returns reservation ids in ledger (date, time, id) order.
func (v *LedgerView) SortedIDs() []string {
	ids := make([]string, 0, len(v.Records))
	for id := range v.Records {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(a, b int) bool {
		ra, rb := v.Records[ids[a]], v.Records[ids[b]]
		if ra.SlotKey() != rb.SlotKey() {
			return ra.SlotKey() < rb.SlotKey()
		}
		return ids[a] < ids[b]
	})
	return ids
}

func sameLedgerContent(a, b LedgerRecord) bool {
	return a.PatientID == b.PatientID &&
		a.LineUserID == b.LineUserID &&
		a.Date == b.Date &&
		a.Time == b.Time &&
		a.Status == b.Status
}
