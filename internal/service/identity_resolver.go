package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"clinic-reconciler/internal/domain/entity"
	domainRepo "clinic-reconciler/internal/domain/repository"
	"clinic-reconciler/internal/repository"
	"clinic-reconciler/pkg/phone"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// Resolution is the outcome of resolving one person across identifier spaces.
type Resolution struct {
	Canonical entity.PatientIdentity `json:"canonical"`
	ChatID    string                 `json:"chat_id,omitempty"`
	// Temporary is a chat-derived row whose history belongs to Canonical.
	Temporary entity.PatientIdentity `json:"temporary,omitempty"`
	// NeedsLink means Canonical does not carry ChatID yet.
	NeedsLink bool `json:"needs_link"`
}

// Mergeable reports whether applying the resolution would move anything.
func (r *Resolution) Mergeable() bool {
	return r.NeedsLink || (!r.Temporary.IsZero() && r.Temporary != r.Canonical)
}

// LinkResult counts what Link changed.
type LinkResult struct {
	ChatLinked   bool  `json:"chat_linked"`
	TempMerged   bool  `json:"temp_merged"`
	Reservations int64 `json:"reservations"`
	Intakes      int64 `json:"intakes"`
	Reorders     int64 `json:"reorders"`
	Orders       int64 `json:"orders"`
}

func (r LinkResult) Writes() int {
	n := int(r.Reservations + r.Intakes + r.Reorders + r.Orders)
	if r.ChatLinked {
		n++
	}
	if r.TempMerged {
		n++
	}
	return n
}

// IdentityResolver maps a person onto one canonical patient identity.
// Precedence: permanent id, then chat id. Phone numbers only produce
// candidates for a human; names are never used.
type IdentityResolver interface {
	// Resolve is read-only.
	Resolve(ctx context.Context, db *gorm.DB, chatID string, permanentID entity.PatientIdentity) (*Resolution, error)
	// Link applies a resolution inside tx. It must run in the same
	// transaction as any fix that depends on it.
	Link(ctx context.Context, tx *gorm.DB, res *Resolution, actor string) (LinkResult, error)
	// Candidates lists unmerged patients sharing a phone number.
	Candidates(ctx context.Context, db *gorm.DB, rawPhone string) ([]entity.PatientIdentity, error)
}

type identityResolver struct {
	log             *logrus.Logger
	phoneRegion     string
	patientRepo     domainRepo.PatientRepository
	reservationRepo domainRepo.ReservationRepository
	intakeRepo      domainRepo.IntakeRepository
	reorderRepo     domainRepo.ReorderRepository
	orderRepo       domainRepo.OrderRepository
	auditService    AuditService
}

func NewIdentityResolver(
	log *logrus.Logger,
	phoneRegion string,
	patientRepo domainRepo.PatientRepository,
	reservationRepo domainRepo.ReservationRepository,
	intakeRepo domainRepo.IntakeRepository,
	reorderRepo domainRepo.ReorderRepository,
	orderRepo domainRepo.OrderRepository,
	auditService AuditService,
) IdentityResolver {
	return &identityResolver{
		log:             log,
		phoneRegion:     phoneRegion,
		patientRepo:     patientRepo,
		reservationRepo: reservationRepo,
		intakeRepo:      intakeRepo,
		reorderRepo:     reorderRepo,
		orderRepo:       orderRepo,
		auditService:    auditService,
	}
}

// ChatIDFromTemporary recovers the chat id a temporary identity was minted from.
func ChatIDFromTemporary(id entity.PatientIdentity) string {
	if !id.IsTemporary() {
		return ""
	}
	return strings.TrimPrefix(string(id), entity.TemporaryIdentityPrefix)
}

func (r *identityResolver) Resolve(ctx context.Context, db *gorm.DB, chatID string, permanentID entity.PatientIdentity) (*Resolution, error) {
	chatID = strings.TrimSpace(chatID)
	if permanentID.IsTemporary() {
		if chatID == "" {
			chatID = ChatIDFromTemporary(permanentID)
		}
		permanentID = ""
	}
	if chatID == "" && permanentID.IsZero() {
		return nil, fmt.Errorf("%w: neither chat id nor patient id given", entity.ErrPatientNotFound)
	}

	var owner, temp *entity.Patient
	if chatID != "" {
		owners, err := r.patientRepo.FindByLineUserIDs(ctx, db, []string{chatID})
		if err != nil {
			return nil, err
		}
		if len(owners) > 0 {
			owner = &owners[0]
		}
		temp, err = r.patientRepo.FindByID(ctx, db, entity.TemporaryIdentityFor(chatID))
		if err != nil {
			return nil, err
		}
	}

	if permanentID.IsZero() {
		return r.resolveChatOnly(chatID, owner, temp)
	}

	perm, err := r.patientRepo.FindByID(ctx, db, permanentID)
	if err != nil {
		return nil, err
	}
	if perm == nil {
		return nil, fmt.Errorf("%w: %s", entity.ErrPatientNotFound, permanentID)
	}
	if perm.IsMerged() {
		return nil, &entity.IdentityConflictError{
			ChatID:    chatID,
			Claimants: []entity.PatientIdentity{permanentID, *perm.MergedInto},
			Reason:    "permanent identity was itself merged",
		}
	}

	res := &Resolution{Canonical: perm.PatientID, ChatID: chatID}
	if chatID == "" {
		return res, nil
	}

	if owner != nil && owner.PatientID != perm.PatientID && !owner.PatientID.IsTemporary() {
		return nil, &entity.IdentityConflictError{
			ChatID:    chatID,
			Claimants: []entity.PatientIdentity{owner.PatientID, perm.PatientID},
			Reason:    "two permanent identities claim the same chat id",
		}
	}
	if perm.ChatID() != "" && perm.ChatID() != chatID {
		return nil, &entity.IdentityConflictError{
			ChatID:    chatID,
			Claimants: []entity.PatientIdentity{perm.PatientID},
			Reason:    fmt.Sprintf("permanent identity is already linked to chat id %q", perm.ChatID()),
		}
	}
	res.NeedsLink = perm.ChatID() == ""

	if temp != nil {
		if temp.IsMerged() && *temp.MergedInto != perm.PatientID {
			return nil, &entity.IdentityConflictError{
				ChatID:    chatID,
				Claimants: []entity.PatientIdentity{*temp.MergedInto, perm.PatientID},
				Reason:    "temporary identity already merged into another patient",
			}
		}
	}
	// History can name the temporary identity even when its row is gone.
	res.Temporary = entity.TemporaryIdentityFor(chatID)
	if err := r.checkHistory(ctx, db, chatID, res.Temporary, perm.PatientID); err != nil {
		return nil, err
	}
	return res, nil
}

func (r *identityResolver) resolveChatOnly(chatID string, owner, temp *entity.Patient) (*Resolution, error) {
	if owner != nil {
		return &Resolution{Canonical: owner.PatientID, ChatID: chatID}, nil
	}
	if temp != nil {
		if temp.IsMerged() {
			return &Resolution{Canonical: *temp.MergedInto, ChatID: chatID, Temporary: temp.PatientID}, nil
		}
		return &Resolution{Canonical: temp.PatientID, ChatID: chatID}, nil
	}
	return nil, fmt.Errorf("%w: no patient for chat id %s", entity.ErrPatientNotFound, chatID)
}

// checkHistory refuses merges where both identities hold an active booking on
// the same day: folding them would silently create a double booking.
func (r *identityResolver) checkHistory(ctx context.Context, db *gorm.DB, chatID string, temporary, permanent entity.PatientIdentity) error {
	tempActive, err := r.reservationRepo.FindActiveByPatient(ctx, db, temporary, "")
	if err != nil {
		return err
	}
	if len(tempActive) == 0 {
		return nil
	}
	permActive, err := r.reservationRepo.FindActiveByPatient(ctx, db, permanent, "")
	if err != nil {
		return err
	}
	days := make(map[string]struct{}, len(permActive))
	for _, res := range permActive {
		days[res.ReservedDate] = struct{}{}
	}
	for _, res := range tempActive {
		if _, clash := days[res.ReservedDate]; clash {
			return &entity.IdentityConflictError{
				ChatID:    chatID,
				Claimants: []entity.PatientIdentity{permanent, temporary},
				Reason:    fmt.Sprintf("both identities hold active reservations on %s", res.ReservedDate),
			}
		}
	}
	return nil
}

func (r *identityResolver) Link(ctx context.Context, tx *gorm.DB, res *Resolution, actor string) (LinkResult, error) {
	var result LinkResult
	if res == nil || !res.Mergeable() {
		return result, nil
	}
	canonical := res.Canonical

	// The temporary row must release the chat id before the permanent row
	// can take it: line_user_id is unique.
	if !res.Temporary.IsZero() && res.Temporary != canonical {
		rows, err := r.patientRepo.MarkMerged(ctx, tx, res.Temporary, canonical)
		if err != nil {
			return result, fmt.Errorf("merge %s into %s: %w", res.Temporary, canonical, err)
		}
		result.TempMerged = rows > 0
	}

	if res.NeedsLink && res.ChatID != "" {
		rows, err := r.patientRepo.LinkLineUserID(ctx, tx, canonical, res.ChatID)
		if err != nil {
			if repository.IsUniqueViolation(err) {
				return result, &entity.IdentityConflictError{
					ChatID:    res.ChatID,
					Claimants: []entity.PatientIdentity{canonical},
					Reason:    "chat id is held by another patient",
				}
			}
			return result, fmt.Errorf("link chat id to %s: %w", canonical, err)
		}
		if rows == 0 {
			current, err := r.patientRepo.FindByID(ctx, tx, canonical)
			if err != nil {
				return result, err
			}
			if current == nil {
				return result, fmt.Errorf("%w: %s", entity.ErrPatientNotFound, canonical)
			}
			if current.ChatID() != res.ChatID {
				return result, &entity.IdentityConflictError{
					ChatID:    res.ChatID,
					Claimants: []entity.PatientIdentity{canonical},
					Reason:    fmt.Sprintf("patient was linked to chat id %q concurrently", current.ChatID()),
				}
			}
		}
		result.ChatLinked = rows > 0
	}

	if !res.Temporary.IsZero() && res.Temporary != canonical {
		var err error
		if result.Reservations, err = r.reservationRepo.ReassignPatient(ctx, tx, res.Temporary, canonical); err != nil {
			return result, fmt.Errorf("reassign reservations: %w", err)
		}
		if result.Intakes, err = r.intakeRepo.ReassignPatient(ctx, tx, res.Temporary, canonical); err != nil {
			return result, fmt.Errorf("reassign intakes: %w", err)
		}
		if result.Reorders, err = r.reorderRepo.ReassignPatient(ctx, tx, res.Temporary, canonical); err != nil {
			return result, fmt.Errorf("reassign reorders: %w", err)
		}
		if result.Orders, err = r.orderRepo.ReassignPatient(ctx, tx, res.Temporary, canonical); err != nil {
			return result, fmt.Errorf("reassign orders: %w", err)
		}
	}

	if result.ChatLinked {
		if err := r.auditService.LogUpdate(ctx, tx, actor, entity.AuditActionIdentityLink, entity.RefPatient, string(canonical),
			nil, map[string]interface{}{"line_user_id": res.ChatID}); err != nil {
			return result, err
		}
	}
	if result.TempMerged || result.Reservations+result.Intakes+result.Reorders+result.Orders > 0 {
		if err := r.auditService.LogUpdate(ctx, tx, actor, entity.AuditActionIdentityMerge, entity.RefPatient, string(res.Temporary),
			map[string]interface{}{"patient_id": res.Temporary},
			map[string]interface{}{"merged_into": canonical, "moved": result}); err != nil {
			return result, err
		}
	}
	return result, nil
}

func (r *identityResolver) Candidates(ctx context.Context, db *gorm.DB, rawPhone string) ([]entity.PatientIdentity, error) {
	normalized, err := phone.Normalize(rawPhone, r.phoneRegion)
	if err != nil || normalized == "" {
		return nil, nil
	}
	patients, err := r.patientRepo.FindByPhone(ctx, db, normalized)
	if err != nil {
		return nil, err
	}
	ids := make([]entity.PatientIdentity, 0, len(patients))
	for _, p := range patients {
		ids = append(ids, p.PatientID)
	}
	sort.Slice(ids, func(a, b int) bool { return ids[a] < ids[b] })
	return ids, nil
}

// IsIdentityConflict reports whether err needs human adjudication.
func IsIdentityConflict(err error) bool {
	return errors.Is(err, entity.ErrIdentityConflict)
}
