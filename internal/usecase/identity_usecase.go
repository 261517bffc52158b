package usecase

import (
	"context"
	"errors"
	"strings"

	"clinic-reconciler/internal/delivery/dto"
	"clinic-reconciler/internal/domain/entity"
	"clinic-reconciler/internal/service"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

var (
	ErrIdentityRequired = errors.New("chat id or patient id is required")
)

type ResolveIdentityRequest struct {
	ChatID    string
	PatientID entity.PatientIdentity
	Phone     string
	Apply     bool
	Actor     string
}

// IdentityUsecase is the operator path into the identity resolver. Without
// Apply it only reports what a link would do.
type IdentityUsecase interface {
	Resolve(ctx context.Context, req ResolveIdentityRequest) (*dto.ResolveIdentityResponse, error)
}

type identityUsecase struct {
	db       *gorm.DB
	log      *logrus.Logger
	resolver service.IdentityResolver
	cache    service.CacheInvalidator
}

func NewIdentityUsecase(
	db *gorm.DB,
	log *logrus.Logger,
	resolver service.IdentityResolver,
	cache service.CacheInvalidator,
) IdentityUsecase {
	return &identityUsecase{
		db:       db,
		log:      log,
		resolver: resolver,
		cache:    cache,
	}
}

func (u *identityUsecase) Resolve(ctx context.Context, req ResolveIdentityRequest) (*dto.ResolveIdentityResponse, error) {
	req.ChatID = strings.TrimSpace(req.ChatID)
	req.PatientID = entity.PatientIdentity(strings.TrimSpace(string(req.PatientID)))
	if req.ChatID == "" && req.PatientID.IsZero() {
		return nil, ErrIdentityRequired
	}

	candidates, err := u.resolver.Candidates(ctx, u.db.WithContext(ctx), req.Phone)
	if err != nil {
		u.log.Warnf("Failed to find phone candidates: %+v", err)
		return nil, err
	}

	var res *service.Resolution
	var linked service.LinkResult
	if !req.Apply {
		res, err = u.resolver.Resolve(ctx, u.db.WithContext(ctx), req.ChatID, req.PatientID)
	} else {
		err = u.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var terr error
			res, terr = u.resolver.Resolve(ctx, tx, req.ChatID, req.PatientID)
			if terr != nil {
				return terr
			}
			linked, terr = u.resolver.Link(ctx, tx, res, req.Actor)
			return terr
		})
	}
	if err != nil {
		if !service.IsIdentityConflict(err) && !errors.Is(err, entity.ErrPatientNotFound) {
			u.log.Warnf("Failed to resolve identity: %+v", err)
		}
		return nil, err
	}

	if linked.Writes() > 0 {
		u.cache.Invalidate(ctx, res.Canonical, res.Temporary)
	}

	return &dto.ResolveIdentityResponse{
		Canonical:    res.Canonical,
		ChatID:       res.ChatID,
		Temporary:    res.Temporary,
		NeedsLink:    res.NeedsLink,
		Mergeable:    res.Mergeable(),
		Applied:      req.Apply,
		ChatLinked:   linked.ChatLinked,
		TempMerged:   linked.TempMerged,
		RecordsMoved: linked.Reservations + linked.Intakes + linked.Reorders + linked.Orders,
		Candidates:   candidates,
	}, nil
}
