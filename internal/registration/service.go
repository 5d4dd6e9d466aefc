// Package registration drives the OTP gated sign-up of bingo players and
// the hand-off of their table.
package registration

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/LeventeLantos/bingo-registry/internal/client"
	"github.com/LeventeLantos/bingo-registry/internal/metrics"
	"github.com/LeventeLantos/bingo-registry/internal/model"
	"github.com/LeventeLantos/bingo-registry/internal/repo"
)

type Gateway interface {
	Status(ctx context.Context) (client.Status, error)
	SendText(ctx context.Context, phone, body string) error
	SendMediaWithCaption(ctx context.Context, phone string, media client.Media, caption string) error
}

type Classifier interface {
	Classify(ctx context.Context, image []byte) (model.Classification, error)
}

type ArtifactStore interface {
	Put(ctx context.Context, key string, data []byte, contentType string) (string, error)
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
}

type Inventory interface {
	AssignTable(ctx context.Context, userID int64) (*model.Table, error)
	ReleaseTable(ctx context.Context, tableID int64) error
	GetUserTable(ctx context.Context, userID int64) (*model.Table, error)
}

// AdminNotifier receives failures nobody is waiting on, such as a deferred
// artifact send.
type AdminNotifier interface {
	NotifyAdmin(ctx context.Context, text string) error
}

type Options struct {
	OTPTTL            time.Duration
	ArtifactDelay     time.Duration
	ConfirmationDelay time.Duration
	SocialDelay       time.Duration
	ExposeOTP         bool
	Retry             RetryPolicy
}

func DefaultOptions() Options {
	return Options{
		OTPTTL:            5 * time.Minute,
		ArtifactDelay:     8 * time.Second,
		ConfirmationDelay: 3 * time.Second,
		SocialDelay:       3 * time.Second,
		Retry:             DefaultRetryPolicy(),
	}
}

type Deps struct {
	Users      repo.UserRepository
	Tables     repo.TableRepository
	Inventory  Inventory
	Gateway    Gateway
	Classifier Classifier
	Artifacts  ArtifactStore
	Hasher     Hasher
	FollowUps  FollowUps
	Notifier   AdminNotifier
	Metrics    *metrics.Manager
	Log        *zap.Logger
	Now        func() time.Time
}

type Service struct {
	users      repo.UserRepository
	tables     repo.TableRepository
	inventory  Inventory
	gateway    Gateway
	classifier Classifier
	artifacts  ArtifactStore
	hasher     Hasher
	followUps  FollowUps
	notifier   AdminNotifier
	metrics    *metrics.Manager
	log        *zap.Logger
	now        func() time.Time
	validate   *validator.Validate
	opts       Options
}

func NewService(d Deps, opts Options) *Service {
	s := &Service{
		users:      d.Users,
		tables:     d.Tables,
		inventory:  d.Inventory,
		gateway:    d.Gateway,
		classifier: d.Classifier,
		artifacts:  d.Artifacts,
		hasher:     d.Hasher,
		followUps:  d.FollowUps,
		notifier:   d.Notifier,
		metrics:    d.Metrics,
		log:        d.Log,
		now:        d.Now,
		validate:   newValidator(),
		opts:       opts,
	}
	if s.hasher == nil {
		s.hasher = BcryptHasher{}
	}
	if s.followUps == nil {
		s.followUps = InlineFollowUps{}
	}
	if s.log == nil {
		s.log = zap.NewNop()
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.metrics == nil {
		s.metrics = metrics.New()
	}
	return s
}

// RequestOTP starts (or restarts) a registration for the phone and id card
// pair and sends a verification code to the phone.
func (s *Service) RequestOTP(ctx context.Context, req OTPRequest) (*OTPResult, error) {
	req.Phone = strings.TrimSpace(req.Phone)
	req.IDCard = strings.TrimSpace(req.IDCard)
	if err := s.validate.Struct(req); err != nil {
		return nil, validationError(err)
	}

	res := &OTPResult{}
	if req.Range != nil {
		res.TableRange = req.Range.Code()
		if err := s.ensureRangeFree(ctx, res.TableRange, nil); err != nil {
			return nil, err
		}
	}

	existing, err := s.users.FindByPhoneOrIDCard(ctx, req.Phone, req.IDCard)
	if err != nil {
		return nil, model.Wrap(model.KindTransaction, "look up registrations", err)
	}
	if err := verifiedConflict(existing, req.Phone, req.IDCard); err != nil {
		return nil, err
	}

	now := s.now()
	if n, err := s.users.DeleteExpiredIncomplete(ctx, req.Phone, req.IDCard, now); err != nil {
		return nil, model.Wrap(model.KindTransaction, "clean expired registrations", err)
	} else if n > 0 {
		s.log.Info("expired incomplete registrations removed",
			zap.String("phone", req.Phone),
			zap.Int64("count", n))
	}

	existing, err = s.users.FindByPhoneOrIDCard(ctx, req.Phone, req.IDCard)
	if err != nil {
		return nil, model.Wrap(model.KindTransaction, "look up registrations", err)
	}
	reuse, err := pendingRow(existing, req.Phone, req.IDCard)
	if err != nil {
		return nil, err
	}

	if err := s.requireReady(ctx); err != nil {
		return nil, err
	}

	code, err := generateOTP()
	if err != nil {
		return nil, err
	}
	hash, err := s.hasher.Hash(code)
	if err != nil {
		return nil, err
	}
	res.ExpiresAt = now.Add(s.opts.OTPTTL)

	var userID int64
	if reuse != nil {
		userID = reuse.ID
		res.IsUpdate = true
		if err := s.users.UpdateOTP(ctx, userID, hash, res.ExpiresAt); err != nil {
			return nil, model.Wrap(model.KindTransaction, "store otp", err)
		}
	} else {
		userID, err = s.users.CreatePending(ctx, req.Phone, req.IDCard, hash, res.ExpiresAt)
		if err != nil {
			return nil, model.Wrap(model.KindTransaction, "store otp", err)
		}
	}

	attempts, err := s.opts.Retry.Do(ctx, s.ready, func(ctx context.Context) error {
		return s.gateway.SendText(ctx, req.Phone, otpMessage(code))
	})
	if err != nil {
		s.metrics.OTPFailed.WithLabelValues(string(kindOr(err, model.KindTransport))).Inc()
		s.discardIncomplete(ctx, userID, "otp not delivered")
		s.log.Error("otp delivery failed",
			zap.String("phone", req.Phone),
			zap.Int("attempts", attempts),
			zap.Error(err))
		if errors.Is(err, model.ErrRecipientNotRegistered) {
			return nil, err
		}
		return nil, model.Wrap(model.KindTransportUnavailable,
			fmt.Sprintf("otp not delivered after %d attempts", attempts), err)
	}

	s.metrics.OTPSent.Inc()
	s.log.Info("otp sent",
		zap.Int64("user_id", userID),
		zap.Bool("update", res.IsUpdate),
		zap.Int("attempts", attempts))
	if s.opts.ExposeOTP {
		res.DebugOTP = code
	}
	return res, nil
}

// verifiedConflict reports which identity of the request already belongs
// to a completed registration.
func verifiedConflict(users []model.User, phone, idCard string) error {
	var byPhone, byIDCard *model.User
	for i := range users {
		u := &users[i]
		if !u.PhoneVerified {
			continue
		}
		if u.Phone == phone {
			byPhone = u
		}
		if u.IDCard == idCard {
			byIDCard = u
		}
	}

	switch {
	case byPhone == nil && byIDCard == nil:
		return nil
	case byPhone != nil && byIDCard != nil && byPhone.ID != byIDCard.ID:
		return model.NewError(model.KindAlreadyRegistered, "phone and id card belong to different registrations").
			WithField("conflict", "cross_user")
	case byPhone != nil && byPhone.IDCard == idCard:
		return model.NewError(model.KindAlreadyRegistered, "already registered").
			WithField("conflict", "phone")
	case byPhone != nil:
		return model.NewError(model.KindAlreadyRegistered, "phone is registered with another id card").
			WithField("conflict", "phone")
	default:
		return model.NewError(model.KindAlreadyRegistered, "id card is registered with another phone").
			WithField("conflict", "id_card")
	}
}

// pendingRow returns the in-flight registration to reuse, or nil when a new
// one must be created. Only rows that survived the expiry sweep are seen.
func pendingRow(users []model.User, phone, idCard string) (*model.User, error) {
	var exact *model.User
	for i := range users {
		u := &users[i]
		if u.PhoneVerified {
			continue
		}
		if u.Phone == phone && u.IDCard == idCard {
			if exact == nil {
				exact = u
			}
			continue
		}
		field := "phone"
		if u.IDCard == idCard {
			field = "id_card"
		}
		return nil, model.NewError(model.KindPendingConflict, "another registration is in progress").
			WithField("conflict", field)
	}
	return exact, nil
}

func (s *Service) ensureRangeFree(ctx context.Context, code string, ownTableID *int64) error {
	t, err := s.tables.FindByCode(ctx, code)
	if err != nil {
		return model.Wrap(model.KindTransaction, "look up table range", err)
	}
	if t != nil && (ownTableID == nil || *ownTableID != t.ID) {
		return model.NewError(model.KindTableRangeTaken, fmt.Sprintf("table range %s is already registered", code)).
			WithField("tableRange", "already registered")
	}
	return nil
}

func (s *Service) ready(ctx context.Context) bool {
	st, err := s.gateway.Status(ctx)
	return err == nil && st.Ready
}

func (s *Service) requireReady(ctx context.Context) error {
	st, err := s.gateway.Status(ctx)
	if err != nil {
		return model.Wrap(model.KindTransportUnavailable, "messaging gateway unreachable", err)
	}
	if !st.Ready {
		return model.NewError(model.KindTransportUnavailable, "messaging gateway not ready: "+st.Diagnostic)
	}
	return nil
}

// discardIncomplete removes a registration this call created or touched.
// Verified rows are never deleted.
func (s *Service) discardIncomplete(ctx context.Context, userID int64, reason string) {
	deleted, err := s.users.DeleteIncomplete(context.WithoutCancel(ctx), userID)
	if err != nil {
		s.log.Error("failed to discard incomplete registration",
			zap.Int64("user_id", userID),
			zap.String("reason", reason),
			zap.Error(err))
		return
	}
	if deleted {
		s.log.Info("incomplete registration discarded",
			zap.Int64("user_id", userID),
			zap.String("reason", reason))
	}
}

func (s *Service) notifyAdmin(ctx context.Context, text string) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.NotifyAdmin(ctx, text); err != nil {
		s.log.Warn("admin notification failed", zap.Error(err))
	}
}

func kindOr(err error, fallback model.Kind) model.Kind {
	if k := model.KindOf(err); k != "" {
		return k
	}
	return fallback
}
