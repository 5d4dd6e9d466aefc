package registration

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"go.uber.org/zap"

	"github.com/LeventeLantos/bingo-registry/internal/client"
	"github.com/LeventeLantos/bingo-registry/internal/model"
	"github.com/LeventeLantos/bingo-registry/internal/repo"
	"github.com/LeventeLantos/bingo-registry/internal/storage"
)

// CompleteRegistration verifies the OTP, writes the profile and then hands
// out a pool table. Only the verification decides success; table and
// message problems come back as warnings.
func (s *Service) CompleteRegistration(ctx context.Context, c Completion) (*Result, error) {
	c.Phone = strings.TrimSpace(c.Phone)
	c.IDCard = strings.TrimSpace(c.IDCard)
	c.OTP = strings.TrimSpace(c.OTP)
	if err := s.validate.Struct(c); err != nil {
		return nil, validationError(err)
	}

	u, err := s.checkPending(ctx, c)
	if err != nil {
		return nil, err
	}

	if err := s.users.Verify(ctx, u.ID, c.Profile.toModel()); err != nil {
		s.discardIncomplete(ctx, u.ID, "verification failed")
		if model.KindOf(err) != "" {
			return nil, err
		}
		return nil, model.Wrap(model.KindTransaction, "complete registration", err)
	}
	s.metrics.Registrations.WithLabelValues("pool").Inc()

	res := &Result{}
	s.afterVerify(ctx, u.ID, c.Phone, c.IDCard, res)

	t, err := s.inventory.AssignTable(ctx, u.ID)
	switch {
	case errors.Is(err, model.ErrNoInventory):
		res.warn(WarnNoInventory, err)
	case err != nil:
		res.warn(WarnTableAssignment, err)
	default:
		res.Table = t
	}

	s.sendWelcome(ctx, res)

	if res.Table != nil {
		user, table := res.User, res.Table
		if err := s.followUps.Schedule(ctx, s.opts.ArtifactDelay, func(ctx context.Context) error {
			return s.deliverArtifact(ctx, user, table)
		}); err != nil {
			res.warn(WarnArtifact, err)
			res.Table = nil
		}
	}

	s.log.Info("registration completed",
		zap.Int64("user_id", u.ID),
		zap.Bool("table_assigned", res.Table != nil),
		zap.Int("warnings", len(res.Warnings)))
	return res, nil
}

// CompleteRegistrationWithManualTableProof registers a player who already
// holds a printed table, proven by a photo the classifier must accept.
func (s *Service) CompleteRegistrationWithManualTableProof(ctx context.Context, m ManualCompletion) (*Result, error) {
	m.Phone = strings.TrimSpace(m.Phone)
	m.IDCard = strings.TrimSpace(m.IDCard)
	m.OTP = strings.TrimSpace(m.OTP)
	if err := s.validate.Struct(m); err != nil {
		return nil, validationError(err)
	}

	u, err := s.checkPending(ctx, m.Completion)
	if err != nil {
		return nil, err
	}

	verdict, err := s.classifier.Classify(ctx, m.Photo)
	if err != nil {
		return nil, model.Wrap(model.KindTransport, "table photo could not be read", err)
	}
	if !verdict.IsValidDocument {
		s.discardIncomplete(ctx, u.ID, "table photo rejected")
		return nil, rejected(verdict)
	}

	code := m.Range.Code()
	if err := s.ensureRangeFree(ctx, code, u.AssignedTableID); err != nil {
		return nil, err
	}

	key := storage.TablePhotoKey(code, m.PhotoFileName)
	url, err := s.artifacts.Put(ctx, key, m.Photo, storage.MimeType(m.PhotoFileName))
	if err != nil {
		s.discardIncomplete(ctx, u.ID, "table photo not stored")
		return nil, model.Wrap(model.KindTransaction, "store table photo", err)
	}

	t, err := s.users.VerifyWithManualTable(ctx, u.ID, m.Profile.toModel(), repo.ManualTable{
		Code:          code,
		FileName:      path.Base(key),
		FileURL:       url,
		OCRConfidence: verdict.Confidence,
		OCRKeywords:   verdict.MatchedKeywords,
	})
	if err != nil {
		if derr := s.artifacts.Delete(context.WithoutCancel(ctx), key); derr != nil {
			s.log.Warn("orphaned table photo", zap.String("key", key), zap.Error(derr))
		}
		s.discardIncomplete(ctx, u.ID, "manual registration failed")
		if model.KindOf(err) != "" {
			return nil, err
		}
		return nil, model.Wrap(model.KindTransaction, "complete manual registration", err)
	}
	s.metrics.Registrations.WithLabelValues("manual").Inc()

	res := &Result{Table: t}
	s.afterVerify(ctx, u.ID, m.Phone, m.IDCard, res)
	s.sendWelcome(ctx, res)

	phone := m.Phone
	if err := s.followUps.Schedule(ctx, s.opts.ConfirmationDelay, func(ctx context.Context) error {
		return s.gateway.SendText(ctx, phone, confirmationMessage(code))
	}); err != nil {
		res.warn(WarnConfirmation, err)
	}

	s.log.Info("manual registration completed",
		zap.Int64("user_id", u.ID),
		zap.String("table", code),
		zap.Float64("confidence", verdict.Confidence))
	return res, nil
}

// AssignTableToExistingUser gives a pool table to a registered player who
// has none and sends the printable artifact right away.
func (s *Service) AssignTableToExistingUser(ctx context.Context, ref UserRef) (*AssignResult, error) {
	ref.Phone = strings.TrimSpace(ref.Phone)
	if err := s.validate.Struct(ref); err != nil {
		return nil, validationError(err)
	}

	var u *model.User
	var err error
	if ref.ID != 0 {
		u, err = s.users.GetByID(ctx, ref.ID)
	} else {
		u, err = s.users.FindLatestByPhone(ctx, ref.Phone)
		if err == nil && u == nil {
			err = model.NewError(model.KindNotFound, "user not found")
		}
	}
	if err != nil {
		return nil, err
	}
	if !u.PhoneVerified {
		return nil, model.NewError(model.KindInvalidState, "registration is not completed")
	}

	held, err := s.inventory.GetUserTable(ctx, u.ID)
	if err != nil {
		return nil, model.Wrap(model.KindTransaction, "look up user table", err)
	}
	if held != nil {
		return nil, model.NewError(model.KindInvalidState, "user already holds table "+held.Code).
			WithField("tableCode", held.Code)
	}

	t, err := s.inventory.AssignTable(ctx, u.ID)
	if err != nil {
		return nil, err
	}

	res := &AssignResult{Table: t}
	if err := s.deliverArtifact(ctx, u, t); err != nil {
		res.Warnings = append(res.Warnings, Warning{Code: WarnArtifact, Message: err.Error()})
		res.Table = nil
		return res, nil
	}
	res.ArtifactSent = true
	return res, nil
}

// checkPending loads the in-flight registration for the phone and checks
// the code. A wrong code inside the window keeps the row so the player can
// try again; an expired one is removed.
func (s *Service) checkPending(ctx context.Context, c Completion) (*model.User, error) {
	u, err := s.users.FindLatestByPhone(ctx, c.Phone)
	if err != nil {
		return nil, model.Wrap(model.KindTransaction, "look up registration", err)
	}
	if u != nil && u.PhoneVerified {
		return nil, model.NewError(model.KindAlreadyRegistered, "phone is already registered").
			WithField("conflict", "phone")
	}
	if u == nil || u.IDCard != c.IDCard || u.OTPHash == nil || u.OTPExpiresAt == nil {
		return nil, model.NewError(model.KindInvalidOTP, "invalid or expired code")
	}

	now := s.now()
	if !u.OTPActive(now) {
		s.discardIncomplete(ctx, u.ID, "otp expired")
		return nil, model.NewError(model.KindInvalidOTP, "invalid or expired code")
	}
	if !s.hasher.Matches(*u.OTPHash, c.OTP) {
		return nil, model.NewError(model.KindInvalidOTP, "invalid or expired code")
	}

	other, err := s.users.FindVerifiedByIDCard(ctx, c.IDCard, u.ID)
	if err != nil {
		return nil, model.Wrap(model.KindTransaction, "check id card", err)
	}
	if other != nil {
		s.discardIncomplete(ctx, u.ID, "id card already registered")
		return nil, model.NewError(model.KindDuplicateIDCard, "id card is registered with another phone").
			WithField("idCard", "already registered")
	}
	return u, nil
}

// afterVerify drops sibling in-flight rows and reloads the verified user.
func (s *Service) afterVerify(ctx context.Context, userID int64, phone, idCard string, res *Result) {
	if n, err := s.users.DeleteIncompleteByIDCard(ctx, idCard, userID); err != nil {
		res.warn(WarnIncompleteCleanup, err)
	} else if n > 0 {
		s.log.Info("sibling incomplete registrations removed", zap.Int64("user_id", userID), zap.Int64("count", n))
	}

	u, err := s.users.GetByID(ctx, userID)
	if err != nil {
		s.log.Warn("reload verified user", zap.Int64("user_id", userID), zap.Error(err))
		u = &model.User{ID: userID, Phone: phone, IDCard: idCard, PhoneVerified: true}
	}
	res.User = u
}

func (s *Service) sendWelcome(ctx context.Context, res *Result) {
	u := res.User
	first, last := "", ""
	if u.FirstName != nil {
		first = *u.FirstName
	}
	if u.LastName != nil {
		last = *u.LastName
	}

	if err := s.gateway.SendText(ctx, u.Phone, welcomeMessage(first, last)); err != nil {
		res.warn(WarnWelcome, err)
		return
	}
	phone := u.Phone
	if err := s.followUps.Schedule(ctx, s.opts.SocialDelay, func(ctx context.Context) error {
		return s.gateway.SendText(ctx, phone, socialMessage)
	}); err != nil {
		res.warn(WarnWelcome, err)
	}
}

// deliverArtifact sends the table PDF. On failure the table goes back to
// the pool.
func (s *Service) deliverArtifact(ctx context.Context, u *model.User, t *model.Table) error {
	err := s.sendArtifact(ctx, u, t)
	if err == nil {
		s.log.Info("table artifact sent", zap.Int64("user_id", u.ID), zap.String("table", t.Code))
		return nil
	}

	s.log.Error("table artifact not delivered",
		zap.Int64("user_id", u.ID),
		zap.String("table", t.Code),
		zap.Error(err))
	if rerr := s.inventory.ReleaseTable(ctx, t.ID); rerr != nil {
		s.notifyAdmin(ctx, fmt.Sprintf("Tabla %s no enviada a %s y no se pudo liberar: %v", t.Code, u.Phone, rerr))
		return fmt.Errorf("table %s not delivered: %w (release failed: %v)", t.Code, err, rerr)
	}
	s.notifyAdmin(ctx, fmt.Sprintf("Tabla %s no enviada a %s, devuelta al inventario: %v", t.Code, u.Phone, err))
	return fmt.Errorf("table %s not delivered and returned to the pool: %w", t.Code, err)
}

func (s *Service) sendArtifact(ctx context.Context, u *model.User, t *model.Table) error {
	data, err := s.artifacts.Get(ctx, storage.TableArtifactKey(t.FileName))
	if err != nil {
		return fmt.Errorf("load table pdf: %w", err)
	}
	first := ""
	if u.FirstName != nil {
		first = *u.FirstName
	}
	return s.gateway.SendMediaWithCaption(ctx, u.Phone, client.Media{
		Data:     data,
		MimeType: "application/pdf",
		FileName: t.FileName,
	}, tableCaption(first, t.Code))
}

func rejected(v model.Classification) error {
	e := model.Wrap(model.KindInvalidArtifact,
		fmt.Sprintf("photo is not a recognizable bingo table (confidence %.2f)", v.Confidence),
		&model.RejectedArtifact{Classification: v})
	e.WithField("matchedKeywords", strings.Join(v.MatchedKeywords, ","))
	e.WithField("missingKeywords", strings.Join(v.MissingKeywords, ","))
	return e
}
