package registration

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/LeventeLantos/bingo-registry/internal/model"
)

// UserView is a registrant together with the table they hold, if any.
type UserView struct {
	User  *model.User
	Table *model.Table
}

// FindUser looks a registrant up by id card or phone.
func (s *Service) FindUser(ctx context.Context, identifier string) (*UserView, error) {
	u, err := s.findByIdentifier(ctx, identifier)
	if err != nil {
		return nil, err
	}
	t, err := s.inventory.GetUserTable(ctx, u.ID)
	if err != nil {
		return nil, model.Wrap(model.KindTransaction, "look up user table", err)
	}
	return &UserView{User: u, Table: t}, nil
}

// ResendTable sends the printable artifact of an already assigned table
// again. The table stays with the user even when the send fails.
func (s *Service) ResendTable(ctx context.Context, identifier string) (*model.Table, error) {
	if err := s.requireReady(ctx); err != nil {
		return nil, err
	}
	u, err := s.findByIdentifier(ctx, identifier)
	if err != nil {
		return nil, err
	}
	t, err := s.inventory.GetUserTable(ctx, u.ID)
	if err != nil {
		return nil, model.Wrap(model.KindTransaction, "look up user table", err)
	}
	if t == nil {
		return nil, model.NewError(model.KindNotFound, "user has no table assigned")
	}

	if err := s.sendArtifact(ctx, u, t); err != nil {
		s.log.Error("table artifact not resent",
			zap.Int64("user_id", u.ID),
			zap.String("table", t.Code),
			zap.Error(err))
		return nil, model.Wrap(model.KindTransport, "table not resent", err)
	}
	s.log.Info("table artifact resent", zap.Int64("user_id", u.ID), zap.String("table", t.Code))
	return t, nil
}

func (s *Service) findByIdentifier(ctx context.Context, identifier string) (*model.User, error) {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return nil, model.NewError(model.KindValidation, "identifier is required").
			WithField("identifier", "required")
	}
	u, err := s.users.FindByIdentifier(ctx, identifier)
	if err != nil {
		return nil, model.Wrap(model.KindTransaction, "look up user", err)
	}
	if u == nil {
		return nil, model.NewError(model.KindNotFound, "user not found")
	}
	return u, nil
}
