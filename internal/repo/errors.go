package repo

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/LeventeLantos/bingo-registry/internal/model"
)

const uniqueViolationCode = "23505"

// mapUniqueViolation turns a Postgres unique violation on one of the
// verified-user indexes into the matching domain error.
func mapUniqueViolation(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != uniqueViolationCode {
		return err
	}
	switch pgErr.ConstraintName {
	case "users_phone_verified_uq":
		return model.Wrap(model.KindAlreadyRegistered, "phone already verified", err).WithField("phone", "taken")
	case "users_id_card_verified_uq":
		return model.Wrap(model.KindDuplicateIDCard, "id card already verified", err).WithField("idCard", "taken")
	case "bingo_tables_code_key":
		return model.Wrap(model.KindTableRangeTaken, "table range already registered", err)
	case "users_assigned_table_uq":
		return model.Wrap(model.KindTransaction, "table already held by another user", err)
	default:
		return err
	}
}

func notFound(what string) error {
	return model.NewError(model.KindNotFound, what+" not found")
}
