package registration

import (
	"errors"
	"regexp"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/LeventeLantos/bingo-registry/internal/model"
)

var phonePattern = regexp.MustCompile(`^[\d\s+\-()]+$`)

// TableRange is an inclusive card range printed on a physical table.
type TableRange struct {
	Start int `validate:"gt=0"`
	End   int `validate:"gt=0,gtfield=Start"`
}

func (r TableRange) Code() string { return model.TableCode(r.Start, r.End) }

type OTPRequest struct {
	Phone  string      `validate:"required,phone"`
	IDCard string      `validate:"required,max=20"`
	Range  *TableRange `validate:"omitempty"`
}

type OTPResult struct {
	ExpiresAt  time.Time
	IsUpdate   bool
	TableRange string
	// DebugOTP is only filled when the service is configured to expose codes.
	DebugOTP string
}

type ProfileInput struct {
	FirstName      string   `validate:"required,max=100"`
	LastName       string   `validate:"required,max=100"`
	ProvinceID     int64    `validate:"required,gt=0"`
	CantonID       int64    `validate:"required,gt=0"`
	NeighborhoodID int64    `validate:"required,gt=0"`
	AddressDetail  string   `validate:"required,min=10"`
	Latitude       *float64 `validate:"omitempty,latitude"`
	Longitude      *float64 `validate:"omitempty,longitude"`
}

func (p ProfileInput) toModel() model.Profile {
	return model.Profile{
		FirstName:      strings.TrimSpace(p.FirstName),
		LastName:       strings.TrimSpace(p.LastName),
		ProvinceID:     p.ProvinceID,
		CantonID:       p.CantonID,
		NeighborhoodID: p.NeighborhoodID,
		AddressDetail:  strings.TrimSpace(p.AddressDetail),
		Latitude:       p.Latitude,
		Longitude:      p.Longitude,
	}
}

type Completion struct {
	Phone   string `validate:"required,phone"`
	IDCard  string `validate:"required,max=20"`
	OTP     string `validate:"required,len=6,numeric"`
	Profile ProfileInput
}

type ManualCompletion struct {
	Completion
	Range         TableRange
	Photo         []byte `validate:"required"`
	PhotoFileName string `validate:"required"`
}

// UserRef identifies an existing user by id or phone.
type UserRef struct {
	ID    int64  `validate:"required_without=Phone"`
	Phone string `validate:"required_without=ID,omitempty,phone"`
}

type Warning struct {
	Code    string
	Message string
}

const (
	WarnNoInventory       = "no_inventory"
	WarnTableAssignment   = "table_assignment"
	WarnWelcome           = "welcome_message"
	WarnArtifact          = "table_artifact"
	WarnConfirmation      = "confirmation_message"
	WarnIncompleteCleanup = "incomplete_cleanup"
)

type Result struct {
	User     *model.User
	Table    *model.Table
	Warnings []Warning
}

func (r *Result) warn(code string, err error) {
	r.Warnings = append(r.Warnings, Warning{Code: code, Message: err.Error()})
}

type AssignResult struct {
	Table        *model.Table
	ArtifactSent bool
	Warnings     []Warning
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("phone", func(fl validator.FieldLevel) bool {
		return phonePattern.MatchString(fl.Field().String())
	})
	return v
}

// validationError converts validator output into a KindValidation error
// with one entry per offending field.
func validationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return model.Wrap(model.KindValidation, "invalid input", err)
	}
	e := model.NewError(model.KindValidation, "invalid input")
	for _, fe := range verrs {
		e = e.WithField(fieldName(fe.Namespace()), problem(fe))
	}
	return e
}

func fieldName(ns string) string {
	// Drop the root struct name: "Completion.Profile.FirstName" -> "Profile.FirstName".
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		ns = ns[i+1:]
	}
	return ns
}

func problem(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required", "required_without":
		return "is required"
	case "phone":
		return "invalid phone format"
	case "gtfield":
		return "must be greater than " + fe.Param()
	case "len":
		return "must have length " + fe.Param()
	case "min":
		return "must have at least " + fe.Param() + " characters"
	default:
		return "failed " + fe.Tag()
	}
}
