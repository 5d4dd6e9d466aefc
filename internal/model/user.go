package model

import "time"

// User is a registrant. Rows with PhoneVerified=false are in-progress
// registrations; once verified the phone and id card are unique.
type User struct {
	ID              int64      `db:"id"`
	Phone           string     `db:"phone"`
	IDCard          string     `db:"id_card"`
	FirstName       *string    `db:"first_name"`
	LastName        *string    `db:"last_name"`
	PhoneVerified   bool       `db:"phone_verified"`
	OTPHash         *string    `db:"otp_hash"`
	OTPExpiresAt    *time.Time `db:"otp_expires_at"`
	AssignedTableID *int64     `db:"assigned_table_id"`
	ProvinceID      *int64     `db:"province_id"`
	CantonID        *int64     `db:"canton_id"`
	NeighborhoodID  *int64     `db:"neighborhood_id"`
	AddressDetail   *string    `db:"address_detail"`
	Latitude        *float64   `db:"latitude"`
	Longitude       *float64   `db:"longitude"`
	CreatedAt       time.Time  `db:"created_at"`
	UpdatedAt       time.Time  `db:"updated_at"`
}

// IsIncomplete reports whether the row is an unverified registration
// that never received a profile.
func (u *User) IsIncomplete() bool {
	return !u.PhoneVerified && (u.FirstName == nil || u.LastName == nil)
}

// OTPActive reports whether a code is outstanding and now <= expiry.
func (u *User) OTPActive(now time.Time) bool {
	return u.OTPHash != nil && u.OTPExpiresAt != nil && !now.After(*u.OTPExpiresAt)
}

func (u *User) DisplayName() string {
	var first, last string
	if u.FirstName != nil {
		first = *u.FirstName
	}
	if u.LastName != nil {
		last = *u.LastName
	}
	switch {
	case first != "" && last != "":
		return first + " " + last
	case first != "":
		return first
	default:
		return last
	}
}

// Profile is the set of fields written when a registration completes.
type Profile struct {
	FirstName      string
	LastName       string
	ProvinceID     int64
	CantonID       int64
	NeighborhoodID int64
	AddressDetail  string
	Latitude       *float64
	Longitude      *float64
}
