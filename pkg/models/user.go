package models

import "strings"

// UserFlags is the bitset reported by the package manager for a user
type UserFlags int

const (
	UserFlagPrimary        UserFlags = 0x00000001
	UserFlagAdmin          UserFlags = 0x00000002
	UserFlagGuest          UserFlags = 0x00000004
	UserFlagRestricted     UserFlags = 0x00000008
	UserFlagInitialized    UserFlags = 0x00000010
	UserFlagManagedProfile UserFlags = 0x00000020
	UserFlagDisabled       UserFlags = 0x00000040
	UserFlagEphemeral      UserFlags = 0x00000100
)

// SystemUserID is the id of the system user, which can never be stopped or removed
const SystemUserID = 0

// UserRecord is a point-in-time snapshot of one device user
type UserRecord struct {
	ID      int       `json:"id"`
	Name    string    `json:"name"`
	Flags   UserFlags `json:"flags"`
	Running bool      `json:"running"`
}

func (u UserRecord) IsPrimary() bool   { return u.Flags&UserFlagPrimary != 0 }
func (u UserRecord) IsAdmin() bool     { return u.Flags&UserFlagAdmin != 0 }
func (u UserRecord) IsGuest() bool     { return u.Flags&UserFlagGuest != 0 }
func (u UserRecord) IsEphemeral() bool { return u.Flags&UserFlagEphemeral != 0 }
func (u UserRecord) IsManaged() bool   { return u.Flags&UserFlagManagedProfile != 0 }

// FlagNames renders the set flags, e.g. "primary,admin"
func (u UserRecord) FlagNames() string {
	names := []struct {
		flag UserFlags
		name string
	}{
		{UserFlagPrimary, "primary"},
		{UserFlagAdmin, "admin"},
		{UserFlagGuest, "guest"},
		{UserFlagRestricted, "restricted"},
		{UserFlagManagedProfile, "managed"},
		{UserFlagDisabled, "disabled"},
		{UserFlagEphemeral, "ephemeral"},
	}
	var out []string
	for _, n := range names {
		if u.Flags&n.flag != 0 {
			out = append(out, n.name)
		}
	}
	return strings.Join(out, ",")
}
