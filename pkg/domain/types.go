package domain

import (
	"bytes"
	"encoding/json"
	"strings"
)

// Role is the coarse authorization marker mirrored into the userRole cookie.
type Role string

const (
	RoleAdmin  Role = "ADMIN"
	RoleClient Role = "CLIENT"
)

// ParseRole normalizes an upstream role. Anything that is not ADMIN,
// including an empty value, is treated as CLIENT.
func ParseRole(raw string) Role {
	if strings.EqualFold(strings.TrimSpace(raw), string(RoleAdmin)) {
		return RoleAdmin
	}
	return RoleClient
}

// TokenPair is the opaque credential pair minted by the upstream login and refresh endpoints.
type TokenPair struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

// ID accepts both string and numeric identifiers from upstream.
type ID string

func (id *ID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*id = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*id = ID(n.String())
	return nil
}

// Profile is the upstream user object. Only Role drives gateway decisions;
// the raw document is kept so callers receive every field upstream sent.
type Profile struct {
	ID        ID     `json:"id"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	Email     string `json:"email"`
	Role      string `json:"role"`

	raw json.RawMessage
}

func (p *Profile) UnmarshalJSON(data []byte) error {
	type plain Profile
	var v plain
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*p = Profile(v)
	p.raw = append(json.RawMessage(nil), data...)
	return nil
}

func (p Profile) MarshalJSON() ([]byte, error) {
	if len(p.raw) > 0 {
		return p.raw, nil
	}
	type plain Profile
	return json.Marshal(plain(p))
}

// EffectiveRole is the role written to the userRole cookie.
func (p Profile) EffectiveRole() Role {
	return ParseRole(p.Role)
}
