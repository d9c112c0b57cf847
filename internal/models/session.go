package models

import (
	"fmt"
	"strings"
)

type Role string

const (
	RolePatient  Role = "patient"
	RoleDoctor   Role = "doctor"
	RoleAdmin    Role = "admin"
	RolePharmacy Role = "pharmacy"
)

// Capabilities is the fixed set of actions a role may perform, resolved once
// when the session is constructed. Core services branch on these flags, never
// on the raw role string.
type Capabilities struct {
	CanBook          bool
	CanRunConsult    bool
	CanViewAll       bool
	CanManageStock   bool
	SignalingOfferer bool
}

func (r Role) Capabilities() Capabilities {
	switch r {
	case RolePatient:
		return Capabilities{CanBook: true}
	case RoleDoctor:
		return Capabilities{CanRunConsult: true, SignalingOfferer: true}
	case RoleAdmin:
		return Capabilities{CanViewAll: true}
	case RolePharmacy:
		return Capabilities{CanManageStock: true}
	default:
		return Capabilities{}
	}
}

func (r Role) Valid() bool {
	switch r {
	case RolePatient, RoleDoctor, RoleAdmin, RolePharmacy:
		return true
	}
	return false
}

// Session is the explicit login context handed to the reconciler, lifecycle
// controller and call session controller. UserID is the patient's mobile
// number or the doctor's id, depending on the role.
type Session struct {
	Role        Role
	UserID      string
	DisplayName string
	Caps        Capabilities
}

func NewSession(role Role, userID, displayName string) (*Session, error) {
	role = Role(strings.ToLower(string(role)))
	if !role.Valid() {
		return nil, fmt.Errorf("unknown role: %q", role)
	}
	return &Session{
		Role:        role,
		UserID:      strings.TrimSpace(userID),
		DisplayName: strings.TrimSpace(displayName),
		Caps:        role.Capabilities(),
	}, nil
}
