package database

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrDuplicateName is returned when a name is already registered for a role.
	ErrDuplicateName = errors.New("name already registered")
	ErrUnknownRole   = errors.New("unknown role")
	ErrNotFound      = errors.New("record not found")
)

// Role identifies which table a credential lives in.
type Role string

const (
	RolePatient   Role = "patient"
	RoleAgent     Role = "agent"
	RolePhysician Role = "physician"
)

// ParseRole accepts the role names used in URLs.
func ParseRole(value string) (Role, error) {
	switch Role(value) {
	case RolePatient, RoleAgent, RolePhysician:
		return Role(value), nil
	default:
		return "", fmt.Errorf("%w: %s", ErrUnknownRole, value)
	}
}

type PatientRecord struct {
	ID                       string
	Name                     string
	PasswordHash             string
	BirthDate                time.Time
	Address                  string
	PostalCode               string
	Phone                    string
	InjuryDuration           string
	HasDiabetes              bool
	HasCancerHistory         bool
	AntiInflammatoryFailed   bool
	Image                    []byte // raw upload as received
	ClassificationLabel      *string
	ClassificationConfidence *float64
	RegisteredBy             *string
	CreatedAt                time.Time
}

type AgentRecord struct {
	ID           string
	Name         string
	PasswordHash string
	Address      string
	PostalCode   string
	Area         string
	MicroArea    int
	CreatedAt    time.Time
}

type PhysicianRecord struct {
	ID           string
	Name         string
	PasswordHash string
	Hospital     string
	CreatedAt    time.Time
}

// Credential is the part of a user record needed to verify a login.
type Credential struct {
	ID           string
	Role         Role
	Name         string
	PasswordHash string
}

const birthDateLayout = "2006-01-02"

// timestampLayout is fixed width so text comparison orders timestamps chronologically.
const timestampLayout = "2006-01-02T15:04:05.000000000Z07:00"
