package database

import "context"

// DatabaseService is the record store for patients, agents and physicians.
// Every write runs in its own transaction and is rolled back on error.
type DatabaseService interface {
	// CreateDatabase creates all tables if they do not exist yet.
	CreateDatabase() error
	Ping(ctx context.Context) error
	Close() error

	SavePatient(ctx context.Context, patient *PatientRecord) (string, error)
	// FindPatient returns nil and no error when no patient has that name.
	FindPatient(ctx context.Context, name string) (*PatientRecord, error)
	// ListPatients returns all patients without image bytes, newest first.
	ListPatients(ctx context.Context) ([]*PatientRecord, error)
	SetPatientClassification(ctx context.Context, id, label string, probability float64) error

	SaveAgent(ctx context.Context, agent *AgentRecord) (string, error)
	SavePhysician(ctx context.Context, physician *PhysicianRecord) (string, error)

	// FindCredential returns nil and no error when the name is unknown for the role.
	FindCredential(ctx context.Context, role Role, name string) (*Credential, error)
}
