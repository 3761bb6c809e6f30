package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS patients (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL UNIQUE,
		password_hash TEXT NOT NULL,
		birth_date TEXT NOT NULL,
		address TEXT NOT NULL,
		postal_code TEXT NOT NULL,
		phone TEXT NOT NULL,
		injury_duration TEXT NOT NULL,
		has_diabetes INTEGER NOT NULL,
		has_cancer_history INTEGER NOT NULL,
		anti_inflammatory_failed INTEGER NOT NULL,
		image BLOB NOT NULL,
		classification_label TEXT,
		classification_confidence REAL,
		registered_by TEXT,
		created_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS agents (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL UNIQUE,
		password_hash TEXT NOT NULL,
		address TEXT NOT NULL,
		postal_code TEXT NOT NULL,
		area TEXT NOT NULL,
		micro_area INTEGER NOT NULL CHECK (micro_area >= 1),
		created_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS physicians (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL UNIQUE,
		password_hash TEXT NOT NULL,
		hospital TEXT NOT NULL,
		created_at TEXT NOT NULL
	)`,
}

type SQLiteDatabase struct {
	db               *sql.DB
	connectionString string
	now              func() time.Time
}

func NewSQLiteDatabase(connectionString string) (DatabaseService, error) {
	db, err := sql.Open("sqlite", connectionString)
	if err != nil {
		return nil, err
	}
	// every connection to :memory: opens its own empty database
	if strings.Contains(connectionString, ":memory:") {
		db.SetMaxOpenConns(1)
	}

	return &SQLiteDatabase{
		db:               db,
		connectionString: connectionString,
		now:              time.Now,
	}, nil
}

func (s *SQLiteDatabase) CreateDatabase() error {
	for _, statement := range sqliteSchema {
		if _, err := s.db.Exec(statement); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteDatabase) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteDatabase) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// withTx runs fn in a transaction, committing on success and rolling back otherwise.
func (s *SQLiteDatabase) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *SQLiteDatabase) SavePatient(ctx context.Context, patient *PatientRecord) (string, error) {
	id, err := generateID()
	if err != nil {
		return "", err
	}
	createdAt := s.now().UTC()

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO patients (
			id, name, password_hash, birth_date, address, postal_code, phone, injury_duration,
			has_diabetes, has_cancer_history, anti_inflammatory_failed, image,
			classification_label, classification_confidence, registered_by, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			id, patient.Name, patient.PasswordHash, patient.BirthDate.Format(birthDateLayout),
			patient.Address, patient.PostalCode, patient.Phone, patient.InjuryDuration,
			patient.HasDiabetes, patient.HasCancerHistory, patient.AntiInflammatoryFailed, patient.Image,
			patient.ClassificationLabel, patient.ClassificationConfidence, patient.RegisteredBy,
			createdAt.Format(timestampLayout))
		return mapSQLiteError(err)
	})
	if err != nil {
		return "", err
	}

	patient.ID = id
	patient.CreatedAt = createdAt
	return id, nil
}

const patientColumns = `id, name, password_hash, birth_date, address, postal_code, phone, injury_duration,
	has_diabetes, has_cancer_history, anti_inflammatory_failed, classification_label,
	classification_confidence, registered_by, created_at`

func (s *SQLiteDatabase) FindPatient(ctx context.Context, name string) (*PatientRecord, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+patientColumns+", image FROM patients WHERE name = ?", name)

	var image []byte
	patient, err := scanPatient(row, &image)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	patient.Image = image
	return patient, nil
}

func (s *SQLiteDatabase) ListPatients(ctx context.Context) ([]*PatientRecord, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+patientColumns+" FROM patients ORDER BY created_at DESC, name")
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = rows.Close() // Explicitly ignore error as we're already returning an error from the function
	}()

	var patients []*PatientRecord
	for rows.Next() {
		patient, err := scanPatient(rows)
		if err != nil {
			return nil, err
		}
		patients = append(patients, patient)
	}
	return patients, rows.Err()
}

func (s *SQLiteDatabase) SetPatientClassification(ctx context.Context, id, label string, probability float64) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx,
			"UPDATE patients SET classification_label = ?, classification_confidence = ? WHERE id = ?",
			label, probability, id)
		if err != nil {
			return err
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			return fmt.Errorf("%w: patient %s", ErrNotFound, id)
		}
		return nil
	})
}

func (s *SQLiteDatabase) SaveAgent(ctx context.Context, agent *AgentRecord) (string, error) {
	id, err := generateID()
	if err != nil {
		return "", err
	}
	createdAt := s.now().UTC()

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			"INSERT INTO agents (id, name, password_hash, address, postal_code, area, micro_area, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)",
			id, agent.Name, agent.PasswordHash, agent.Address, agent.PostalCode, agent.Area, agent.MicroArea,
			createdAt.Format(timestampLayout))
		return mapSQLiteError(err)
	})
	if err != nil {
		return "", err
	}

	agent.ID = id
	agent.CreatedAt = createdAt
	return id, nil
}

func (s *SQLiteDatabase) SavePhysician(ctx context.Context, physician *PhysicianRecord) (string, error) {
	id, err := generateID()
	if err != nil {
		return "", err
	}
	createdAt := s.now().UTC()

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			"INSERT INTO physicians (id, name, password_hash, hospital, created_at) VALUES (?, ?, ?, ?, ?)",
			id, physician.Name, physician.PasswordHash, physician.Hospital, createdAt.Format(timestampLayout))
		return mapSQLiteError(err)
	})
	if err != nil {
		return "", err
	}

	physician.ID = id
	physician.CreatedAt = createdAt
	return id, nil
}

func (s *SQLiteDatabase) FindCredential(ctx context.Context, role Role, name string) (*Credential, error) {
	table, err := credentialTable(role)
	if err != nil {
		return nil, err
	}

	credential := Credential{Role: role}
	row := s.db.QueryRowContext(ctx, "SELECT id, name, password_hash FROM "+table+" WHERE name = ?", name)
	err = row.Scan(&credential.ID, &credential.Name, &credential.PasswordHash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &credential, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

// scanPatient reads patientColumns followed by any extra destinations.
func scanPatient(row rowScanner, extra ...any) (*PatientRecord, error) {
	var (
		patient    PatientRecord
		birthDate  string
		createdAt  string
		label      sql.NullString
		confidence sql.NullFloat64
		registrar  sql.NullString
	)
	dest := []any{
		&patient.ID, &patient.Name, &patient.PasswordHash, &birthDate, &patient.Address,
		&patient.PostalCode, &patient.Phone, &patient.InjuryDuration, &patient.HasDiabetes,
		&patient.HasCancerHistory, &patient.AntiInflammatoryFailed, &label, &confidence,
		&registrar, &createdAt,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}

	var err error
	if patient.BirthDate, err = time.Parse(birthDateLayout, birthDate); err != nil {
		return nil, fmt.Errorf("invalid birth date stored for patient %s: %w", patient.ID, err)
	}
	if patient.CreatedAt, err = time.Parse(timestampLayout, createdAt); err != nil {
		return nil, fmt.Errorf("invalid creation time stored for patient %s: %w", patient.ID, err)
	}
	if label.Valid {
		patient.ClassificationLabel = &label.String
	}
	if confidence.Valid {
		patient.ClassificationConfidence = &confidence.Float64
	}
	if registrar.Valid {
		patient.RegisteredBy = &registrar.String
	}
	return &patient, nil
}

func credentialTable(role Role) (string, error) {
	switch role {
	case RolePatient:
		return "patients", nil
	case RoleAgent:
		return "agents", nil
	case RolePhysician:
		return "physicians", nil
	default:
		return "", fmt.Errorf("%w: %s", ErrUnknownRole, role)
	}
}

func mapSQLiteError(err error) error {
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) && sqliteErr.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE {
		return fmt.Errorf("%w: %v", ErrDuplicateName, err)
	}
	return err
}
