package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const pgUniqueViolation = "23505"

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS patients (
		id UUID PRIMARY KEY,
		name TEXT NOT NULL UNIQUE,
		password_hash TEXT NOT NULL,
		birth_date DATE NOT NULL,
		address TEXT NOT NULL,
		postal_code TEXT NOT NULL,
		phone TEXT NOT NULL,
		injury_duration TEXT NOT NULL,
		has_diabetes BOOLEAN NOT NULL,
		has_cancer_history BOOLEAN NOT NULL,
		anti_inflammatory_failed BOOLEAN NOT NULL,
		image BYTEA NOT NULL,
		classification_label TEXT,
		classification_confidence DOUBLE PRECISION,
		registered_by TEXT,
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS agents (
		id UUID PRIMARY KEY,
		name TEXT NOT NULL UNIQUE,
		password_hash TEXT NOT NULL,
		address TEXT NOT NULL,
		postal_code TEXT NOT NULL,
		area TEXT NOT NULL,
		micro_area INTEGER NOT NULL CHECK (micro_area >= 1),
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS physicians (
		id UUID PRIMARY KEY,
		name TEXT NOT NULL UNIQUE,
		password_hash TEXT NOT NULL,
		hospital TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL
	)`,
}

// PostgresDatabase stores records in PostgreSQL through a pgx connection pool.
type PostgresDatabase struct {
	pool *pgxpool.Pool
}

func NewPostgresDatabase(connectionString string) (DatabaseService, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, connectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to reach postgres: %w", err)
	}
	return &PostgresDatabase{pool: pool}, nil
}

func (p *PostgresDatabase) CreateDatabase() error {
	ctx := context.Background()
	for _, statement := range postgresSchema {
		if _, err := p.pool.Exec(ctx, statement); err != nil {
			return err
		}
	}
	return nil
}

func (p *PostgresDatabase) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func (p *PostgresDatabase) Close() error {
	p.pool.Close()
	return nil
}

func (p *PostgresDatabase) withTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	return tx.Commit(ctx)
}

func (p *PostgresDatabase) SavePatient(ctx context.Context, patient *PatientRecord) (string, error) {
	id, err := generateID()
	if err != nil {
		return "", err
	}
	createdAt := time.Now().UTC()

	err = p.withTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `INSERT INTO patients (
			id, name, password_hash, birth_date, address, postal_code, phone, injury_duration,
			has_diabetes, has_cancer_history, anti_inflammatory_failed, image,
			classification_label, classification_confidence, registered_by, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
			id, patient.Name, patient.PasswordHash, patient.BirthDate,
			patient.Address, patient.PostalCode, patient.Phone, patient.InjuryDuration,
			patient.HasDiabetes, patient.HasCancerHistory, patient.AntiInflammatoryFailed, patient.Image,
			patient.ClassificationLabel, patient.ClassificationConfidence, patient.RegisteredBy, createdAt)
		return mapPostgresError(err)
	})
	if err != nil {
		return "", err
	}

	patient.ID = id
	patient.CreatedAt = createdAt
	return id, nil
}

const pgPatientColumns = `id::text, name, password_hash, birth_date, address, postal_code, phone, injury_duration,
	has_diabetes, has_cancer_history, anti_inflammatory_failed, classification_label,
	classification_confidence, registered_by, created_at`

func (p *PostgresDatabase) FindPatient(ctx context.Context, name string) (*PatientRecord, error) {
	row := p.pool.QueryRow(ctx, "SELECT "+pgPatientColumns+", image FROM patients WHERE name = $1", name)

	var image []byte
	patient, err := scanPgPatient(row, &image)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	patient.Image = image
	return patient, nil
}

func (p *PostgresDatabase) ListPatients(ctx context.Context) ([]*PatientRecord, error) {
	rows, err := p.pool.Query(ctx, "SELECT "+pgPatientColumns+" FROM patients ORDER BY created_at DESC, name")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var patients []*PatientRecord
	for rows.Next() {
		patient, err := scanPgPatient(rows)
		if err != nil {
			return nil, err
		}
		patients = append(patients, patient)
	}
	return patients, rows.Err()
}

func (p *PostgresDatabase) SetPatientClassification(ctx context.Context, id, label string, probability float64) error {
	return p.withTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			"UPDATE patients SET classification_label = $1, classification_confidence = $2 WHERE id = $3",
			label, probability, id)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("%w: patient %s", ErrNotFound, id)
		}
		return nil
	})
}

func (p *PostgresDatabase) SaveAgent(ctx context.Context, agent *AgentRecord) (string, error) {
	id, err := generateID()
	if err != nil {
		return "", err
	}
	createdAt := time.Now().UTC()

	err = p.withTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx,
			"INSERT INTO agents (id, name, password_hash, address, postal_code, area, micro_area, created_at) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)",
			id, agent.Name, agent.PasswordHash, agent.Address, agent.PostalCode, agent.Area, agent.MicroArea, createdAt)
		return mapPostgresError(err)
	})
	if err != nil {
		return "", err
	}

	agent.ID = id
	agent.CreatedAt = createdAt
	return id, nil
}

func (p *PostgresDatabase) SavePhysician(ctx context.Context, physician *PhysicianRecord) (string, error) {
	id, err := generateID()
	if err != nil {
		return "", err
	}
	createdAt := time.Now().UTC()

	err = p.withTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx,
			"INSERT INTO physicians (id, name, password_hash, hospital, created_at) VALUES ($1, $2, $3, $4, $5)",
			id, physician.Name, physician.PasswordHash, physician.Hospital, createdAt)
		return mapPostgresError(err)
	})
	if err != nil {
		return "", err
	}

	physician.ID = id
	physician.CreatedAt = createdAt
	return id, nil
}

func (p *PostgresDatabase) FindCredential(ctx context.Context, role Role, name string) (*Credential, error) {
	table, err := credentialTable(role)
	if err != nil {
		return nil, err
	}

	credential := Credential{Role: role}
	err = p.pool.QueryRow(ctx, "SELECT id::text, name, password_hash FROM "+table+" WHERE name = $1", name).
		Scan(&credential.ID, &credential.Name, &credential.PasswordHash)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &credential, nil
}

func scanPgPatient(row pgx.Row, extra ...any) (*PatientRecord, error) {
	var patient PatientRecord
	dest := []any{
		&patient.ID, &patient.Name, &patient.PasswordHash, &patient.BirthDate, &patient.Address,
		&patient.PostalCode, &patient.Phone, &patient.InjuryDuration, &patient.HasDiabetes,
		&patient.HasCancerHistory, &patient.AntiInflammatoryFailed, &patient.ClassificationLabel,
		&patient.ClassificationConfidence, &patient.RegisteredBy, &patient.CreatedAt,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}
	return &patient, nil
}

func mapPostgresError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		return fmt.Errorf("%w: %s", ErrDuplicateName, pgErr.ConstraintName)
	}
	return err
}
