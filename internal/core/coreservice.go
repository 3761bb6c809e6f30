package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jo-hoe/lesiontriage/internal/backend/auth"
	"github.com/jo-hoe/lesiontriage/internal/backend/classifier"
	"github.com/jo-hoe/lesiontriage/internal/backend/database"
	"github.com/jo-hoe/lesiontriage/internal/backend/imageprocessing"
	"github.com/jo-hoe/lesiontriage/internal/backend/locality"
	"github.com/jo-hoe/lesiontriage/internal/backend/triage"
	"github.com/jo-hoe/lesiontriage/internal/common"

	"github.com/go-playground/validator"
	"github.com/redis/go-redis/v9"
)

var (
	// ErrInvalidInput wraps every rejected form or upload.
	ErrInvalidInput = errors.New("invalid input")
	// ErrLocalityDisabled is returned when no maps provider is configured.
	ErrLocalityDisabled = errors.New("locality service disabled")
)

// ClassificationReport is the outcome of one classification. Probabilities
// are only filled in when the outcome is confident.
type ClassificationReport struct {
	classifier.Outcome
	ModelVersion  string    `json:"modelVersion"`
	Probabilities []float64 `json:"probabilities,omitempty"`
}

type HospitalSearch struct {
	Location  locality.LatLng     `json:"location"`
	Radius    uint                `json:"radius"`
	Hospitals []locality.Hospital `json:"hospitals"`
}

// CoreService holds the loaded model, configuration and collaborators. It is
// constructed once and shared by all handlers.
type CoreService struct {
	config          *ServiceConfig
	databaseService database.DatabaseService
	decoder         *imageprocessing.Decoder
	preprocessor    *imageprocessing.Preprocessor
	classifier      *classifier.Classifier
	gate            *classifier.Gate
	verifier        *auth.Verifier
	tokens          *auth.TokenIssuer
	locality        *locality.Service
	redisClient     *redis.Client
	validate        *validator.Validate
}

type coreOptions struct {
	model            classifier.Model
	localityProvider locality.Provider
	databaseService  database.DatabaseService
}

type Option func(*coreOptions)

// WithModel uses an already loaded model instead of the configured backend.
func WithModel(model classifier.Model) Option {
	return func(o *coreOptions) {
		o.model = model
	}
}

// WithLocalityProvider replaces the Google Maps provider.
func WithLocalityProvider(provider locality.Provider) Option {
	return func(o *coreOptions) {
		o.localityProvider = provider
	}
}

func WithDatabaseService(databaseService database.DatabaseService) Option {
	return func(o *coreOptions) {
		o.databaseService = databaseService
	}
}

// NewCoreService wires all components. It fails when the model cannot be loaded.
func NewCoreService(config *ServiceConfig, opts ...Option) (*CoreService, error) {
	options := &coreOptions{}
	for _, opt := range opts {
		opt(options)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	modelConfig := config.Model

	preprocessor, err := imageprocessing.NewPreprocessor(imageprocessing.PreprocessParams{
		Resolution: modelConfig.InputResolution,
		Mean:       [3]float32(modelConfig.Mean),
		Std:        [3]float32(modelConfig.Std),
	})
	if err != nil {
		return nil, err
	}

	gate, err := classifier.NewGate(classifier.GateConfig{
		Threshold:            modelConfig.Threshold,
		Labels:               modelConfig.ClassLabels,
		Messages:             modelConfig.Messages,
		NoLesionClass:        modelConfig.NoLesionClass,
		LowConfidenceMessage: modelConfig.LowConfidenceMessage,
		FollowUpMessage:      modelConfig.FollowUpMessage,
		Disclaimer:           modelConfig.Disclaimer,
	})
	if err != nil {
		return nil, err
	}

	model := options.model
	if model == nil {
		model, err = classifier.DefaultRegistry.Create(modelConfig.Backend, classifier.ModelParams{
			Path:              modelConfig.Path,
			InputName:         modelConfig.InputName,
			OutputName:        modelConfig.OutputName,
			SharedLibraryPath: modelConfig.SharedLibraryPath,
			NumClasses:        modelConfig.NumClasses,
			InputResolution:   modelConfig.InputResolution,
		})
		if err != nil {
			return nil, err
		}
	}
	lesionClassifier, err := classifier.NewClassifier(model, modelConfig.ClassLabels)
	if err != nil {
		return nil, err
	}
	slog.Info("model loaded", "version", modelConfig.Version, "backend", modelConfig.Backend,
		"classes", modelConfig.NumClasses, "threshold", modelConfig.Threshold)

	databaseService := options.databaseService
	if databaseService == nil {
		databaseService, err = getDatabaseService(config)
		if err != nil {
			_ = lesionClassifier.Close()
			return nil, err
		}
	}

	service := &CoreService{
		config:          config,
		databaseService: databaseService,
		decoder:         imageprocessing.NewDecoder(config.Upload.SvgFallbackWidth, config.Upload.SvgFallbackHeight, config.Upload.MaxPixels),
		preprocessor:    preprocessor,
		classifier:      lesionClassifier,
		gate:            gate,
		validate:        common.NewValidator(),
	}

	if service.verifier, err = auth.NewVerifier(databaseService, config.Auth.BcryptCost); err != nil {
		_ = service.Close()
		return nil, err
	}
	if config.Auth.JWTSecret != "" {
		if service.tokens, err = auth.NewTokenIssuer(config.Auth.JWTSecret, config.Auth.Issuer, config.Auth.TokenTTL); err != nil {
			_ = service.Close()
			return nil, err
		}
	} else {
		slog.Warn("no jwt secret configured, logins are disabled")
	}

	if err := service.setupLocality(options.localityProvider); err != nil {
		_ = service.Close()
		return nil, err
	}
	return service, nil
}

func (service *CoreService) setupLocality(provider locality.Provider) error {
	cfg := service.config.Locality
	if provider == nil {
		if cfg.MapsAPIKey == "" {
			slog.Warn("no maps api key configured, hospital search is disabled")
			return nil
		}
		mapsProvider, err := locality.NewGoogleMapsProvider(cfg.MapsAPIKey, cfg.MapsBaseURL)
		if err != nil {
			return err
		}
		provider = mapsProvider
	}

	opts := []locality.Option{
		locality.WithKeywords(cfg.Keywords),
		locality.WithMaxResults(cfg.MaxResults),
	}
	if cfg.RedisAddress != "" {
		service.redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddress})
		opts = append(opts, locality.WithCache(locality.NewRedisCache(service.redisClient, cfg.CacheTTL)))
	}
	service.locality = locality.NewService(provider, opts...)
	return nil
}

func getDatabaseService(config *ServiceConfig) (database.DatabaseService, error) {
	databaseService, err := database.NewDatabase(config.Database.Type, config.Database.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	slog.Info("database initialized successfully", "type", config.Database.Type)
	return databaseService, nil
}

// Config returns the configuration the service was built with.
func (service *CoreService) Config() *ServiceConfig {
	return service.config
}

// Classify runs the full triage pipeline on uploaded bytes.
func (service *CoreService) Classify(ctx context.Context, data []byte, order imageprocessing.ColorOrder) (*ClassificationReport, error) {
	session, err := service.runTriage(ctx, data, order)
	if err != nil {
		return nil, err
	}
	return service.report(session), nil
}

func (service *CoreService) runTriage(ctx context.Context, data []byte, order imageprocessing.ColorOrder) (triage.Session, error) {
	if int64(len(data)) > service.config.Upload.MaxBytes {
		return triage.Session{}, fmt.Errorf("%w: image exceeds %d bytes", ErrInvalidInput, service.config.Upload.MaxBytes)
	}
	img, _, err := service.decoder.Decode(data)
	if err != nil {
		return triage.Session{}, fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}

	session, err := triage.NewSession().Capture(img, data, order)
	if err != nil {
		return triage.Session{}, fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}

	start := time.Now()
	session, err = session.Run(ctx, service.preprocessor, service.classifier, service.gate)
	common.InferenceDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		if errors.Is(err, imageprocessing.ErrUnreadableImage) {
			return triage.Session{}, fmt.Errorf("%w: %w", ErrInvalidInput, err)
		}
		return triage.Session{}, err
	}

	outcome, _ := session.Outcome()
	if outcome.Confident {
		common.ClassificationsTotal.WithLabelValues(common.OutcomeConfident, outcome.Label).Inc()
	} else {
		common.ClassificationsTotal.WithLabelValues(common.OutcomeLowConfidence, "").Inc()
	}
	return session, nil
}

func (service *CoreService) report(session triage.Session) *ClassificationReport {
	outcome, _ := session.Outcome()
	report := &ClassificationReport{
		Outcome:      outcome,
		ModelVersion: service.config.Model.Version,
	}
	if outcome.Confident {
		report.Probabilities = session.Result().Probabilities
	}
	return report
}

// RegisterPatient validates the form, classifies the lesion and stores the
// patient in one transaction. registeredBy is the name of the registering agent.
func (service *CoreService) RegisterPatient(ctx context.Context, form *PatientRegistration, registeredBy *string) (string, *ClassificationReport, error) {
	if err := service.validateForm(form); err != nil {
		service.countRegistration(database.RolePatient, err)
		return "", nil, err
	}
	birthDate, err := common.ParseBirthDate(form.BirthDate)
	if err != nil {
		return "", nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	session, err := service.runTriage(ctx, form.Image, imageprocessing.ColorOrderRGB)
	if err != nil {
		service.countRegistration(database.RolePatient, err)
		return "", nil, err
	}
	report := service.report(session)

	hash, err := auth.HashPassword(form.Password, service.config.Auth.BcryptCost)
	if err != nil {
		return "", nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	patient := &database.PatientRecord{
		Name:                   form.Name,
		PasswordHash:           hash,
		BirthDate:              birthDate,
		Address:                form.Address,
		PostalCode:             form.PostalCode,
		Phone:                  form.Phone,
		InjuryDuration:         form.InjuryDuration,
		HasDiabetes:            *form.HasDiabetes,
		HasCancerHistory:       *form.HasCancerHistory,
		AntiInflammatoryFailed: *form.AntiInflammatoryFailed,
		Image:                  form.Image,
		RegisteredBy:           registeredBy,
	}
	if report.Confident {
		label, probability := report.Label, report.Probability
		patient.ClassificationLabel = &label
		patient.ClassificationConfidence = &probability
	}

	id, err := service.databaseService.SavePatient(ctx, patient)
	service.countRegistration(database.RolePatient, err)
	if err != nil {
		return "", nil, err
	}
	slog.Info("patient registered", "id", id, "confident", report.Confident)
	return id, report, nil
}

func (service *CoreService) RegisterAgent(ctx context.Context, form *AgentRegistration) (string, error) {
	if err := service.validateForm(form); err != nil {
		service.countRegistration(database.RoleAgent, err)
		return "", err
	}
	hash, err := auth.HashPassword(form.Password, service.config.Auth.BcryptCost)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	id, err := service.databaseService.SaveAgent(ctx, &database.AgentRecord{
		Name:         form.Name,
		PasswordHash: hash,
		Address:      form.Address,
		PostalCode:   form.PostalCode,
		Area:         form.Area,
		MicroArea:    form.MicroArea,
	})
	service.countRegistration(database.RoleAgent, err)
	return id, err
}

func (service *CoreService) RegisterPhysician(ctx context.Context, form *PhysicianRegistration) (string, error) {
	if err := service.validateForm(form); err != nil {
		service.countRegistration(database.RolePhysician, err)
		return "", err
	}
	hash, err := auth.HashPassword(form.Password, service.config.Auth.BcryptCost)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	id, err := service.databaseService.SavePhysician(ctx, &database.PhysicianRecord{
		Name:         form.Name,
		PasswordHash: hash,
		Hospital:     form.Hospital,
	})
	service.countRegistration(database.RolePhysician, err)
	return id, err
}

// Login verifies a credential and issues a session token.
func (service *CoreService) Login(ctx context.Context, role database.Role, request *LoginRequest) (string, error) {
	if service.tokens == nil {
		return "", auth.ErrInvalidCredentials
	}
	if err := service.validateForm(request); err != nil {
		return "", auth.ErrInvalidCredentials
	}

	credential, err := service.verifier.Verify(ctx, role, request.Name, request.Password)
	if err != nil {
		common.LoginsTotal.WithLabelValues(string(role), "rejected").Inc()
		return "", err
	}
	common.LoginsTotal.WithLabelValues(string(role), "accepted").Inc()
	return service.tokens.Issue(credential)
}

// Authenticate parses a session token.
func (service *CoreService) Authenticate(token string) (*auth.Claims, error) {
	if service.tokens == nil {
		return nil, auth.ErrInvalidToken
	}
	return service.tokens.Parse(token)
}

func (service *CoreService) FindPatient(ctx context.Context, name string) (*database.PatientRecord, error) {
	return service.databaseService.FindPatient(ctx, name)
}

func (service *CoreService) ListPatients(ctx context.Context) ([]*database.PatientRecord, error) {
	return service.databaseService.ListPatients(ctx)
}

// ReclassifyPatient runs the loaded model on the stored lesion image. A
// confident outcome replaces the stored label; a low confidence outcome leaves
// the record untouched.
func (service *CoreService) ReclassifyPatient(ctx context.Context, name string) (*ClassificationReport, error) {
	patient, err := service.databaseService.FindPatient(ctx, name)
	if err != nil {
		return nil, err
	}
	if patient == nil {
		return nil, database.ErrNotFound
	}

	session, err := service.runTriage(ctx, patient.Image, imageprocessing.ColorOrderRGB)
	if err != nil {
		return nil, err
	}
	report := service.report(session)
	if !report.Confident {
		slog.Info("reclassification not confident, keeping stored label", "id", patient.ID)
		return report, nil
	}
	if err := service.databaseService.SetPatientClassification(ctx, patient.ID, report.Label, report.Probability); err != nil {
		return nil, err
	}
	slog.Info("patient reclassified", "id", patient.ID, "model", service.config.Model.Version)
	return report, nil
}

// PatientThumbnail renders the stored lesion photo as a PNG no wider than width.
// It returns database.ErrNotFound when the patient does not exist.
func (service *CoreService) PatientThumbnail(ctx context.Context, name string, width int) ([]byte, error) {
	params, err := imageprocessing.NewThumbnailParams(width, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	patient, err := service.databaseService.FindPatient(ctx, name)
	if err != nil {
		return nil, err
	}
	if patient == nil {
		return nil, database.ErrNotFound
	}
	img, _, err := service.decoder.Decode(patient.Image)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}
	return imageprocessing.Thumbnail(img, params)
}

// FindHospitals geocodes an address and lists specialized hospitals around it.
// A zero radius uses the configured default.
func (service *CoreService) FindHospitals(ctx context.Context, address string, radius uint) (*HospitalSearch, error) {
	if service.locality == nil {
		return nil, ErrLocalityDisabled
	}
	if radius == 0 {
		radius = service.config.Locality.DefaultRadius
	}

	location, err := service.locality.Geocode(ctx, address)
	if err != nil {
		return nil, err
	}
	hospitals, err := service.locality.NearbyHospitals(ctx, location, radius)
	if err != nil {
		return nil, err
	}
	return &HospitalSearch{Location: location, Radius: radius, Hospitals: hospitals}, nil
}

// Ready reports whether the record store is reachable.
func (service *CoreService) Ready(ctx context.Context) error {
	return service.databaseService.Ping(ctx)
}

func (service *CoreService) Close() error {
	var errs []error
	if service.classifier != nil {
		errs = append(errs, service.classifier.Close())
	}
	if service.redisClient != nil {
		errs = append(errs, service.redisClient.Close())
	}
	if service.databaseService != nil {
		errs = append(errs, service.databaseService.Close())
	}
	return errors.Join(errs...)
}

func (service *CoreService) validateForm(form any) error {
	if err := service.validate.Struct(form); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return nil
}

func (service *CoreService) countRegistration(role database.Role, err error) {
	result := "created"
	switch {
	case err == nil:
	case errors.Is(err, database.ErrDuplicateName):
		result = "duplicate"
	case errors.Is(err, ErrInvalidInput):
		result = "invalid"
	default:
		result = "error"
	}
	common.RegistrationsTotal.WithLabelValues(string(role), result).Inc()
}
