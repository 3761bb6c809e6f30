package core

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"testing"

	"github.com/jo-hoe/lesiontriage/internal/backend/auth"
	"github.com/jo-hoe/lesiontriage/internal/backend/classifier"
	"github.com/jo-hoe/lesiontriage/internal/backend/database"
	"github.com/jo-hoe/lesiontriage/internal/backend/imageprocessing"
	"github.com/jo-hoe/lesiontriage/internal/backend/locality"
)

// fixedModel returns the same logits for every input.
type fixedModel struct {
	logits []float32
}

func (m *fixedModel) Forward(_ context.Context, _ *imageprocessing.Tensor) ([]float32, error) {
	return append([]float32(nil), m.logits...), nil
}

func (m *fixedModel) Close() error { return nil }

type staticProvider struct{}

func (staticProvider) Geocode(_ context.Context, address string) (locality.LatLng, bool, error) {
	if address == "unknown" {
		return locality.LatLng{}, false, nil
	}
	return locality.LatLng{Lat: -12.97, Lng: -38.5}, true, nil
}

func (staticProvider) SearchHospitals(_ context.Context, _ locality.LatLng, _ uint, keyword string) ([]locality.Hospital, error) {
	return []locality.Hospital{{Name: "Hospital " + keyword, Rating: 4}}, nil
}

// confidentLogits put ~0.98 of the mass on leishmaniasis.
var confidentLogits = []float32{0, 0, 5, 0, 0, 0}

// uncertainLogits spread the mass evenly.
var uncertainLogits = []float32{0, 0, 0, 0, 0, 0}

func newTestConfig() *ServiceConfig {
	config := defaultConfig()
	config.Port = 0
	config.Database = Database{Type: "sqlite", ConnectionString: ":memory:"}
	config.Model.InputResolution = 8
	config.Auth.JWTSecret = "test-secret-0123456789"
	config.Auth.BcryptCost = 4
	return &config
}

func newTestCoreService(t *testing.T, logits []float32) *CoreService {
	t.Helper()
	svc, err := NewCoreService(newTestConfig(),
		WithModel(&fixedModel{logits: logits}),
		WithLocalityProvider(staticProvider{}))
	if err != nil {
		t.Fatalf("NewCoreService error: %v", err)
	}
	t.Cleanup(func() { _ = svc.Close() })
	return svc
}

func encodeTestPNG(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 16, 12))
	for y := 0; y < 12; y++ {
		for x := 0; x < 16; x++ {
			img.Set(x, y, color.RGBA{R: 180, G: uint8(x * 10), B: 90, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("failed to encode png: %v", err)
	}
	return buf.Bytes()
}

func boolPtr(b bool) *bool { return &b }

func newPatientForm(t *testing.T, name string) *PatientRegistration {
	return &PatientRegistration{
		Name:                   name,
		Password:               "s3cret-pass",
		BirthDate:              "14/03/1980",
		Address:                "Rua das Flores 10",
		PostalCode:             "40000-000",
		Phone:                  "+55 71 99999-0000",
		InjuryDuration:         "2 months",
		HasDiabetes:            boolPtr(false),
		HasCancerHistory:       boolPtr(false),
		AntiInflammatoryFailed: boolPtr(true),
		Image:                  encodeTestPNG(t),
	}
}

func TestNewCoreService_ModelUnavailable(t *testing.T) {
	config := newTestConfig()
	config.Model.Path = "/does/not/exist.onnx"

	_, err := NewCoreService(config)
	if !errors.Is(err, classifier.ErrModelUnavailable) {
		t.Fatalf("Expected ErrModelUnavailable, got %v", err)
	}
}

func TestCoreService_Classify_Confident(t *testing.T) {
	svc := newTestCoreService(t, confidentLogits)

	report, err := svc.Classify(context.Background(), encodeTestPNG(t), imageprocessing.ColorOrderRGB)
	if err != nil {
		t.Fatalf("Classify error: %v", err)
	}
	if !report.Confident || report.Label != "leishmaniasis" {
		t.Fatalf("Expected confident leishmaniasis, got %+v", report)
	}
	if report.FollowUp == "" || report.Disclaimer == "" {
		t.Errorf("Expected follow-up and disclaimer, got %+v", report.Outcome)
	}
	if len(report.Probabilities) != 6 {
		t.Errorf("Expected 6 probabilities, got %d", len(report.Probabilities))
	}
	if report.ModelVersion != "alexnet-6" {
		t.Errorf("Expected model version alexnet-6, got %s", report.ModelVersion)
	}
}

func TestCoreService_Classify_LowConfidenceHidesClass(t *testing.T) {
	svc := newTestCoreService(t, uncertainLogits)

	report, err := svc.Classify(context.Background(), encodeTestPNG(t), imageprocessing.ColorOrderRGB)
	if err != nil {
		t.Fatalf("Classify error: %v", err)
	}
	if report.Confident || report.Label != "" || report.Probabilities != nil {
		t.Fatalf("Expected hidden class, got %+v", report)
	}
}

func TestCoreService_Classify_UnreadableImage(t *testing.T) {
	svc := newTestCoreService(t, confidentLogits)

	_, err := svc.Classify(context.Background(), []byte("not an image"), imageprocessing.ColorOrderRGB)
	if !errors.Is(err, ErrInvalidInput) || !errors.Is(err, imageprocessing.ErrUnreadableImage) {
		t.Fatalf("Expected invalid input error, got %v", err)
	}
}

func TestCoreService_RegisterPatient(t *testing.T) {
	svc := newTestCoreService(t, confidentLogits)
	ctx := context.Background()
	agent := "ana"

	id, report, err := svc.RegisterPatient(ctx, newPatientForm(t, "maria"), &agent)
	if err != nil {
		t.Fatalf("RegisterPatient error: %v", err)
	}
	if id == "" || !report.Confident {
		t.Fatalf("unexpected registration result id=%q report=%+v", id, report)
	}

	patient, err := svc.FindPatient(ctx, "maria")
	if err != nil || patient == nil {
		t.Fatalf("FindPatient error: %v", err)
	}
	if patient.PasswordHash == "s3cret-pass" || !auth.CheckPassword("s3cret-pass", patient.PasswordHash) {
		t.Error("Expected a salted hash of the password")
	}
	if patient.ClassificationLabel == nil || *patient.ClassificationLabel != "leishmaniasis" {
		t.Errorf("Expected stored label, got %v", patient.ClassificationLabel)
	}
	if patient.RegisteredBy == nil || *patient.RegisteredBy != agent {
		t.Errorf("Expected registering agent, got %v", patient.RegisteredBy)
	}
	if patient.BirthDate.Format("02/01/2006") != "14/03/1980" {
		t.Errorf("unexpected birth date %v", patient.BirthDate)
	}
}

func TestCoreService_RegisterPatient_LowConfidenceStoresNoLabel(t *testing.T) {
	svc := newTestCoreService(t, uncertainLogits)
	ctx := context.Background()

	if _, _, err := svc.RegisterPatient(ctx, newPatientForm(t, "jose"), nil); err != nil {
		t.Fatalf("RegisterPatient error: %v", err)
	}
	patient, err := svc.FindPatient(ctx, "jose")
	if err != nil || patient == nil {
		t.Fatalf("FindPatient error: %v", err)
	}
	if patient.ClassificationLabel != nil {
		t.Errorf("Expected no label below threshold, got %s", *patient.ClassificationLabel)
	}
}

func TestCoreService_RegisterPatient_MissingImage(t *testing.T) {
	svc := newTestCoreService(t, confidentLogits)
	ctx := context.Background()

	form := newPatientForm(t, "sem-imagem")
	form.Image = nil

	_, _, err := svc.RegisterPatient(ctx, form, nil)
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("Expected ErrInvalidInput, got %v", err)
	}

	patients, err := svc.ListPatients(ctx)
	if err != nil {
		t.Fatalf("ListPatients error: %v", err)
	}
	if len(patients) != 0 {
		t.Fatalf("Expected no row inserted, got %d", len(patients))
	}
}

func TestCoreService_RegisterPatient_InvalidFields(t *testing.T) {
	svc := newTestCoreService(t, confidentLogits)

	tests := []struct {
		name   string
		modify func(f *PatientRegistration)
	}{
		{name: "invalid birth date", modify: func(f *PatientRegistration) { f.BirthDate = "31/02/1990" }},
		{name: "iso birth date", modify: func(f *PatientRegistration) { f.BirthDate = "1990-01-01" }},
		{name: "missing phone", modify: func(f *PatientRegistration) { f.Phone = "" }},
		{name: "missing diabetes answer", modify: func(f *PatientRegistration) { f.HasDiabetes = nil }},
		{name: "unreadable image", modify: func(f *PatientRegistration) { f.Image = []byte("garbage") }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			form := newPatientForm(t, "p-"+tt.name)
			tt.modify(form)
			if _, _, err := svc.RegisterPatient(context.Background(), form, nil); !errors.Is(err, ErrInvalidInput) {
				t.Fatalf("Expected ErrInvalidInput, got %v", err)
			}
		})
	}

	patients, _ := svc.ListPatients(context.Background())
	if len(patients) != 0 {
		t.Fatalf("Expected no row inserted, got %d", len(patients))
	}
}

func TestCoreService_RegisterAgent(t *testing.T) {
	svc := newTestCoreService(t, confidentLogits)
	ctx := context.Background()

	form := &AgentRegistration{Name: "ana", Password: "agent-pass", Area: "norte", MicroArea: 3}
	if _, err := svc.RegisterAgent(ctx, form); err != nil {
		t.Fatalf("RegisterAgent error: %v", err)
	}
	if _, err := svc.RegisterAgent(ctx, form); !errors.Is(err, database.ErrDuplicateName) {
		t.Fatalf("Expected ErrDuplicateName, got %v", err)
	}

	invalid := &AgentRegistration{Name: "bia", Password: "agent-pass", Area: "sul", MicroArea: 0}
	if _, err := svc.RegisterAgent(ctx, invalid); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("Expected ErrInvalidInput for micro area 0, got %v", err)
	}
}

func TestCoreService_Login(t *testing.T) {
	svc := newTestCoreService(t, confidentLogits)
	ctx := context.Background()

	if _, err := svc.RegisterPhysician(ctx, &PhysicianRegistration{Name: "dr-silva", Password: "correct-pass", Hospital: "HUPES"}); err != nil {
		t.Fatalf("RegisterPhysician error: %v", err)
	}

	token, err := svc.Login(ctx, database.RolePhysician, &LoginRequest{Name: "dr-silva", Password: "correct-pass"})
	if err != nil {
		t.Fatalf("Login error: %v", err)
	}
	claims, err := svc.Authenticate(token)
	if err != nil {
		t.Fatalf("Authenticate error: %v", err)
	}
	if claims.Role != database.RolePhysician || claims.Name != "dr-silva" {
		t.Fatalf("unexpected claims %+v", claims)
	}
}

func TestCoreService_Login_WrongPasswordLooksLikeUnknownName(t *testing.T) {
	svc := newTestCoreService(t, confidentLogits)
	ctx := context.Background()

	if _, err := svc.RegisterPhysician(ctx, &PhysicianRegistration{Name: "dr-silva", Password: "correct-pass", Hospital: "HUPES"}); err != nil {
		t.Fatalf("RegisterPhysician error: %v", err)
	}

	_, wrongPassword := svc.Login(ctx, database.RolePhysician, &LoginRequest{Name: "dr-silva", Password: "wrong-pass"})
	_, unknownName := svc.Login(ctx, database.RolePhysician, &LoginRequest{Name: "dr-souza", Password: "correct-pass"})

	if !errors.Is(wrongPassword, auth.ErrInvalidCredentials) || !errors.Is(unknownName, auth.ErrInvalidCredentials) {
		t.Fatalf("Expected ErrInvalidCredentials, got %v and %v", wrongPassword, unknownName)
	}
	if wrongPassword.Error() != unknownName.Error() {
		t.Fatalf("Expected identical errors, got %q and %q", wrongPassword, unknownName)
	}
}

func TestCoreService_FindHospitals(t *testing.T) {
	svc := newTestCoreService(t, confidentLogits)

	search, err := svc.FindHospitals(context.Background(), "Av. Sete de Setembro", 0)
	if err != nil {
		t.Fatalf("FindHospitals error: %v", err)
	}
	if search.Radius != 10000 {
		t.Errorf("Expected default radius, got %d", search.Radius)
	}
	if len(search.Hospitals) != 7 {
		t.Errorf("Expected one hospital per keyword, got %d", len(search.Hospitals))
	}

	if _, err := svc.FindHospitals(context.Background(), "unknown", 1000); !errors.Is(err, locality.ErrLocationNotFound) {
		t.Fatalf("Expected ErrLocationNotFound, got %v", err)
	}
}

func TestCoreService_FindHospitals_Disabled(t *testing.T) {
	svc, err := NewCoreService(newTestConfig(), WithModel(&fixedModel{logits: confidentLogits}))
	if err != nil {
		t.Fatalf("NewCoreService error: %v", err)
	}
	t.Cleanup(func() { _ = svc.Close() })

	if _, err := svc.FindHospitals(context.Background(), "x", 0); !errors.Is(err, ErrLocalityDisabled) {
		t.Fatalf("Expected ErrLocalityDisabled, got %v", err)
	}
}

func TestCoreService_Ready(t *testing.T) {
	svc := newTestCoreService(t, confidentLogits)
	if err := svc.Ready(context.Background()); err != nil {
		t.Fatalf("Ready error: %v", err)
	}
}

func TestCoreService_ReclassifyPatient(t *testing.T) {
	model := &fixedModel{logits: uncertainLogits}
	svc, err := NewCoreService(newTestConfig(), WithModel(model))
	if err != nil {
		t.Fatalf("NewCoreService error: %v", err)
	}
	t.Cleanup(func() { _ = svc.Close() })
	ctx := context.Background()

	if _, _, err := svc.RegisterPatient(ctx, newPatientForm(t, "jose"), nil); err != nil {
		t.Fatalf("RegisterPatient error: %v", err)
	}

	report, err := svc.ReclassifyPatient(ctx, "jose")
	if err != nil {
		t.Fatalf("ReclassifyPatient error: %v", err)
	}
	if report.Confident {
		t.Fatalf("Expected low confidence outcome, got %+v", report)
	}

	model.logits = confidentLogits
	report, err = svc.ReclassifyPatient(ctx, "jose")
	if err != nil {
		t.Fatalf("ReclassifyPatient error: %v", err)
	}
	if !report.Confident || report.Label != "leishmaniasis" {
		t.Fatalf("Expected confident leishmaniasis, got %+v", report)
	}
	patient, err := svc.FindPatient(ctx, "jose")
	if err != nil || patient == nil {
		t.Fatalf("FindPatient error: %v", err)
	}
	if patient.ClassificationLabel == nil || *patient.ClassificationLabel != "leishmaniasis" {
		t.Errorf("Expected stored label after reclassification, got %v", patient.ClassificationLabel)
	}

	if _, err := svc.ReclassifyPatient(ctx, "nobody"); !errors.Is(err, database.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestCoreService_PatientThumbnail(t *testing.T) {
	svc := newTestCoreService(t, confidentLogits)
	ctx := context.Background()

	if _, _, err := svc.RegisterPatient(ctx, newPatientForm(t, "maria"), nil); err != nil {
		t.Fatalf("RegisterPatient error: %v", err)
	}

	data, err := svc.PatientThumbnail(ctx, "maria", 8)
	if err != nil {
		t.Fatalf("PatientThumbnail error: %v", err)
	}
	img, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("failed to decode thumbnail: %v", err)
	}
	if img.Bounds().Dx() != 8 || img.Bounds().Dy() != 6 {
		t.Errorf("Expected 8x6 thumbnail, got %dx%d", img.Bounds().Dx(), img.Bounds().Dy())
	}

	if _, err := svc.PatientThumbnail(ctx, "nobody", 8); !errors.Is(err, database.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
	if _, err := svc.PatientThumbnail(ctx, "maria", -1); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("Expected ErrInvalidInput, got %v", err)
	}
}
