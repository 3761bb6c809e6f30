package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/jo-hoe/lesiontriage/internal/backend/imageprocessing"
	"github.com/jo-hoe/lesiontriage/internal/backend/locality"
	"github.com/jo-hoe/lesiontriage/internal/core"
	"github.com/labstack/echo/v4"
)

type fixedModel struct {
	logits []float32
}

func (m *fixedModel) Forward(_ context.Context, _ *imageprocessing.Tensor) ([]float32, error) {
	return append([]float32(nil), m.logits...), nil
}

func (m *fixedModel) Close() error { return nil }

type staticProvider struct{}

func (staticProvider) Geocode(_ context.Context, address string) (locality.LatLng, bool, error) {
	return locality.LatLng{Lat: 1, Lng: 2}, address != "nowhere", nil
}

func (staticProvider) SearchHospitals(_ context.Context, _ locality.LatLng, _ uint, _ string) ([]locality.Hospital, error) {
	return []locality.Hospital{{Name: "Hospital Geral", Rating: 4.2}}, nil
}

func newTestServer(t *testing.T, logits []float32) *echo.Echo {
	t.Helper()
	config := &core.ServiceConfig{
		Database: core.Database{Type: "sqlite", ConnectionString: ":memory:"},
		Model:    core.DefaultModelConfig(),
		Auth:     core.AuthConfig{JWTSecret: "test-secret-0123456789", Issuer: "test", TokenTTL: time.Hour, BcryptCost: 4},
		Locality: core.LocalityConfig{MaxResults: 10, DefaultRadius: 5000},
		Upload:   core.UploadConfig{MaxBytes: 1 << 20, SvgFallbackWidth: 64, SvgFallbackHeight: 64},
	}
	config.Model.InputResolution = 8

	coreService, err := core.NewCoreService(config,
		core.WithModel(&fixedModel{logits: logits}),
		core.WithLocalityProvider(staticProvider{}))
	if err != nil {
		t.Fatalf("NewCoreService error: %v", err)
	}
	t.Cleanup(func() { _ = coreService.Close() })

	e := echo.New()
	NewAPIService(config, coreService).SetRoutes(e)
	return e
}

func testPNG(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 10, 10))
	for i := 0; i < 10; i++ {
		img.Set(i, i, color.RGBA{R: 200, G: 40, B: 40, A: 255})
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("failed to encode png: %v", err)
	}
	return buf.Bytes()
}

func multipartRequest(t *testing.T, target string, fields map[string]string, imageData []byte) *http.Request {
	t.Helper()
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	for k, v := range fields {
		if err := writer.WriteField(k, v); err != nil {
			t.Fatalf("WriteField error: %v", err)
		}
	}
	if imageData != nil {
		part, err := writer.CreateFormFile("image", "lesion.png")
		if err != nil {
			t.Fatalf("CreateFormFile error: %v", err)
		}
		_, _ = part.Write(imageData)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("multipart close error: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, target, &body)
	req.Header.Set(echo.HeaderContentType, writer.FormDataContentType())
	return req
}

func jsonRequest(t *testing.T, method, target string, payload any) *http.Request {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("json marshal error: %v", err)
	}
	req := httptest.NewRequest(method, target, bytes.NewReader(data))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	return req
}

func serve(e *echo.Echo, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func patientFields(name string) map[string]string {
	return map[string]string{
		"name":                   name,
		"password":               "patient-pass",
		"birthDate":              "01/02/1970",
		"address":                "Rua B 20",
		"postalCode":             "40100-000",
		"phone":                  "71 98888-0000",
		"injuryDuration":         "6 weeks",
		"hasDiabetes":            "true",
		"hasCancerHistory":       "false",
		"antiInflammatoryFailed": "on",
	}
}

func loginToken(t *testing.T, e *echo.Echo, role, name, password string) string {
	t.Helper()
	rec := serve(e, jsonRequest(t, http.MethodPost, APIPrefix+"/login/"+role, map[string]string{"name": name, "password": password}))
	if rec.Code != http.StatusOK {
		t.Fatalf("login failed: %d %s", rec.Code, rec.Body.String())
	}
	var response TokenResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &response); err != nil {
		t.Fatalf("failed to decode token: %v", err)
	}
	return response.Token
}

func TestAPI_Probe(t *testing.T) {
	e := newTestServer(t, []float32{0, 0, 5, 0, 0, 0})

	for _, path := range []string{"/probe", "/readyz"} {
		rec := serve(e, httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != http.StatusOK {
			t.Errorf("%s: expected 200, got %d", path, rec.Code)
		}
	}
}

func TestAPI_Classify(t *testing.T) {
	e := newTestServer(t, []float32{0, 0, 5, 0, 0, 0})

	rec := serve(e, multipartRequest(t, APIPrefix+"/classify", nil, testPNG(t)))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var report core.ClassificationReport
	if err := json.Unmarshal(rec.Body.Bytes(), &report); err != nil {
		t.Fatalf("failed to decode report: %v", err)
	}
	if !report.Confident || report.Label != "leishmaniasis" || len(report.Probabilities) != 6 {
		t.Fatalf("unexpected report %+v", report)
	}
}

func TestAPI_Classify_LowConfidence(t *testing.T) {
	e := newTestServer(t, []float32{0, 0, 0, 0, 0, 0})

	rec := serve(e, multipartRequest(t, APIPrefix+"/classify", nil, testPNG(t)))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := rec.Body.String()
	for _, label := range core.DefaultModelConfig().ClassLabels {
		if strings.Contains(body, label) {
			t.Errorf("response reveals class %s: %s", label, body)
		}
	}
}

func TestAPI_Classify_BadInput(t *testing.T) {
	e := newTestServer(t, []float32{0, 0, 5, 0, 0, 0})

	tests := []struct {
		name string
		req  *http.Request
		want int
	}{
		{name: "no image", req: multipartRequest(t, APIPrefix+"/classify", nil, nil), want: http.StatusBadRequest},
		{name: "garbage", req: multipartRequest(t, APIPrefix+"/classify", nil, []byte("garbage")), want: http.StatusUnprocessableEntity},
		{name: "oversized svg", req: multipartRequest(t, APIPrefix+"/classify", nil, []byte(`<svg xmlns="http://www.w3.org/2000/svg" width="20000" height="20000"></svg>`)), want: http.StatusUnprocessableEntity},
		{name: "bad color order", req: multipartRequest(t, APIPrefix+"/classify", map[string]string{"colorOrder": "cmyk"}, testPNG(t)), want: http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if rec := serve(e, tt.req); rec.Code != tt.want {
				t.Fatalf("expected %d, got %d: %s", tt.want, rec.Code, rec.Body.String())
			}
		})
	}
}

func TestAPI_RegisterPatient_MissingImage(t *testing.T) {
	e := newTestServer(t, []float32{0, 0, 5, 0, 0, 0})

	rec := serve(e, multipartRequest(t, APIPrefix+"/patients", patientFields("maria"), nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body.String())
	}

	serve(e, jsonRequest(t, http.MethodPost, APIPrefix+"/physicians", map[string]string{"name": "dr", "password": "physician-pass", "hospital": "H"}))
	token := loginToken(t, e, "physician", "dr", "physician-pass")
	req := httptest.NewRequest(http.MethodGet, APIPrefix+"/patients/maria", nil)
	req.Header.Set(echo.HeaderAuthorization, "Bearer "+token)
	if rec := serve(e, req); rec.Code != http.StatusNotFound {
		t.Fatalf("expected no patient stored, got %d", rec.Code)
	}
}

func TestAPI_PhysicianReviewFlow(t *testing.T) {
	e := newTestServer(t, []float32{0, 0, 5, 0, 0, 0})

	rec := serve(e, jsonRequest(t, http.MethodPost, APIPrefix+"/agents", map[string]any{
		"name": "ana", "password": "agent-pass", "area": "norte", "microArea": 2,
	}))
	if rec.Code != http.StatusCreated {
		t.Fatalf("agent registration failed: %d %s", rec.Code, rec.Body.String())
	}
	agentToken := loginToken(t, e, "agent", "ana", "agent-pass")

	req := multipartRequest(t, APIPrefix+"/patients", patientFields("maria"), testPNG(t))
	req.Header.Set(echo.HeaderAuthorization, "Bearer "+agentToken)
	if rec := serve(e, req); rec.Code != http.StatusCreated {
		t.Fatalf("patient registration failed: %d %s", rec.Code, rec.Body.String())
	}

	rec = serve(e, jsonRequest(t, http.MethodPost, APIPrefix+"/physicians", map[string]string{
		"name": "dr-silva", "password": "physician-pass", "hospital": "HUPES",
	}))
	if rec.Code != http.StatusCreated {
		t.Fatalf("physician registration failed: %d %s", rec.Code, rec.Body.String())
	}
	physicianToken := loginToken(t, e, "physician", "dr-silva", "physician-pass")

	req = httptest.NewRequest(http.MethodGet, APIPrefix+"/patients/maria", nil)
	req.Header.Set(echo.HeaderAuthorization, "Bearer "+physicianToken)
	rec = serve(e, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var view PatientView
	if err := json.Unmarshal(rec.Body.Bytes(), &view); err != nil {
		t.Fatalf("failed to decode patient: %v", err)
	}
	if view.RegisteredBy == nil || *view.RegisteredBy != "ana" {
		t.Errorf("expected registering agent ana, got %v", view.RegisteredBy)
	}
	if view.ClassificationLabel == nil || *view.ClassificationLabel != "leishmaniasis" {
		t.Errorf("expected stored label, got %v", view.ClassificationLabel)
	}
	if strings.Contains(rec.Body.String(), "patient-pass") || strings.Contains(rec.Body.String(), "$2a$") {
		t.Error("response leaks password material")
	}

	req = httptest.NewRequest(http.MethodGet, view.ImageURL, nil)
	req.Header.Set(echo.HeaderAuthorization, "Bearer "+physicianToken)
	rec = serve(e, req)
	if rec.Code != http.StatusOK || rec.Header().Get(echo.HeaderContentType) != "image/png" {
		t.Fatalf("expected png image, got %d %s", rec.Code, rec.Header().Get(echo.HeaderContentType))
	}

	req = httptest.NewRequest(http.MethodGet, APIPrefix+"/patients/maria/thumbnail?width=5", nil)
	req.Header.Set(echo.HeaderAuthorization, "Bearer "+physicianToken)
	rec = serve(e, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected thumbnail, got %d: %s", rec.Code, rec.Body.String())
	}
	thumbnail, err := png.Decode(bytes.NewReader(rec.Body.Bytes()))
	if err != nil {
		t.Fatalf("failed to decode thumbnail: %v", err)
	}
	if thumbnail.Bounds().Dx() != 5 {
		t.Errorf("expected thumbnail width 5, got %d", thumbnail.Bounds().Dx())
	}

	req = httptest.NewRequest(http.MethodGet, APIPrefix+"/patients/nobody/thumbnail", nil)
	req.Header.Set(echo.HeaderAuthorization, "Bearer "+physicianToken)
	if rec := serve(e, req); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown patient thumbnail, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodPost, APIPrefix+"/patients/maria/classification", nil)
	req.Header.Set(echo.HeaderAuthorization, "Bearer "+physicianToken)
	rec = serve(e, req)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"label":"leishmaniasis"`) {
		t.Fatalf("expected reclassification result, got %d: %s", rec.Code, rec.Body.String())
	}

	// agents cannot read patient records
	req = httptest.NewRequest(http.MethodGet, APIPrefix+"/patients", nil)
	req.Header.Set(echo.HeaderAuthorization, "Bearer "+agentToken)
	if rec := serve(e, req); rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for agent, got %d", rec.Code)
	}
}

func TestAPI_Login_GenericFailure(t *testing.T) {
	e := newTestServer(t, []float32{0, 0, 5, 0, 0, 0})
	serve(e, jsonRequest(t, http.MethodPost, APIPrefix+"/physicians", map[string]string{
		"name": "dr-silva", "password": "physician-pass", "hospital": "HUPES",
	}))

	wrongPassword := serve(e, jsonRequest(t, http.MethodPost, APIPrefix+"/login/physician", map[string]string{"name": "dr-silva", "password": "nope-nope"}))
	unknownName := serve(e, jsonRequest(t, http.MethodPost, APIPrefix+"/login/physician", map[string]string{"name": "dr-x", "password": "physician-pass"}))

	if wrongPassword.Code != http.StatusUnauthorized || unknownName.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for both, got %d and %d", wrongPassword.Code, unknownName.Code)
	}
	if wrongPassword.Body.String() != unknownName.Body.String() {
		t.Fatalf("expected identical bodies, got %q and %q", wrongPassword.Body.String(), unknownName.Body.String())
	}
	if !strings.Contains(wrongPassword.Body.String(), "invalid credentials") {
		t.Fatalf("expected generic message, got %s", wrongPassword.Body.String())
	}
}

func TestAPI_PatientsRequireToken(t *testing.T) {
	e := newTestServer(t, []float32{0, 0, 5, 0, 0, 0})

	if rec := serve(e, httptest.NewRequest(http.MethodGet, APIPrefix+"/patients", nil)); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	req := httptest.NewRequest(http.MethodGet, APIPrefix+"/patients", nil)
	req.Header.Set(echo.HeaderAuthorization, "Bearer not-a-token")
	if rec := serve(e, req); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestAPI_Hospitals(t *testing.T) {
	e := newTestServer(t, []float32{0, 0, 5, 0, 0, 0})

	rec := serve(e, httptest.NewRequest(http.MethodGet, APIPrefix+"/hospitals?address=Salvador&radius=3000", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var search core.HospitalSearch
	if err := json.Unmarshal(rec.Body.Bytes(), &search); err != nil {
		t.Fatalf("failed to decode search: %v", err)
	}
	if search.Radius != 3000 || len(search.Hospitals) != 1 {
		t.Fatalf("unexpected search %+v", search)
	}

	if rec := serve(e, httptest.NewRequest(http.MethodGet, APIPrefix+"/hospitals?address=nowhere", nil)); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	if rec := serve(e, httptest.NewRequest(http.MethodGet, APIPrefix+"/hospitals?address=x&radius=-1", nil)); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestAPI_RequestBodiesAreValidated(t *testing.T) {
	e := newTestServer(t, []float32{0, 0, 5, 0, 0, 0})
	if e.Validator == nil {
		t.Fatal("expected SetRoutes to install a validator")
	}

	tests := []struct {
		name    string
		target  string
		payload map[string]any
		want    int
	}{
		{name: "agent micro area zero", target: "/agents", payload: map[string]any{"name": "ana", "password": "agent-pass", "area": "norte", "microArea": 0}, want: http.StatusBadRequest},
		{name: "agent without area", target: "/agents", payload: map[string]any{"name": "ana", "password": "agent-pass", "microArea": 1}, want: http.StatusBadRequest},
		{name: "physician without hospital", target: "/physicians", payload: map[string]any{"name": "dr", "password": "physician-pass"}, want: http.StatusBadRequest},
		{name: "login without password", target: "/login/agent", payload: map[string]any{"name": "ana"}, want: http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := serve(e, jsonRequest(t, http.MethodPost, APIPrefix+tt.target, tt.payload))
			if rec.Code != tt.want {
				t.Fatalf("expected %d, got %d: %s", tt.want, rec.Code, rec.Body.String())
			}
		})
	}

	rec := serve(e, jsonRequest(t, http.MethodPost, APIPrefix+"/agents", map[string]any{"name": "ana", "password": "agent-pass", "area": "norte", "microArea": 0}))
	if !strings.Contains(rec.Body.String(), "received invalid request body") {
		t.Errorf("expected validator message, got %s", rec.Body.String())
	}
}
