package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/jo-hoe/lesiontriage/internal/backend/auth"
	"github.com/jo-hoe/lesiontriage/internal/backend/database"
	"github.com/jo-hoe/lesiontriage/internal/backend/imageprocessing"
	"github.com/jo-hoe/lesiontriage/internal/backend/locality"
	"github.com/jo-hoe/lesiontriage/internal/common"
	"github.com/jo-hoe/lesiontriage/internal/core"

	"github.com/labstack/echo/v4"
)

const (
	APIPrefix  = "/api/v1"
	claimsKey  = "claims"
	bearerType = "Bearer "

	defaultThumbnailWidth = 256
)

type APIService struct {
	coreService *core.CoreService
	config      *core.ServiceConfig
}

// PatientView is a patient as shown to physicians. The password hash is never exposed.
type PatientView struct {
	ID                       string    `json:"id"`
	Name                     string    `json:"name"`
	BirthDate                string    `json:"birthDate"`
	Address                  string    `json:"address"`
	PostalCode               string    `json:"postalCode"`
	Phone                    string    `json:"phone"`
	InjuryDuration           string    `json:"injuryDuration"`
	HasDiabetes              bool      `json:"hasDiabetes"`
	HasCancerHistory         bool      `json:"hasCancerHistory"`
	AntiInflammatoryFailed   bool      `json:"antiInflammatoryFailed"`
	ClassificationLabel      *string   `json:"classificationLabel,omitempty"`
	ClassificationConfidence *float64  `json:"classificationConfidence,omitempty"`
	RegisteredBy             *string   `json:"registeredBy,omitempty"`
	CreatedAt                time.Time `json:"createdAt"`
	ImageURL                 string    `json:"imageUrl"`
}

type RegistrationResponse struct {
	ID             string                     `json:"id"`
	Classification *core.ClassificationReport `json:"classification,omitempty"`
}

type TokenResponse struct {
	Token string `json:"token"`
}

func NewAPIService(config *core.ServiceConfig, coreService *core.CoreService) *APIService {
	return &APIService{
		coreService: coreService,
		config:      config,
	}
}

func (s *APIService) SetRoutes(e *echo.Echo) {
	if e.Validator == nil {
		e.Validator = &common.GenericEchoValidator{Validator: common.NewValidator()}
	}

	// Set probe route
	e.GET("/probe", func(c echo.Context) error {
		return c.String(http.StatusOK, "API Service is running")
	})
	e.GET("/readyz", s.readyHandler)

	api := e.Group(APIPrefix)
	api.POST("/classify", s.classifyHandler)
	api.POST("/patients", s.registerPatientHandler, s.optionalAuth)
	api.POST("/agents", s.registerAgentHandler)
	api.POST("/physicians", s.registerPhysicianHandler)
	api.POST("/login/:role", s.loginHandler)
	api.GET("/hospitals", s.hospitalsHandler)

	physicianOnly := s.requireRole(database.RolePhysician)
	api.GET("/patients", s.listPatientsHandler, physicianOnly)
	api.GET("/patients/:name", s.getPatientHandler, physicianOnly)
	api.GET("/patients/:name/image", s.getPatientImageHandler, physicianOnly)
	api.GET("/patients/:name/thumbnail", s.getPatientThumbnailHandler, physicianOnly)
	api.POST("/patients/:name/classification", s.reclassifyPatientHandler, physicianOnly)
}

func (s *APIService) readyHandler(ctx echo.Context) error {
	reqCtx, cancel := context.WithTimeout(ctx.Request().Context(), 2*time.Second)
	defer cancel()
	if err := s.coreService.Ready(reqCtx); err != nil {
		slog.Error("readiness check failed", "error", err)
		return ctx.String(http.StatusServiceUnavailable, "not ready")
	}
	return ctx.String(http.StatusOK, "ready")
}

func (s *APIService) classifyHandler(ctx echo.Context) error {
	order, err := imageprocessing.ParseColorOrder(ctx.FormValue("colorOrder"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	data, err := s.readUpload(ctx, "image")
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "missing image")
	}

	report, err := s.coreService.Classify(ctx.Request().Context(), data, order)
	if err != nil {
		return toHTTPError(err)
	}
	return ctx.JSON(http.StatusOK, report)
}

func (s *APIService) registerPatientHandler(ctx echo.Context) error {
	image, err := s.readUpload(ctx, "image")
	if err != nil {
		return err
	}

	form := &core.PatientRegistration{
		Name:                   strings.TrimSpace(ctx.FormValue("name")),
		Password:               ctx.FormValue("password"),
		BirthDate:              strings.TrimSpace(ctx.FormValue("birthDate")),
		Address:                strings.TrimSpace(ctx.FormValue("address")),
		PostalCode:             strings.TrimSpace(ctx.FormValue("postalCode")),
		Phone:                  strings.TrimSpace(ctx.FormValue("phone")),
		InjuryDuration:         strings.TrimSpace(ctx.FormValue("injuryDuration")),
		HasDiabetes:            formBool(ctx, "hasDiabetes"),
		HasCancerHistory:       formBool(ctx, "hasCancerHistory"),
		AntiInflammatoryFailed: formBool(ctx, "antiInflammatoryFailed"),
		Image:                  image,
	}

	var registeredBy *string
	if claims, ok := ctx.Get(claimsKey).(*auth.Claims); ok && claims.Role == database.RoleAgent {
		name := claims.Name
		registeredBy = &name
	}

	id, report, err := s.coreService.RegisterPatient(ctx.Request().Context(), form, registeredBy)
	if err != nil {
		return toHTTPError(err)
	}
	return ctx.JSON(http.StatusCreated, RegistrationResponse{ID: id, Classification: report})
}

func (s *APIService) registerAgentHandler(ctx echo.Context) error {
	form := new(core.AgentRegistration)
	if err := ctx.Bind(form); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed request body")
	}
	if err := ctx.Validate(form); err != nil {
		common.RegistrationsTotal.WithLabelValues(string(database.RoleAgent), "invalid").Inc()
		return err
	}
	id, err := s.coreService.RegisterAgent(ctx.Request().Context(), form)
	if err != nil {
		return toHTTPError(err)
	}
	return ctx.JSON(http.StatusCreated, RegistrationResponse{ID: id})
}

func (s *APIService) registerPhysicianHandler(ctx echo.Context) error {
	form := new(core.PhysicianRegistration)
	if err := ctx.Bind(form); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed request body")
	}
	if err := ctx.Validate(form); err != nil {
		common.RegistrationsTotal.WithLabelValues(string(database.RolePhysician), "invalid").Inc()
		return err
	}
	id, err := s.coreService.RegisterPhysician(ctx.Request().Context(), form)
	if err != nil {
		return toHTTPError(err)
	}
	return ctx.JSON(http.StatusCreated, RegistrationResponse{ID: id})
}

func (s *APIService) loginHandler(ctx echo.Context) error {
	role, err := database.ParseRole(ctx.Param("role"))
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "unknown role")
	}
	request := new(core.LoginRequest)
	if err := ctx.Bind(request); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed request body")
	}
	// incomplete credentials fail like wrong ones
	if err := ctx.Validate(request); err != nil {
		return toHTTPError(auth.ErrInvalidCredentials)
	}

	token, err := s.coreService.Login(ctx.Request().Context(), role, request)
	if err != nil {
		return toHTTPError(err)
	}
	return ctx.JSON(http.StatusOK, TokenResponse{Token: token})
}

func (s *APIService) listPatientsHandler(ctx echo.Context) error {
	patients, err := s.coreService.ListPatients(ctx.Request().Context())
	if err != nil {
		return toHTTPError(err)
	}
	views := make([]PatientView, 0, len(patients))
	for _, p := range patients {
		views = append(views, toPatientView(p))
	}
	return ctx.JSON(http.StatusOK, views)
}

func (s *APIService) getPatientHandler(ctx echo.Context) error {
	patient, err := s.findPatient(ctx)
	if err != nil {
		return err
	}
	return ctx.JSON(http.StatusOK, toPatientView(patient))
}

func (s *APIService) getPatientImageHandler(ctx echo.Context) error {
	patient, err := s.findPatient(ctx)
	if err != nil {
		return err
	}
	ctx.Response().Header().Set("Cache-Control", "no-store")
	return ctx.Blob(http.StatusOK, http.DetectContentType(patient.Image), patient.Image)
}

func (s *APIService) reclassifyPatientHandler(ctx echo.Context) error {
	report, err := s.coreService.ReclassifyPatient(ctx.Request().Context(), ctx.Param("name"))
	if err != nil {
		return toHTTPError(err)
	}
	return ctx.JSON(http.StatusOK, report)
}

func (s *APIService) getPatientThumbnailHandler(ctx echo.Context) error {
	width := defaultThumbnailWidth
	if raw := ctx.QueryParam("width"); raw != "" {
		var err error
		if width, err = strconv.Atoi(raw); err != nil || width <= 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "width must be a positive number of pixels")
		}
	}
	thumbnail, err := s.coreService.PatientThumbnail(ctx.Request().Context(), ctx.Param("name"), width)
	if err != nil {
		return toHTTPError(err)
	}
	ctx.Response().Header().Set("Cache-Control", "no-store")
	return ctx.Blob(http.StatusOK, "image/png", thumbnail)
}

func (s *APIService) findPatient(ctx echo.Context) (*database.PatientRecord, error) {
	name := ctx.Param("name")
	patient, err := s.coreService.FindPatient(ctx.Request().Context(), name)
	if err != nil {
		return nil, toHTTPError(err)
	}
	if patient == nil {
		return nil, echo.NewHTTPError(http.StatusNotFound, "patient not found")
	}
	return patient, nil
}

func (s *APIService) hospitalsHandler(ctx echo.Context) error {
	address := strings.TrimSpace(ctx.QueryParam("address"))
	if address == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "missing address")
	}
	var radius uint64
	if raw := ctx.QueryParam("radius"); raw != "" {
		var err error
		if radius, err = strconv.ParseUint(raw, 10, 32); err != nil || radius == 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "radius must be a positive number of meters")
		}
	}

	search, err := s.coreService.FindHospitals(ctx.Request().Context(), address, uint(radius))
	if err != nil {
		return toHTTPError(err)
	}
	return ctx.JSON(http.StatusOK, search)
}

// optionalAuth attaches claims when a bearer token is present and rejects invalid ones.
func (s *APIService) optionalAuth(next echo.HandlerFunc) echo.HandlerFunc {
	return func(ctx echo.Context) error {
		token, ok := bearerToken(ctx)
		if !ok {
			return next(ctx)
		}
		claims, err := s.coreService.Authenticate(token)
		if err != nil {
			return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
		}
		ctx.Set(claimsKey, claims)
		return next(ctx)
	}
}

func (s *APIService) requireRole(roles ...database.Role) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(ctx echo.Context) error {
			token, ok := bearerToken(ctx)
			if !ok {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing token")
			}
			claims, err := s.coreService.Authenticate(token)
			if err != nil {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
			}
			for _, role := range roles {
				if claims.Role == role {
					ctx.Set(claimsKey, claims)
					return next(ctx)
				}
			}
			return echo.NewHTTPError(http.StatusForbidden, "forbidden")
		}
	}
}

func bearerToken(ctx echo.Context) (string, bool) {
	header := ctx.Request().Header.Get(echo.HeaderAuthorization)
	if !strings.HasPrefix(header, bearerType) {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, bearerType))
	return token, token != ""
}

// readUpload returns the named multipart file, or nil when it was not sent.
func (s *APIService) readUpload(ctx echo.Context, field string) ([]byte, error) {
	file, err := ctx.FormFile(field)
	if errors.Is(err, http.ErrMissingFile) || errors.Is(err, http.ErrNotMultipart) {
		return nil, nil
	}
	if err != nil {
		slog.Error("failed to get uploaded file", "status", http.StatusBadRequest, "error", err)
		return nil, echo.NewHTTPError(http.StatusBadRequest, "failed to get uploaded file")
	}
	return readFileHeader(file, s.config.Upload.MaxBytes)
}

func readFileHeader(file *multipart.FileHeader, maxBytes int64) ([]byte, error) {
	if file.Size > maxBytes {
		return nil, echo.NewHTTPError(http.StatusRequestEntityTooLarge, fmt.Sprintf("image exceeds %d bytes", maxBytes))
	}
	src, err := file.Open()
	if err != nil {
		slog.Error("failed to open uploaded file", "error", err, "filename", file.Filename)
		return nil, echo.NewHTTPError(http.StatusInternalServerError, "failed to open uploaded file")
	}
	defer func() {
		if cerr := src.Close(); cerr != nil {
			slog.Error("failed to close uploaded file reader", "error", cerr, "filename", file.Filename)
		}
	}()

	data, err := io.ReadAll(io.LimitReader(src, maxBytes+1))
	if err != nil {
		slog.Error("failed to read uploaded file", "error", err, "filename", file.Filename)
		return nil, echo.NewHTTPError(http.StatusInternalServerError, "failed to read uploaded file")
	}
	return data, nil
}

func formBool(ctx echo.Context, field string) *bool {
	raw := strings.TrimSpace(ctx.FormValue(field))
	if raw == "" {
		return nil
	}
	switch strings.ToLower(raw) {
	case "on", "yes", "sim":
		v := true
		return &v
	case "no", "nao", "não":
		v := false
		return &v
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return nil
	}
	return &v
}

func toPatientView(p *database.PatientRecord) PatientView {
	return PatientView{
		ID:                       p.ID,
		Name:                     p.Name,
		BirthDate:                p.BirthDate.Format("02/01/2006"),
		Address:                  p.Address,
		PostalCode:               p.PostalCode,
		Phone:                    p.Phone,
		InjuryDuration:           p.InjuryDuration,
		HasDiabetes:              p.HasDiabetes,
		HasCancerHistory:         p.HasCancerHistory,
		AntiInflammatoryFailed:   p.AntiInflammatoryFailed,
		ClassificationLabel:      p.ClassificationLabel,
		ClassificationConfidence: p.ClassificationConfidence,
		RegisteredBy:             p.RegisteredBy,
		CreatedAt:                p.CreatedAt,
		ImageURL:                 APIPrefix + "/patients/" + url.PathEscape(p.Name) + "/image",
	}
}

// toHTTPError maps domain errors to responses. Internal details are logged, not returned.
func toHTTPError(err error) error {
	switch {
	case errors.Is(err, imageprocessing.ErrUnreadableImage):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, "unreadable image")
	case errors.Is(err, core.ErrInvalidInput):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, database.ErrDuplicateName):
		return echo.NewHTTPError(http.StatusConflict, "name already registered")
	case errors.Is(err, auth.ErrInvalidCredentials), errors.Is(err, database.ErrUnknownRole):
		return echo.NewHTTPError(http.StatusUnauthorized, auth.ErrInvalidCredentials.Error())
	case errors.Is(err, database.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "patient not found")
	case errors.Is(err, locality.ErrLocationNotFound):
		return echo.NewHTTPError(http.StatusNotFound, locality.ErrLocationNotFound.Error())
	case errors.Is(err, core.ErrLocalityDisabled):
		return echo.NewHTTPError(http.StatusServiceUnavailable, "hospital search is not configured")
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return echo.NewHTTPError(http.StatusServiceUnavailable, "request cancelled")
	default:
		slog.Error("request failed", "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "internal error")
	}
}
