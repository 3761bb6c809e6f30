package frontend

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sort"

	"github.com/jo-hoe/lesiontriage/internal/backend/imageprocessing"
	"github.com/jo-hoe/lesiontriage/internal/core"
	"github.com/labstack/echo/v4"
)

const (
	MainPageName  = "index.html"
	AboutPageName = "about.html"
	resultName    = "result"
)

type FrontendService struct {
	coreService *core.CoreService
	config      *core.ServiceConfig
}

type indexData struct {
	Result     resultData
	Threshold  float64
	Disclaimer string
	MaxBytes   int64
}

type disease struct {
	Label   string
	Message string
}

type aboutData struct {
	ModelVersion string
	Diseases     []disease
	Disclaimer   string
}

type resultData struct {
	Error  string
	Report *core.ClassificationReport
}

func NewFrontendService(config *core.ServiceConfig, coreService *core.CoreService) *FrontendService {
	return &FrontendService{
		coreService: coreService,
		config:      config,
	}
}

// rootRedirectHandler redirects root path to index.html
func (service *FrontendService) rootRedirectHandler(ctx echo.Context) error {
	return ctx.Redirect(http.StatusMovedPermanently, "/"+MainPageName)
}

func (service *FrontendService) SetRoutes(e *echo.Echo) {
	e.Renderer = newTemplate()

	e.GET("/", service.rootRedirectHandler) // Redirect root to index.html
	e.GET("/"+MainPageName, service.indexHandler)
	e.GET("/"+AboutPageName, service.aboutHandler)
	e.POST("/htmx/classify", service.htmxClassifyHandler)
	e.POST("/htmx/clear", service.htmxClearHandler)

	// Favicon (SVG) route
	e.GET("/icon.svg", service.iconHandler)
}

func (service *FrontendService) indexHandler(ctx echo.Context) error {
	return ctx.Render(http.StatusOK, MainPageName, indexData{
		Threshold:  service.config.Model.Threshold,
		Disclaimer: service.config.Model.Disclaimer,
		MaxBytes:   service.config.Upload.MaxBytes,
	})
}

func (service *FrontendService) aboutHandler(ctx echo.Context) error {
	model := service.config.Model
	diseases := make([]disease, 0, len(model.ClassLabels))
	for _, label := range model.ClassLabels {
		if label == model.NoLesionClass {
			continue
		}
		diseases = append(diseases, disease{Label: label, Message: model.Messages[label]})
	}
	sort.Slice(diseases, func(i, j int) bool { return diseases[i].Label < diseases[j].Label })

	return ctx.Render(http.StatusOK, AboutPageName, aboutData{
		ModelVersion: model.Version,
		Diseases:     diseases,
		Disclaimer:   model.Disclaimer,
	})
}

func (service *FrontendService) htmxClassifyHandler(ctx echo.Context) error {
	order, err := imageprocessing.ParseColorOrder(ctx.FormValue("colorOrder"))
	if err != nil {
		return service.renderResultError(ctx, http.StatusBadRequest, "Unsupported color order")
	}

	// Get uploaded file
	file, err := ctx.FormFile("image")
	if err != nil {
		slog.Warn("htmxClassifyHandler: failed to get uploaded file",
			"status", http.StatusBadRequest, "error", err)
		return service.renderResultError(ctx, http.StatusBadRequest, "Please upload or capture a photo first")
	}
	if file.Size > service.config.Upload.MaxBytes {
		return service.renderResultError(ctx, http.StatusRequestEntityTooLarge, "The photo is too large")
	}

	src, err := file.Open()
	if err != nil {
		slog.Error("htmxClassifyHandler: failed to open uploaded file",
			"status", http.StatusInternalServerError, "error", err, "filename", file.Filename)
		return service.renderResultError(ctx, http.StatusInternalServerError, "Failed to open uploaded file")
	}
	defer func() {
		if cerr := src.Close(); cerr != nil {
			slog.Error("htmxClassifyHandler: failed to close uploaded file reader", "error", cerr, "filename", file.Filename)
		}
	}()

	// Read file content reliably
	data, err := io.ReadAll(io.LimitReader(src, service.config.Upload.MaxBytes+1))
	if err != nil {
		slog.Error("htmxClassifyHandler: failed to read uploaded file",
			"status", http.StatusInternalServerError, "error", err, "filename", file.Filename)
		return service.renderResultError(ctx, http.StatusInternalServerError, "Failed to read uploaded file")
	}

	report, err := service.coreService.Classify(ctx.Request().Context(), data, order)
	if errors.Is(err, core.ErrInvalidInput) {
		slog.Warn("htmxClassifyHandler: rejected upload", "error", err, "filename", file.Filename)
		return service.renderResultError(ctx, http.StatusUnprocessableEntity, "The file could not be read as an image")
	}
	if err != nil {
		slog.Error("htmxClassifyHandler: classification failed",
			"status", http.StatusInternalServerError, "error", err)
		return service.renderResultError(ctx, http.StatusInternalServerError, "Classification failed, please try again")
	}

	service.setNoCache(ctx)
	return ctx.Render(http.StatusOK, resultName, resultData{Report: report})
}

func (service *FrontendService) htmxClearHandler(ctx echo.Context) error {
	service.setNoCache(ctx)
	return ctx.Render(http.StatusOK, resultName, resultData{})
}

func (service *FrontendService) renderResultError(ctx echo.Context, status int, message string) error {
	return ctx.Render(status, resultName, resultData{Error: message})
}

func (service *FrontendService) setNoCache(ctx echo.Context) {
	ctx.Response().Header().Set("Cache-Control", "no-store, no-cache, must-revalidate, max-age=0")
	ctx.Response().Header().Set("Pragma", "no-cache")
	ctx.Response().Header().Set("Expires", "0")
}

func (service *FrontendService) iconHandler(ctx echo.Context) error {
	data, err := assetsFS.ReadFile("views/icon.svg")
	if err != nil {
		slog.Error("iconHandler: failed to read icon.svg", "status", http.StatusInternalServerError, "error", err)
		return ctx.String(http.StatusInternalServerError, "Failed to load icon")
	}
	// Cache for 7 days
	ctx.Response().Header().Set("Cache-Control", "public, max-age=604800, immutable")
	return ctx.Blob(http.StatusOK, "image/svg+xml", data)
}
