package core

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"slices"
	"time"

	"github.com/jo-hoe/lesiontriage/internal/backend/imageprocessing"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Database struct {
	Type             string `yaml:"type"`
	ConnectionString string `yaml:"connectionString"`
}

// ModelConfig is the versioned description of one model generation. Swapping
// models only requires a new record, never a code change.
type ModelConfig struct {
	Version           string            `yaml:"version"`
	Backend           string            `yaml:"backend"`
	Path              string            `yaml:"path"`
	InputName         string            `yaml:"inputName"`
	OutputName        string            `yaml:"outputName"`
	SharedLibraryPath string            `yaml:"sharedLibraryPath"`
	NumClasses        int               `yaml:"numClasses"`
	ClassLabels       []string          `yaml:"classLabels"`
	Messages          map[string]string `yaml:"messages"`
	NoLesionClass     string            `yaml:"noLesionClass"`
	Threshold         float64           `yaml:"threshold"`
	InputResolution   int               `yaml:"inputResolution"`
	Mean              []float32         `yaml:"mean"`
	Std               []float32         `yaml:"std"`

	LowConfidenceMessage string `yaml:"lowConfidenceMessage"`
	FollowUpMessage      string `yaml:"followUpMessage"`
	Disclaimer           string `yaml:"disclaimer"`
}

type AuthConfig struct {
	JWTSecret  string        `yaml:"jwtSecret"`
	Issuer     string        `yaml:"issuer"`
	TokenTTL   time.Duration `yaml:"tokenTTL"`
	BcryptCost int           `yaml:"bcryptCost"`
}

type LocalityConfig struct {
	MapsAPIKey    string        `yaml:"mapsApiKey"`
	MapsBaseURL   string        `yaml:"mapsBaseUrl"`
	RedisAddress  string        `yaml:"redisAddress"`
	CacheTTL      time.Duration `yaml:"cacheTTL"`
	MaxResults    int           `yaml:"maxResults"`
	DefaultRadius uint          `yaml:"defaultRadius"`
	Keywords      []string      `yaml:"keywords"`
}

type UploadConfig struct {
	MaxBytes          int64 `yaml:"maxBytes"`
	SvgFallbackWidth  int   `yaml:"svgFallbackWidth"`
	SvgFallbackHeight int   `yaml:"svgFallbackHeight"`
	MaxPixels         int   `yaml:"maxPixels"`
}

type ServiceConfig struct {
	Port     int            `yaml:"port"`
	Database Database       `yaml:"database"`
	Model    ModelConfig    `yaml:"model"`
	Auth     AuthConfig     `yaml:"auth"`
	Locality LocalityConfig `yaml:"locality"`
	Upload   UploadConfig   `yaml:"upload"`
}

// DefaultModelConfig describes the six class AlexNet generation.
func DefaultModelConfig() ModelConfig {
	return ModelConfig{
		Version:         "alexnet-6",
		Backend:         "onnx",
		Path:            "model/alexnet_6.onnx",
		InputName:       "input",
		OutputName:      "output",
		NumClasses:      6,
		InputResolution: 224,
		Threshold:       0.7,
		ClassLabels: []string{
			"basal_cell_carcinoma",
			"diabetic_wound",
			"leishmaniasis",
			"no_lesion",
			"pyoderma",
			"venous_disease",
		},
		Messages: map[string]string{
			"basal_cell_carcinoma": "The lesion resembles a basal cell carcinoma",
			"diabetic_wound":       "The lesion resembles a diabetic wound",
			"leishmaniasis":        "The lesion resembles cutaneous leishmaniasis",
			"no_lesion":            "No lesion was detected in the image",
			"pyoderma":             "The lesion resembles pyoderma",
			"venous_disease":       "The lesion resembles a venous ulcer",
		},
		NoLesionClass:        "no_lesion",
		Mean:                 []float32{0.485, 0.456, 0.406},
		Std:                  []float32{0.229, 0.224, 0.225},
		LowConfidenceMessage: "The image could not be classified with enough confidence. Please take another photo with good lighting and the lesion centered.",
		FollowUpMessage:      "Please seek a specialized health service for an evaluation.",
		Disclaimer:           "This result is produced by an automated model and is not a medical diagnosis.",
	}
}

func defaultConfig() ServiceConfig {
	return ServiceConfig{
		Port: 8080,
		Database: Database{
			Type:             "sqlite",
			ConnectionString: "lesiontriage.db",
		},
		Model: DefaultModelConfig(),
		Auth: AuthConfig{
			Issuer:   "lesiontriage",
			TokenTTL: 12 * time.Hour,
		},
		Locality: LocalityConfig{
			CacheTTL:      24 * time.Hour,
			MaxResults:    10,
			DefaultRadius: 10000,
		},
		Upload: UploadConfig{
			MaxBytes:          10 << 20,
			SvgFallbackWidth:  512,
			SvgFallbackHeight: 512,
			MaxPixels:         imageprocessing.DefaultMaxPixels,
		},
	}
}

// LoadConfig loads configuration from the specified YAML file. A .env file in the
// working directory is loaded first; secrets in the environment override the file.
func LoadConfig(configPath string) (*ServiceConfig, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		slog.Warn("failed to load .env file", "error", err)
	}

	// Read the config file
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	// Parse YAML on top of the defaults
	config := defaultConfig()
	err = yaml.Unmarshal(data, &config)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", configPath, err)
	}

	applyEnvOverrides(&config)

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &config, nil
}

func applyEnvOverrides(config *ServiceConfig) {
	overrides := map[string]*string{
		"DATABASE_TYPE":              &config.Database.Type,
		"DATABASE_CONNECTION_STRING": &config.Database.ConnectionString,
		"MODEL_PATH":                 &config.Model.Path,
		"ONNXRUNTIME_LIB":            &config.Model.SharedLibraryPath,
		"JWT_SECRET":                 &config.Auth.JWTSecret,
		"MAPS_API_KEY":               &config.Locality.MapsAPIKey,
		"REDIS_ADDRESS":              &config.Locality.RedisAddress,
	}
	for key, target := range overrides {
		if value, ok := os.LookupEnv(key); ok && value != "" {
			*target = value
		}
	}
}

// Validate checks the whole configuration.
func (c *ServiceConfig) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("port out of range: %d", c.Port)
	}
	if c.Database.Type == "" {
		return fmt.Errorf("database type cannot be empty")
	}
	if err := c.Model.Validate(); err != nil {
		return fmt.Errorf("model %s: %w", c.Model.Version, err)
	}
	if c.Upload.MaxBytes <= 0 {
		return fmt.Errorf("upload maxBytes must be positive")
	}
	if c.Upload.MaxPixels < 0 {
		return fmt.Errorf("upload maxPixels cannot be negative")
	}
	return nil
}

// Validate ensures the model record is internally consistent.
func (m *ModelConfig) Validate() error {
	if m.Version == "" {
		return fmt.Errorf("version cannot be empty")
	}
	if m.NumClasses <= 0 {
		return fmt.Errorf("numClasses must be positive, got %d", m.NumClasses)
	}
	if len(m.ClassLabels) != m.NumClasses {
		return fmt.Errorf("expected %d class labels, got %d", m.NumClasses, len(m.ClassLabels))
	}

	seenLabels := make(map[string]bool)
	for i, label := range m.ClassLabels {
		if label == "" {
			return fmt.Errorf("class label at index %d is empty", i)
		}
		if seenLabels[label] {
			return fmt.Errorf("duplicate class label: %s", label)
		}
		seenLabels[label] = true
		if m.Messages[label] == "" {
			return fmt.Errorf("missing message for class %s", label)
		}
	}

	if m.NoLesionClass != "" && !slices.Contains(m.ClassLabels, m.NoLesionClass) {
		return fmt.Errorf("noLesionClass %s is not a class label", m.NoLesionClass)
	}
	if m.Threshold <= 0 || m.Threshold > 1 {
		return fmt.Errorf("threshold must be in (0,1], got %f", m.Threshold)
	}
	if m.InputResolution <= 0 {
		return fmt.Errorf("inputResolution must be positive, got %d", m.InputResolution)
	}
	if len(m.Mean) != 3 || len(m.Std) != 3 {
		return fmt.Errorf("mean and std need exactly 3 channel values")
	}
	return nil
}
