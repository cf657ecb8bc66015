// Package config provides XML-based configuration management for air-gapped deployment.
package config

import (
	"encoding/xml"
	"fmt"
	"image/png"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// AppConfig represents the root XML configuration structure
type AppConfig struct {
	XMLName xml.Name `xml:"TakeoffServer"`

	Server     ServerConfig     `xml:"Server"`
	Storage    StorageConfig    `xml:"Storage"`
	Rendering  RenderingConfig  `xml:"Rendering"`
	Processing ProcessingConfig `xml:"Processing"`
	Security   SecurityConfig   `xml:"Security"`
	Advanced   AdvancedConfig   `xml:"Advanced"`
}

// ServerConfig contains HTTP server settings
type ServerConfig struct {
	Port         int    `xml:"Port"`
	BindAddress  string `xml:"BindAddress"`
	EnableCORS   bool   `xml:"EnableCORS"`
	AllowOrigins string `xml:"AllowOrigins"`
	ReadTimeout  int    `xml:"ReadTimeoutSeconds"`
	WriteTimeout int    `xml:"WriteTimeoutSeconds"`
	IdleTimeout  int    `xml:"IdleTimeoutSeconds"`
	BodyLimit    string `xml:"BodyLimit"`
}

// StorageConfig contains file and database storage settings
type StorageConfig struct {
	DataDirectory    string `xml:"DataDirectory"`
	UploadsDirectory string `xml:"UploadsDirectory"`
	DatabasePath     string `xml:"DatabasePath"`
	PricingFile      string `xml:"PricingFile"`
	MaxUploadSize    string `xml:"MaxUploadSize"`
}

// RenderingConfig contains page cache and rasterization settings
type RenderingConfig struct {
	PageCacheSize      int     `xml:"PageCacheSize"`
	LowDPI             float64 `xml:"LowDPI"`
	HighDPI            float64 `xml:"HighDPI"`
	PrefetchWorkers    int     `xml:"PrefetchWorkers"`
	PrefetchPerSecond  float64 `xml:"PrefetchPerSecond"`
	MaxOpenDocuments   int     `xml:"MaxOpenDocuments"`
	PNGCompression     string  `xml:"PNGCompression"` // default, speed, best, none
	ThumbnailMaxPixels int     `xml:"ThumbnailMaxPixels"`
	RenderTimeout      int     `xml:"RenderTimeoutSeconds"`
}

// ProcessingConfig contains background processing settings
type ProcessingConfig struct {
	SessionTimeoutMinutes  int  `xml:"SessionTimeoutMinutes"`
	CleanupIntervalMinutes int  `xml:"CleanupIntervalMinutes"`
	UploadJobMaxAgeMinutes int  `xml:"UploadJobMaxAgeMinutes"`
	EnableCompression      bool `xml:"EnableCompression"`
	CompressionLevel       int  `xml:"CompressionLevel"`
}

// SecurityConfig contains security settings
type SecurityConfig struct {
	AllowPlanDeletion bool   `xml:"AllowPlanDeletion"`
	AllowedFileTypes  string `xml:"AllowedFileTypes"`
}

// AdvancedConfig contains advanced/tuning options
type AdvancedConfig struct {
	LogLevel                string `xml:"LogLevel"`
	EnableRequestLogging    bool   `xml:"EnableRequestLogging"`
	DuckDBThreads           int    `xml:"DuckDBThreads"`
	DuckDBMemoryLimit       string `xml:"DuckDBMemoryLimit"`
	WebSocketMaxMessageSize int    `xml:"WebSocketMaxMessageSizeKB"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *AppConfig {
	return &AppConfig{
		Server: ServerConfig{
			Port:         8090,
			BindAddress:  "0.0.0.0",
			EnableCORS:   true,
			AllowOrigins: "*",
			ReadTimeout:  30,
			WriteTimeout: 60,
			IdleTimeout:  120,
			BodyLimit:    "1G",
		},
		Storage: StorageConfig{
			DataDirectory:    "./data",
			UploadsDirectory: "./data/plans",
			DatabasePath:     "./data/takeoff.duckdb",
			PricingFile:      "./pricing.yaml",
			MaxUploadSize:    "1G",
		},
		Rendering: RenderingConfig{
			PageCacheSize:      10,
			LowDPI:             36,
			HighDPI:            150,
			PrefetchWorkers:    2,
			PrefetchPerSecond:  4,
			MaxOpenDocuments:   10,
			PNGCompression:     "speed",
			ThumbnailMaxPixels: 256,
			RenderTimeout:      30,
		},
		Processing: ProcessingConfig{
			SessionTimeoutMinutes:  30,
			CleanupIntervalMinutes: 5,
			UploadJobMaxAgeMinutes: 60,
			EnableCompression:      true,
			CompressionLevel:       5,
		},
		Security: SecurityConfig{
			AllowPlanDeletion: true,
			AllowedFileTypes:  ".pdf",
		},
		Advanced: AdvancedConfig{
			LogLevel:                "info",
			EnableRequestLogging:    true,
			DuckDBThreads:           2,
			DuckDBMemoryLimit:       "512MB",
			WebSocketMaxMessageSize: 64,
		},
	}
}

// LoadConfig loads configuration from an XML file, creating it with
// defaults when it does not exist.
func LoadConfig(configPath string) (*AppConfig, error) {
	var config *AppConfig

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		config = DefaultConfig()
		if err := config.Save(configPath); err != nil {
			return nil, fmt.Errorf("failed to create default config: %w", err)
		}
	} else {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}

		// Start from defaults so missing elements keep sane values.
		config = DefaultConfig()
		if err := xml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	config.applyEnvironmentOverrides()
	config.resolvePaths(filepath.Dir(configPath))

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Save saves the configuration to XML file
func (c *AppConfig) Save(configPath string) error {
	output, err := xml.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	header := []byte(xml.Header + "\n<!-- Plan Takeoff Server Configuration -->\n<!-- This file is auto-generated on first run -->\n\n")
	content := append(header, output...)

	if dir := filepath.Dir(configPath); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
	}
	if err := os.WriteFile(configPath, content, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate rejects settings the server cannot run with.
func (c *AppConfig) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid Server.Port %d", c.Server.Port)
	}
	if c.Rendering.PageCacheSize < 1 {
		return fmt.Errorf("invalid Rendering.PageCacheSize %d: must be at least 1", c.Rendering.PageCacheSize)
	}
	if c.Rendering.LowDPI <= 0 || c.Rendering.HighDPI < c.Rendering.LowDPI {
		return fmt.Errorf("invalid Rendering DPI %v/%v: need 0 < LowDPI <= HighDPI", c.Rendering.LowDPI, c.Rendering.HighDPI)
	}
	if !(c.Rendering.PrefetchPerSecond > 0) {
		return fmt.Errorf("invalid Rendering.PrefetchPerSecond %v: must be positive", c.Rendering.PrefetchPerSecond)
	}
	return nil
}

// applyEnvironmentOverrides allows environment variables to override config values
func (c *AppConfig) applyEnvironmentOverrides() {
	if port := os.Getenv("PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			c.Server.Port = p
		}
	}

	// DATA_DIR moves every path that still lives under the default data directory.
	if dataDir := os.Getenv("DATA_DIR"); dataDir != "" {
		old := c.Storage.DataDirectory
		c.Storage.DataDirectory = dataDir
		c.Storage.UploadsDirectory = rebase(c.Storage.UploadsDirectory, old, dataDir)
		c.Storage.DatabasePath = rebase(c.Storage.DatabasePath, old, dataDir)
	}

	if dbPath := os.Getenv("TAKEOFF_DB_PATH"); dbPath != "" {
		c.Storage.DatabasePath = dbPath
	}

	if size := os.Getenv("PAGE_CACHE_SIZE"); size != "" {
		if n, err := strconv.Atoi(size); err == nil {
			c.Rendering.PageCacheSize = n
		}
	}
}

func rebase(path, oldRoot, newRoot string) string {
	rel, err := filepath.Rel(oldRoot, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return path
	}
	return filepath.Join(newRoot, rel)
}

// resolvePaths converts relative paths to absolute based on config file location
func (c *AppConfig) resolvePaths(configDir string) {
	for _, p := range []*string{
		&c.Storage.DataDirectory,
		&c.Storage.UploadsDirectory,
		&c.Storage.DatabasePath,
		&c.Storage.PricingFile,
	} {
		if *p != "" && !filepath.IsAbs(*p) {
			*p = filepath.Join(configDir, *p)
		}
	}
}

// GetServerAddr returns the server bind address
func (c *AppConfig) GetServerAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.BindAddress, c.Server.Port)
}

// SessionTimeout returns how long an idle document stays open.
func (c *AppConfig) SessionTimeout() time.Duration {
	return time.Duration(c.Processing.SessionTimeoutMinutes) * time.Minute
}

// CleanupInterval returns the period of the idle cleanup ticker.
func (c *AppConfig) CleanupInterval() time.Duration {
	if c.Processing.CleanupIntervalMinutes <= 0 {
		return 5 * time.Minute
	}
	return time.Duration(c.Processing.CleanupIntervalMinutes) * time.Minute
}

// UploadJobMaxAge returns how long finished upload jobs are kept.
func (c *AppConfig) UploadJobMaxAge() time.Duration {
	return time.Duration(c.Processing.UploadJobMaxAgeMinutes) * time.Minute
}

// RenderTimeout bounds how long a page request waits for its render.
func (c *AppConfig) RenderTimeout() time.Duration {
	if c.Rendering.RenderTimeout <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.Rendering.RenderTimeout) * time.Second
}

// PNGLevel maps Rendering.PNGCompression to an encoder level.
func (c *AppConfig) PNGLevel() png.CompressionLevel {
	switch strings.ToLower(strings.TrimSpace(c.Rendering.PNGCompression)) {
	case "speed":
		return png.BestSpeed
	case "best":
		return png.BestCompression
	case "none":
		return png.NoCompression
	default:
		return png.DefaultCompression
	}
}

// FileTypes returns the accepted upload extensions, lower-cased with a
// leading dot.
func (c *AppConfig) FileTypes() []string {
	var out []string
	for _, ext := range strings.Split(c.Security.AllowedFileTypes, ",") {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext == "" {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		out = append(out, ext)
	}
	return out
}

// LogLevel maps Advanced.LogLevel to a slog level. Unknown values mean info.
func (c *AppConfig) LogLevel() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Advanced.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return level
}

// EnsureDirectories creates all necessary directories
func (c *AppConfig) EnsureDirectories() error {
	dirs := []string{
		c.Storage.DataDirectory,
		c.Storage.UploadsDirectory,
		filepath.Dir(c.Storage.DatabasePath),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	return nil
}
