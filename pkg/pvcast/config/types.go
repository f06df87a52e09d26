package config

import (
	"fmt"
	"time"
)

// Config holds all configuration for the pvcast pipeline
type Config struct {
	Asset     AssetConfig     `yaml:"asset"`
	Providers ProvidersConfig `yaml:"providers"`
	Transport TransportConfig `yaml:"transport"`
	Database  DatabaseConfig  `yaml:"database"`
	Ingest    IngestConfig    `yaml:"ingest"`
}

// AssetConfig describes the fixed physical installation the pipeline predicts
// yield for.
type AssetConfig struct {
	Latitude      float64 `yaml:"latitude"`
	Longitude     float64 `yaml:"longitude"`
	PeakKWP       float64 `yaml:"peakKwp"`
	InstalledDate string  `yaml:"installedDate"` // YYYY-MM-DD
}

// ProvidersConfig selects and parameterizes the weather data sources.
type ProvidersConfig struct {
	Forecast   string        `yaml:"forecast"`   // "mosmix" or "openmeteo"
	Historical string        `yaml:"historical"` // "hostrada" or "openmeteo"
	MOSMIX     MOSMIXConfig  `yaml:"mosmix"`
	HOSTRADA   GriddedConfig `yaml:"hostrada"`
}

// MOSMIXConfig holds the station-forecast adapter settings.
type MOSMIXConfig struct {
	StationID string `yaml:"stationId"`
	UseLarge  bool   `yaml:"useLarge"` // MOSMIX_L (115 params) vs MOSMIX_S (40)
}

// GriddedConfig holds the gridded historical adapter settings.
type GriddedConfig struct {
	// ConfirmAboveBytes is the estimated download size beyond which a fetch
	// requires explicit confirmation from the caller.
	ConfirmAboveBytes int64 `yaml:"confirmAboveBytes"`
}

// TransportConfig holds the shared retry/backoff policy for provider calls.
type TransportConfig struct {
	Timeout    time.Duration `yaml:"timeout"`
	MaxRetries int           `yaml:"maxRetries"`
	RetryDelay time.Duration `yaml:"retryDelay"`
	MaxDelay   time.Duration `yaml:"maxDelay"`
}

// DatabaseConfig locates the local persistence sink.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// IngestConfig controls ingestion runs.
type IngestConfig struct {
	ForecastHorizonHours int           `yaml:"forecastHorizonHours"`
	DaemonInterval       time.Duration `yaml:"daemonInterval"`
}

// Validate performs validation of the configuration
func (c *Config) Validate() error {
	if c.Asset.Latitude < -90 || c.Asset.Latitude > 90 {
		return fmt.Errorf("asset latitude %f out of range [-90, 90]", c.Asset.Latitude)
	}
	if c.Asset.Longitude < -180 || c.Asset.Longitude > 180 {
		return fmt.Errorf("asset longitude %f out of range [-180, 180]", c.Asset.Longitude)
	}
	if c.Asset.PeakKWP <= 0 {
		return fmt.Errorf("asset peak capacity must be positive, got %f", c.Asset.PeakKWP)
	}
	if c.Asset.InstalledDate != "" {
		if _, err := time.Parse("2006-01-02", c.Asset.InstalledDate); err != nil {
			return fmt.Errorf("invalid installedDate: %v", err)
		}
	}

	switch c.Providers.Forecast {
	case "mosmix", "openmeteo":
	default:
		return fmt.Errorf("unsupported forecast provider: %s", c.Providers.Forecast)
	}
	switch c.Providers.Historical {
	case "hostrada", "openmeteo":
	default:
		return fmt.Errorf("unsupported historical provider: %s", c.Providers.Historical)
	}
	if c.Providers.Forecast == "mosmix" && c.Providers.MOSMIX.StationID == "" {
		return fmt.Errorf("mosmix station id is required")
	}

	if c.Transport.MaxRetries < 0 {
		return fmt.Errorf("maxRetries must not be negative")
	}
	if c.Transport.RetryDelay <= 0 {
		return fmt.Errorf("retryDelay must be positive")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database path is required")
	}

	if c.Ingest.ForecastHorizonHours <= 0 {
		return fmt.Errorf("forecast horizon must be positive")
	}

	return nil
}

// InstalledTime parses the installation date, or returns the zero time when
// unset.
func (c *AssetConfig) InstalledTime() time.Time {
	t, err := time.Parse("2006-01-02", c.InstalledDate)
	if err != nil {
		return time.Time{}
	}
	return t
}
