package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v2"
	"k8s.io/klog/v2"
)

// Load reads configuration from a YAML file, applies environment variable
// overrides, fills defaults and validates the result.
func Load(path string) (*Config, error) {
	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %v", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %v", err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %v", err)
	}

	klog.V(2).InfoS("Loaded configuration",
		"forecastProvider", cfg.Providers.Forecast,
		"historicalProvider", cfg.Providers.Historical,
		"latitude", cfg.Asset.Latitude,
		"longitude", cfg.Asset.Longitude,
		"peakKwp", cfg.Asset.PeakKWP,
		"databasePath", cfg.Database.Path)

	return cfg, nil
}

// LoadFromEnv loads configuration from environment variables only.
func LoadFromEnv() (*Config, error) {
	return Load(os.Getenv("PVCAST_CONFIG"))
}

func defaults() *Config {
	return &Config{
		Asset: AssetConfig{
			Latitude:  51.83,
			Longitude: 7.28,
			PeakKWP:   9.9,
		},
		Providers: ProvidersConfig{
			Forecast:   "mosmix",
			Historical: "hostrada",
			MOSMIX: MOSMIXConfig{
				StationID: "P0051",
				UseLarge:  true,
			},
			HOSTRADA: GriddedConfig{
				ConfirmAboveBytes: 2 << 30, // 2 GiB
			},
		},
		Transport: TransportConfig{
			Timeout:    30 * time.Second,
			MaxRetries: 3,
			RetryDelay: 2 * time.Second,
			MaxDelay:   time.Minute,
		},
		Database: DatabaseConfig{
			Path: "pvcast.db",
		},
		Ingest: IngestConfig{
			ForecastHorizonHours: 48,
			DaemonInterval:       time.Hour,
		},
	}
}

func applyEnvOverrides(cfg *Config) {
	cfg.Database.Path = getEnvOrDefault("PVCAST_DB_PATH", cfg.Database.Path)
	cfg.Providers.MOSMIX.StationID = getEnvOrDefault("PVCAST_STATION_ID", cfg.Providers.MOSMIX.StationID)
	cfg.Asset.Latitude = getFloatOrDefault("PVCAST_LATITUDE", cfg.Asset.Latitude)
	cfg.Asset.Longitude = getFloatOrDefault("PVCAST_LONGITUDE", cfg.Asset.Longitude)
	cfg.Asset.PeakKWP = getFloatOrDefault("PVCAST_PEAK_KWP", cfg.Asset.PeakKWP)
	cfg.Transport.MaxRetries = getIntOrDefault("PVCAST_MAX_RETRIES", cfg.Transport.MaxRetries)
	cfg.Transport.Timeout = getDurationOrDefault("PVCAST_TIMEOUT", cfg.Transport.Timeout)
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntOrDefault(key string, defaultValue int) int {
	if strValue := os.Getenv(key); strValue != "" {
		if value, err := strconv.Atoi(strValue); err == nil {
			return value
		}
		klog.V(2).InfoS("Invalid integer value, using default",
			"key", key,
			"value", strValue,
			"default", defaultValue)
	}
	return defaultValue
}

func getFloatOrDefault(key string, defaultValue float64) float64 {
	if strValue := os.Getenv(key); strValue != "" {
		if value, err := strconv.ParseFloat(strValue, 64); err == nil {
			return value
		}
		klog.V(2).InfoS("Invalid float value, using default",
			"key", key,
			"value", strValue,
			"default", defaultValue)
	}
	return defaultValue
}

func getDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if strValue := os.Getenv(key); strValue != "" {
		if value, err := time.ParseDuration(strValue); err == nil {
			return value
		}
		klog.V(2).InfoS("Invalid duration value, using default",
			"key", key,
			"value", strValue,
			"default", defaultValue)
	}
	return defaultValue
}
