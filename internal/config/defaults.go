package config

// DefaultConfig returns a Config populated with all default values.
func DefaultConfig() *Config {
	return &Config{
		Storage: StorageConfig{
			Path:       "~/.config/histo",
			SQLiteFile: "histo.db",
		},
		Daemon: DaemonConfig{
			Host:      "127.0.0.1",
			Port:      7718,
			AuthToken: "",
		},
		Tracking: TrackingConfig{
			MaxVisits:      1000,
			MaxSessions:    500,
			EndOnIdle:      true,
			IgnoredSchemes: DefaultIgnoredSchemes(),
			IgnoredDomains: []string{},
		},
		Aggregation: AggregationConfig{
			IntervalMinutes: 1,
		},
		Categories: CategoriesConfig{
			Overrides: map[string]string{},
		},
		Alerts: []AlertRule{},
		Logging: LoggingConfig{
			Level:   "info",
			Verbose: false,
		},
	}
}

// DefaultIgnoredSchemes returns URL schemes that never open a session or
// record a visit: browser-internal pages and local files carry no usable
// domain.
func DefaultIgnoredSchemes() []string {
	return []string{
		"chrome",
		"chrome-extension",
		"edge",
		"about",
		"file",
		"devtools",
		"view-source",
	}
}
