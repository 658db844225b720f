package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/xerrors"
	"gopkg.in/yaml.v3"
)

const (
	// DatabaseSchemePostgres is the postgres database scheme identifier
	DatabaseSchemePostgres = "postgres"

	// ScoresPerBatch bounds one Add-Scores message to stay under the
	// ledger's message size limit.
	ScoresPerBatch = 420

	// UptimeTickRatio is the share of the maximum daily ticks a relay needs
	// yesterday for its streak to be extended today.
	UptimeTickRatio = 0.6

	// GeoResolution is the H3 resolution used to bucket relay locations
	// (average hexagon area ~1,770 km^2).
	GeoResolution = 4

	// UptimeWriteBatch is the number of rows written per uptime bulk write.
	UptimeWriteBatch = 1000

	// KeepFailedJobs is the number of failed job records retained per queue.
	KeepFailedJobs = 8

	DefaultMinRoundLength  = time.Hour
	DefaultJobAttempts     = 3
	DefaultJobBackoff      = 10 * time.Second
	DefaultJobTimeout      = 5 * time.Minute
	DefaultJobConcurrency  = 4
	DefaultLeaderLockKey   = 7_420_001
	DefaultAOMessengerURL  = "https://mu.ao-testnet.xyz"
	DefaultAOComputeURL    = "https://cu.ao-testnet.xyz"
	LeaderModeStatic       = "static"
	LeaderModePostgres     = "postgres"
	defaultLogFormatString = "console"
)

type Config struct {
	IsLive         bool
	DoClean        bool
	MinRoundLength time.Duration

	DetailsURI  string // relay inventory feed (onionoo details document)
	DetailsAuth string // optional Authorization header value for the feed

	DBDialect string // postgres only
	DBDsn     string // DSN string passed to GORM driver
	StatePath string // optional bbolt file for scheduler state

	GeoIPDatabasePath string

	AOMessengerURL            string
	AOComputeURL              string
	RelayRewardsProcessID     string
	RelayRewardsControllerKey string
	OperatorRegistryProcessID string

	BundlerNode          string
	BundlerControllerKey string

	LeaderMode    string // static | postgres
	IsLeader      bool   // used by the static leader mode
	LeaderLockKey int64

	MetricsAddr string

	JobAttempts    int
	JobBackoff     time.Duration
	JobTimeout     time.Duration
	JobConcurrency int

	Debug     bool
	LogFormat string // console | json
}

// fileConfig mirrors Config for the optional YAML file. Pointers tell
// "absent" apart from zero values.
type fileConfig struct {
	IsLive                    *bool  `yaml:"is_live"`
	DoClean                   *bool  `yaml:"do_clean"`
	MinRoundLength            string `yaml:"min_round_length"`
	DetailsURI                string `yaml:"details_uri"`
	DetailsAuth               string `yaml:"details_auth"`
	DatabaseURL               string `yaml:"database_url"`
	StatePath                 string `yaml:"state_path"`
	GeoIPDatabasePath         string `yaml:"geoip_database_path"`
	AOMessengerURL            string `yaml:"ao_mu_url"`
	AOComputeURL              string `yaml:"ao_cu_url"`
	RelayRewardsProcessID     string `yaml:"relay_rewards_process_id"`
	OperatorRegistryProcessID string `yaml:"operator_registry_process_id"`
	BundlerNode               string `yaml:"bundler_node"`
	LeaderMode                string `yaml:"leader_mode"`
	IsLeader                  *bool  `yaml:"is_leader"`
	LeaderLockKey             *int64 `yaml:"leader_lock_key"`
	MetricsAddr               string `yaml:"metrics_addr"`
	JobAttempts               *int   `yaml:"job_attempts"`
	JobBackoff                string `yaml:"job_backoff"`
	JobTimeout                string `yaml:"job_timeout"`
	JobConcurrency            *int   `yaml:"job_concurrency"`
	Debug                     *bool  `yaml:"debug"`
	LogFormat                 string `yaml:"log_format"`
}

func getenv(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}

func getenvBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v == "true" || v == "1" || v == "yes" || v == "on"
}

func getenvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: invalid %s=%q, using %d\n", key, v, def)
		return def
	}
	return n
}

func getenvDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := parseDuration(v)
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: invalid %s=%q, using %s\n", key, v, def)
		return def
	}
	return d
}

// parseDuration accepts Go duration strings ("90m") and bare integers, which
// are read as milliseconds the way MIN_ROUND_LENGTH was always configured.
func parseDuration(v string) (time.Duration, error) {
	v = strings.TrimSpace(v)
	if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
		return time.Duration(ms) * time.Millisecond, nil
	}
	return time.ParseDuration(v)
}

// parseDatabaseURL interprets DATABASE_URL and returns (dialect, dsn).
// Supported schemes: postgres, postgresql.
func parseDatabaseURL(databaseURL string) (string, string, error) {
	u, err := url.Parse(databaseURL)
	if err != nil {
		return "", "", err
	}
	scheme := strings.ToLower(u.Scheme)
	switch scheme {
	case DatabaseSchemePostgres, "postgresql":
		// GORM postgres driver accepts URL DSN as-is
		return DatabaseSchemePostgres, databaseURL, nil
	default:
		return "", "", fmt.Errorf("unsupported DATABASE_URL scheme: %s", u.Scheme)
	}
}

func defaults() Config {
	return Config{
		MinRoundLength: DefaultMinRoundLength,
		AOMessengerURL: DefaultAOMessengerURL,
		AOComputeURL:   DefaultAOComputeURL,
		LeaderMode:     LeaderModeStatic,
		IsLeader:       true,
		LeaderLockKey:  DefaultLeaderLockKey,
		JobAttempts:    DefaultJobAttempts,
		JobBackoff:     DefaultJobBackoff,
		JobTimeout:     DefaultJobTimeout,
		JobConcurrency: DefaultJobConcurrency,
		LogFormat:      defaultLogFormatString,
	}
}

// Load builds the configuration from defaults, the optional YAML file at
// path (skipped when path is empty) and finally the environment.
func Load(path string) (Config, error) {
	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, xerrors.Errorf("config: read file: %w", err)
		}
		var fc fileConfig
		if err := yaml.Unmarshal(data, &fc); err != nil {
			return cfg, xerrors.Errorf("config: parse yaml: %w", err)
		}
		if err := fc.apply(&cfg); err != nil {
			return cfg, xerrors.Errorf("config: %w", err)
		}
	}

	applyEnv(&cfg)
	normalize(&cfg)

	return cfg, nil
}

func (fc fileConfig) apply(cfg *Config) error {
	if fc.IsLive != nil {
		cfg.IsLive = *fc.IsLive
	}
	if fc.DoClean != nil {
		cfg.DoClean = *fc.DoClean
	}
	if fc.MinRoundLength != "" {
		d, err := parseDuration(fc.MinRoundLength)
		if err != nil {
			return xerrors.Errorf("min_round_length: %w", err)
		}
		cfg.MinRoundLength = d
	}
	if fc.JobBackoff != "" {
		d, err := parseDuration(fc.JobBackoff)
		if err != nil {
			return xerrors.Errorf("job_backoff: %w", err)
		}
		cfg.JobBackoff = d
	}
	if fc.JobTimeout != "" {
		d, err := parseDuration(fc.JobTimeout)
		if err != nil {
			return xerrors.Errorf("job_timeout: %w", err)
		}
		cfg.JobTimeout = d
	}
	if fc.DatabaseURL != "" {
		dialect, dsn, err := parseDatabaseURL(fc.DatabaseURL)
		if err != nil {
			return xerrors.Errorf("database_url: %w", err)
		}
		cfg.DBDialect, cfg.DBDsn = dialect, dsn
	}

	setString(&cfg.DetailsURI, fc.DetailsURI)
	setString(&cfg.DetailsAuth, fc.DetailsAuth)
	setString(&cfg.StatePath, fc.StatePath)
	setString(&cfg.GeoIPDatabasePath, fc.GeoIPDatabasePath)
	setString(&cfg.AOMessengerURL, fc.AOMessengerURL)
	setString(&cfg.AOComputeURL, fc.AOComputeURL)
	setString(&cfg.RelayRewardsProcessID, fc.RelayRewardsProcessID)
	setString(&cfg.OperatorRegistryProcessID, fc.OperatorRegistryProcessID)
	setString(&cfg.BundlerNode, fc.BundlerNode)
	setString(&cfg.LeaderMode, fc.LeaderMode)
	setString(&cfg.MetricsAddr, fc.MetricsAddr)
	setString(&cfg.LogFormat, fc.LogFormat)

	if fc.IsLeader != nil {
		cfg.IsLeader = *fc.IsLeader
	}
	if fc.LeaderLockKey != nil {
		cfg.LeaderLockKey = *fc.LeaderLockKey
	}
	if fc.JobAttempts != nil {
		cfg.JobAttempts = *fc.JobAttempts
	}
	if fc.JobConcurrency != nil {
		cfg.JobConcurrency = *fc.JobConcurrency
	}
	if fc.Debug != nil {
		cfg.Debug = *fc.Debug
	}
	return nil
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

// applyEnv overlays environment variables. Secrets (controller keys) are
// only ever read from the environment.
func applyEnv(cfg *Config) {
	cfg.IsLive = getenvBool("IS_LIVE", cfg.IsLive)
	cfg.DoClean = getenvBool("DO_CLEAN", cfg.DoClean)
	cfg.MinRoundLength = getenvDuration("MIN_ROUND_LENGTH", cfg.MinRoundLength)
	cfg.DetailsURI = getenv("ONIONOO_DETAILS_URI", cfg.DetailsURI)
	cfg.DetailsAuth = getenv("DETAILS_URI_AUTH", cfg.DetailsAuth)
	cfg.StatePath = getenv("STATE_PATH", cfg.StatePath)
	cfg.GeoIPDatabasePath = getenv("GEOIP_DATABASE_PATH", cfg.GeoIPDatabasePath)
	cfg.AOMessengerURL = getenv("AO_MU_URL", cfg.AOMessengerURL)
	cfg.AOComputeURL = getenv("AO_CU_URL", cfg.AOComputeURL)
	cfg.RelayRewardsProcessID = getenv("RELAY_REWARDS_PROCESS_ID", cfg.RelayRewardsProcessID)
	cfg.RelayRewardsControllerKey = getenv("RELAY_REWARDS_CONTROLLER_KEY", cfg.RelayRewardsControllerKey)
	cfg.OperatorRegistryProcessID = getenv("OPERATOR_REGISTRY_PROCESS_ID", cfg.OperatorRegistryProcessID)
	cfg.BundlerNode = getenv("BUNDLER_NODE", cfg.BundlerNode)
	cfg.BundlerControllerKey = getenv("BUNDLER_CONTROLLER_KEY", cfg.BundlerControllerKey)
	cfg.LeaderMode = getenv("LEADER_MODE", cfg.LeaderMode)
	cfg.IsLeader = getenvBool("IS_LEADER", cfg.IsLeader)
	cfg.LeaderLockKey = int64(getenvInt("LEADER_LOCK_KEY", int(cfg.LeaderLockKey)))
	cfg.MetricsAddr = getenv("METRICS_ADDR", cfg.MetricsAddr)
	cfg.JobAttempts = getenvInt("JOB_ATTEMPTS", cfg.JobAttempts)
	cfg.JobBackoff = getenvDuration("JOB_BACKOFF", cfg.JobBackoff)
	cfg.JobTimeout = getenvDuration("JOB_TIMEOUT", cfg.JobTimeout)
	cfg.JobConcurrency = getenvInt("JOB_CONCURRENCY", cfg.JobConcurrency)
	cfg.Debug = getenvBool("DEBUG", cfg.Debug)
	cfg.LogFormat = getenv("LOG_FORMAT", cfg.LogFormat)

	if dbURL := strings.TrimSpace(os.Getenv("DATABASE_URL")); dbURL != "" {
		if dialect, dsn, err := parseDatabaseURL(dbURL); err == nil {
			cfg.DBDialect = dialect
			cfg.DBDsn = dsn
		} else {
			fmt.Fprintf(os.Stderr, "warning: invalid DATABASE_URL, disabling persistence: %v\n", err)
		}
	}
}

// normalize replaces out-of-range values with defaults instead of failing:
// the process should still start in a degraded but sane mode.
func normalize(cfg *Config) {
	if cfg.MinRoundLength <= 0 {
		cfg.MinRoundLength = DefaultMinRoundLength
	}
	if cfg.JobAttempts < 1 {
		cfg.JobAttempts = 1
	}
	if cfg.JobBackoff < 0 {
		cfg.JobBackoff = 0
	}
	if cfg.JobTimeout < 0 {
		cfg.JobTimeout = 0
	}
	if cfg.JobConcurrency < 1 {
		cfg.JobConcurrency = 1
	}
	switch strings.ToLower(cfg.LeaderMode) {
	case LeaderModePostgres:
		cfg.LeaderMode = LeaderModePostgres
	default:
		cfg.LeaderMode = LeaderModeStatic
	}
	cfg.AOMessengerURL = strings.TrimSuffix(cfg.AOMessengerURL, "/")
	cfg.AOComputeURL = strings.TrimSuffix(cfg.AOComputeURL, "/")
	cfg.BundlerNode = strings.TrimSuffix(cfg.BundlerNode, "/")
}

// MaxDailyTicks is the number of rounds that fit in one day at the configured
// cadence, i.e. the most uptime ticks a relay can collect per day.
func (c Config) MaxDailyTicks() int {
	day := 24 * time.Hour
	n := int(day / c.MinRoundLength)
	if day%c.MinRoundLength != 0 {
		n++
	}
	return n
}

func (c Config) String() string {
	return fmt.Sprintf("live=%t min_round=%s db=%s leader=%s", c.IsLive, c.MinRoundLength, c.DBDialect, c.LeaderMode)
}

// DebugString returns a human-friendly configuration string with masked secrets.
func (c Config) DebugString() string {
	return fmt.Sprintf(
		"live=%t min_round=%s details_uri=%s db=%s dsn=%s state=%s geoip=%s mu=%s cu=%s rewards_pid=%s rewards_key=%s registry_pid=%s bundler=%s bundler_key=%s leader=%s metrics=%s",
		c.IsLive,
		c.MinRoundLength,
		c.DetailsURI,
		c.DBDialect,
		maskDSN(c.DBDialect, c.DBDsn),
		c.StatePath,
		c.GeoIPDatabasePath,
		c.AOMessengerURL,
		c.AOComputeURL,
		c.RelayRewardsProcessID,
		maskSecret(c.RelayRewardsControllerKey),
		c.OperatorRegistryProcessID,
		c.BundlerNode,
		maskSecret(c.BundlerControllerKey),
		c.LeaderMode,
		c.MetricsAddr,
	)
}

func maskSecret(s string) string {
	if s == "" {
		return ""
	}
	return "***"
}

func maskDSN(dialect, dsn string) string {
	switch strings.ToLower(dialect) {
	case DatabaseSchemePostgres:
		if u, err := url.Parse(dsn); err == nil && u.Scheme != "" {
			if u.User != nil {
				username := u.User.Username()
				u.User = url.User(username)
			}
			return u.String()
		}
		// Fallback for DSN as key-value list
		parts := strings.Fields(dsn)
		for i, p := range parts {
			lower := strings.ToLower(p)
			if strings.HasPrefix(lower, "password=") {
				parts[i] = "password=***"
			}
		}
		return strings.Join(parts, " ")
	default:
		return dsn
	}
}
