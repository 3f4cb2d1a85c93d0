package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"
)

// Config holds all application configuration.
type Config struct {
	// Admin surface
	AdminAPIKey    string  `koanf:"admin_api_key"`
	AdminRateLimit float64 `koanf:"admin_rate_limit"`
	AdminRateBurst int     `koanf:"admin_rate_burst"`

	// Atomic Store
	StoreBackend     string        `koanf:"store_backend"`
	StorePrefix      string        `koanf:"store_prefix"`
	StoreOpTimeout   time.Duration `koanf:"store_op_timeout"`
	RedisAddr        string        `koanf:"redis_addr"`
	RedisPassword    string        `koanf:"redis_password"`
	RedisDB          int           `koanf:"redis_db"`
	RedisTLS         bool          `koanf:"redis_tls"`
	RedisTLSInsecure bool          `koanf:"redis_tls_insecure"`
	DataDir          string        `koanf:"data_dir"`

	// Gateway
	ListenAddr        string        `koanf:"listen_addr"`
	UpstreamURL       string        `koanf:"upstream_url"`
	ChallengePath     string        `koanf:"challenge_path"`
	ExemptPrefixes    []string      `koanf:"exempt_prefixes"`
	TrustedProxies    []string      `koanf:"trusted_proxies"`
	AdmissionAllow    []string      `koanf:"admission_allowlist"`
	FailMode          string        `koanf:"fail_mode"`
	MaxBodyBytes      int64         `koanf:"max_body_bytes"`
	ReadHeaderTimeout time.Duration `koanf:"read_header_timeout"`

	// Rate limiting
	RateLimitWindow       time.Duration `koanf:"rate_limit_window"`
	RateLimitMax          int           `koanf:"rate_limit_max"`
	RateLimitStrikes      int           `koanf:"rate_limit_strikes"`
	RateLimitStrikeWindow time.Duration `koanf:"rate_limit_strike_window"`

	// Threat thresholds
	ChallengeThreshold         float64 `koanf:"challenge_threshold"`
	BanThreshold               float64 `koanf:"ban_threshold"`
	ParanoidChallengeThreshold float64 `koanf:"paranoid_challenge_threshold"`
	ParanoidBanThreshold       float64 `koanf:"paranoid_ban_threshold"`
	VelocityThreshold          int     `koanf:"velocity_threshold"`
	OversizedPayloadBytes      int     `koanf:"oversized_payload_bytes"`

	// Challenges
	ChallengeTTL           time.Duration `koanf:"challenge_ttl"`
	ChallengeMinDifficulty int           `koanf:"challenge_min_difficulty"`
	ChallengeMaxDifficulty int           `koanf:"challenge_max_difficulty"`
	VerifiedImmunityTTL    time.Duration `koanf:"verified_immunity_ttl"`
	ChallengeIssueLimit    int           `koanf:"challenge_issue_limit"`
	ChallengeIssueWindow   time.Duration `koanf:"challenge_issue_window"`

	// Bans
	BanBaseTTL       time.Duration `koanf:"ban_base_ttl"`
	BanEscalation    float64       `koanf:"ban_escalation"`
	BanMaxTTL        time.Duration `koanf:"ban_max_ttl"`
	BanHistoryTTL    time.Duration `koanf:"ban_history_ttl"`
	UnbanImmunityTTL time.Duration `koanf:"unban_immunity_ttl"`

	// Bypass
	BypassDailyQuota          int           `koanf:"bypass_daily_quota"`
	BypassMinTrust            int           `koanf:"bypass_min_trust"`
	BypassHighTrust           int           `koanf:"bypass_high_trust"`
	BypassImmunityTTL         time.Duration `koanf:"bypass_immunity_ttl"`
	BypassLowTrustImmunityTTL time.Duration `koanf:"bypass_low_trust_immunity_ttl"`

	// Audit & reporting
	AuditMaxEntries      int           `koanf:"audit_max_entries"`
	HealthCriticalBans   int           `koanf:"health_critical_bans"`
	HealthCriticalAlerts int           `koanf:"health_critical_alerts"`
	HealthWarningBans    int           `koanf:"health_warning_bans"`
	HealthWarningAlerts  int           `koanf:"health_warning_alerts"`
	ConfigCacheTTL       time.Duration `koanf:"config_cache_ttl"`

	// CrowdSec decision feed
	CrowdSecEnabled         bool          `koanf:"crowdsec_enabled"`
	CrowdSecLAPIURL         string        `koanf:"crowdsec_lapi_url"`
	CrowdSecLAPIKey         string        `koanf:"crowdsec_lapi_key"`
	CrowdSecLAPIVerifyTLS   bool          `koanf:"crowdsec_lapi_verify_tls"`
	CrowdSecOrigins         []string      `koanf:"crowdsec_origins"`
	CrowdSecPollInterval    time.Duration `koanf:"crowdsec_poll_interval"`
	LAPIMetricsPushInterval time.Duration `koanf:"lapi_metrics_push_interval"`
	BlockScenarioExclude    []string      `koanf:"block_scenario_exclude"`
	BlockWhitelist          []string      `koanf:"block_whitelist"`
	BlockMinDuration        time.Duration `koanf:"block_min_duration"`

	// Worker Pool
	PoolWorkers    int           `koanf:"pool_workers"`
	PoolQueueDepth int           `koanf:"pool_queue_depth"`
	PoolMaxRetries int           `koanf:"pool_max_retries"`
	PoolRetryBase  time.Duration `koanf:"pool_retry_base"`

	// Operational
	LogLevel        string        `koanf:"log_level"`
	LogFormat       string        `koanf:"log_format"`
	LogFile         string        `koanf:"log_file"`
	LogFileMaxMB    int           `koanf:"log_file_max_mb"`
	LogFileBackups  int           `koanf:"log_file_backups"`
	MetricsEnabled  bool          `koanf:"metrics_enabled"`
	MetricsAddr     string        `koanf:"metrics_addr"`
	HealthAddr      string        `koanf:"health_addr"`
	JanitorInterval time.Duration `koanf:"janitor_interval"`
}

// sanitise removes a single layer of matching surrounding quotes from all string
// fields and string slice elements. This normalises values from Docker --env-file
// which does not strip shell quoting.
func (c *Config) sanitise() {
	for _, p := range []*string{
		&c.AdminAPIKey, &c.StoreBackend, &c.StorePrefix, &c.RedisAddr, &c.RedisPassword,
		&c.DataDir, &c.ListenAddr, &c.UpstreamURL, &c.ChallengePath, &c.FailMode,
		&c.CrowdSecLAPIURL, &c.CrowdSecLAPIKey, &c.LogLevel, &c.LogFormat, &c.LogFile,
		&c.MetricsAddr, &c.HealthAddr,
	} {
		*p = stripEnvQuotes(*p)
	}

	for _, list := range [][]string{
		c.ExemptPrefixes, c.TrustedProxies, c.AdmissionAllow,
		c.CrowdSecOrigins, c.BlockScenarioExclude, c.BlockWhitelist,
	} {
		for i, s := range list {
			list[i] = stripEnvQuotes(s)
		}
	}
}

// defaults sets sensible default values.
func defaults() map[string]interface{} {
	return map[string]interface{}{
		"admin_rate_limit":              5.0,
		"admin_rate_burst":              20,
		"store_backend":                 "redis",
		"store_prefix":                  "immune:",
		"store_op_timeout":              "250ms",
		"redis_addr":                    "localhost:6379",
		"redis_db":                      0,
		"data_dir":                      "/data",
		"listen_addr":                   ":8080",
		"challenge_path":                "/challenge",
		"exempt_prefixes":               "/challenge,/admin/immune,/healthz,/readyz",
		"fail_mode":                     "closed",
		"max_body_bytes":                65536,
		"read_header_timeout":           "10s",
		"rate_limit_window":             "1m",
		"rate_limit_max":                10,
		"rate_limit_strikes":            30,
		"rate_limit_strike_window":      "10m",
		"challenge_threshold":           0.5,
		"ban_threshold":                 0.85,
		"paranoid_challenge_threshold":  0.3,
		"paranoid_ban_threshold":        0.7,
		"velocity_threshold":            8,
		"oversized_payload_bytes":       32768,
		"challenge_ttl":                 "10m",
		"challenge_min_difficulty":      2,
		"challenge_max_difficulty":      5,
		"verified_immunity_ttl":         "1h",
		"challenge_issue_limit":         20,
		"challenge_issue_window":        "10m",
		"ban_base_ttl":                  "1h",
		"ban_escalation":                2.0,
		"ban_max_ttl":                   "168h",
		"ban_history_ttl":               "720h",
		"unban_immunity_ttl":            "10m",
		"bypass_daily_quota":            3,
		"bypass_min_trust":              40,
		"bypass_high_trust":             70,
		"bypass_immunity_ttl":           "1h",
		"bypass_low_trust_immunity_ttl": "15m",
		"audit_max_entries":             1000,
		"health_critical_bans":          50,
		"health_critical_alerts":        10,
		"health_warning_bans":           10,
		"health_warning_alerts":         3,
		"config_cache_ttl":              "5s",
		"crowdsec_enabled":              false,
		"crowdsec_lapi_url":             "http://crowdsec:8080",
		"crowdsec_lapi_verify_tls":      true,
		"crowdsec_poll_interval":        "30s",
		"lapi_metrics_push_interval":    "30m",
		"pool_workers":                  4,
		"pool_queue_depth":              4096,
		"pool_max_retries":              3,
		"pool_retry_base":               "1s",
		"log_level":                     "info",
		"log_format":                    "json",
		"log_file_max_mb":               100,
		"log_file_backups":              3,
		"metrics_enabled":               true,
		"metrics_addr":                  ":9090",
		"health_addr":                   ":8081",
		"janitor_interval":              "5m",
	}
}

// stripEnvQuotes removes a single layer of matching surrounding single or double
// quotes from s. Only symmetric pairs are stripped: 'x' → x, "x" → x.
// Unpaired or mismatched quotes are left as-is.
func stripEnvQuotes(s string) string {
	if len(s) < 2 {
		return s
	}
	if (s[0] == '\'' && s[len(s)-1] == '\'') ||
		(s[0] == '"' && s[len(s)-1] == '"') {
		return s[1 : len(s)-1]
	}
	return s
}

// Load reads configuration from environment variables, applying _FILE secret injection.
func Load() (*Config, error) {
	// "." as delimiter keeps env vars with "_" flat: ADMIN_API_KEY → "admin_api_key".
	k := koanf.New(".")

	if err := k.Load(&rawProvider{data: defaults()}, nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if err := k.Load(env.Provider("", ".", func(s string) string {
		return strings.ToLower(s)
	}), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	if err := injectFileSecrets(k); err != nil {
		return nil, fmt.Errorf("inject file secrets: %w", err)
	}

	cfg := &Config{}
	if err := k.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Post-process comma-separated list fields that koanf won't split automatically
	cfg.ExemptPrefixes = splitCSV(k.String("exempt_prefixes"))
	cfg.TrustedProxies = splitCSV(k.String("trusted_proxies"))
	cfg.AdmissionAllow = splitCSV(k.String("admission_allowlist"))
	cfg.CrowdSecOrigins = splitCSV(k.String("crowdsec_origins"))
	cfg.BlockScenarioExclude = splitCSV(k.String("block_scenario_exclude"))
	cfg.BlockWhitelist = splitCSV(k.String("block_whitelist"))

	cfg.sanitise()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks required fields and semantic constraints.
func (c *Config) Validate() error {
	if c.AdminAPIKey == "" {
		return fmt.Errorf("ADMIN_API_KEY is required")
	}
	if len(c.AdminAPIKey) < 16 {
		return fmt.Errorf("ADMIN_API_KEY must be at least 16 characters")
	}

	switch c.StoreBackend {
	case "redis":
		if c.RedisAddr == "" {
			return fmt.Errorf("REDIS_ADDR is required when STORE_BACKEND=redis")
		}
	case "bolt":
		if c.DataDir == "" {
			return fmt.Errorf("DATA_DIR is required when STORE_BACKEND=bolt")
		}
	default:
		return fmt.Errorf("STORE_BACKEND must be redis or bolt; got %q", c.StoreBackend)
	}
	if c.StoreOpTimeout <= 0 {
		return fmt.Errorf("STORE_OP_TIMEOUT must be > 0; got %s", c.StoreOpTimeout)
	}

	if c.FailMode != "closed" && c.FailMode != "open" {
		return fmt.Errorf("FAIL_MODE must be closed or open; got %q", c.FailMode)
	}

	if !strings.HasPrefix(c.ChallengePath, "/") {
		return fmt.Errorf("CHALLENGE_PATH must start with /; got %q", c.ChallengePath)
	}
	for _, p := range c.ExemptPrefixes {
		if !strings.HasPrefix(p, "/") {
			return fmt.Errorf("EXEMPT_PREFIXES: %q must start with /", p)
		}
	}

	if c.UpstreamURL != "" {
		u, err := url.Parse(c.UpstreamURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("UPSTREAM_URL must be an absolute http(s) URL; got %q", c.UpstreamURL)
		}
	}

	if c.RateLimitMax < 1 {
		return fmt.Errorf("RATE_LIMIT_MAX must be >= 1; got %d", c.RateLimitMax)
	}
	if c.RateLimitWindow <= 0 {
		return fmt.Errorf("RATE_LIMIT_WINDOW must be > 0; got %s", c.RateLimitWindow)
	}
	if c.RateLimitStrikes < 0 {
		return fmt.Errorf("RATE_LIMIT_STRIKES must be >= 0; got %d", c.RateLimitStrikes)
	}

	for _, th := range []struct {
		name           string
		challenge, ban float64
	}{
		{"CHALLENGE_THRESHOLD/BAN_THRESHOLD", c.ChallengeThreshold, c.BanThreshold},
		{"PARANOID_CHALLENGE_THRESHOLD/PARANOID_BAN_THRESHOLD", c.ParanoidChallengeThreshold, c.ParanoidBanThreshold},
	} {
		if th.challenge <= 0 || th.ban > 1 || th.challenge >= th.ban {
			return fmt.Errorf("%s must satisfy 0 < challenge < ban <= 1; got %v/%v", th.name, th.challenge, th.ban)
		}
	}
	if c.ParanoidChallengeThreshold > c.ChallengeThreshold || c.ParanoidBanThreshold > c.BanThreshold {
		return fmt.Errorf("paranoid thresholds must not exceed the normal thresholds")
	}

	if c.ChallengeMinDifficulty < 0 || c.ChallengeMaxDifficulty > 16 || c.ChallengeMinDifficulty > c.ChallengeMaxDifficulty {
		return fmt.Errorf("CHALLENGE_MIN_DIFFICULTY/CHALLENGE_MAX_DIFFICULTY must satisfy 0 <= min <= max <= 16; got %d/%d",
			c.ChallengeMinDifficulty, c.ChallengeMaxDifficulty)
	}
	if c.ChallengeTTL <= 0 {
		return fmt.Errorf("CHALLENGE_TTL must be > 0; got %s", c.ChallengeTTL)
	}
	if c.ChallengeIssueLimit < 0 {
		return fmt.Errorf("CHALLENGE_ISSUE_LIMIT must be >= 0; got %d", c.ChallengeIssueLimit)
	}
	if c.ChallengeIssueLimit > 0 && c.ChallengeIssueWindow <= 0 {
		return fmt.Errorf("CHALLENGE_ISSUE_WINDOW must be > 0 when CHALLENGE_ISSUE_LIMIT is set; got %s", c.ChallengeIssueWindow)
	}

	if c.BanBaseTTL <= 0 || c.BanMaxTTL < c.BanBaseTTL {
		return fmt.Errorf("BAN_BASE_TTL must be > 0 and <= BAN_MAX_TTL; got %s/%s", c.BanBaseTTL, c.BanMaxTTL)
	}
	if c.BanEscalation < 1 {
		return fmt.Errorf("BAN_ESCALATION must be >= 1; got %v", c.BanEscalation)
	}

	if c.BypassDailyQuota < 0 {
		return fmt.Errorf("BYPASS_DAILY_QUOTA must be >= 0; got %d", c.BypassDailyQuota)
	}
	if c.BypassMinTrust < 0 || c.BypassHighTrust > 100 || c.BypassMinTrust > c.BypassHighTrust {
		return fmt.Errorf("BYPASS_MIN_TRUST/BYPASS_HIGH_TRUST must satisfy 0 <= min <= high <= 100; got %d/%d",
			c.BypassMinTrust, c.BypassHighTrust)
	}

	if c.AuditMaxEntries < 1 {
		return fmt.Errorf("AUDIT_MAX_ENTRIES must be >= 1; got %d", c.AuditMaxEntries)
	}

	if c.AdminRateLimit <= 0 || c.AdminRateBurst < 1 {
		return fmt.Errorf("ADMIN_RATE_LIMIT must be > 0 and ADMIN_RATE_BURST >= 1; got %v/%d", c.AdminRateLimit, c.AdminRateBurst)
	}

	for _, set := range []struct {
		name    string
		entries []string
	}{
		{"TRUSTED_PROXIES", c.TrustedProxies},
		{"ADMISSION_ALLOWLIST", c.AdmissionAllow},
		{"BLOCK_WHITELIST", c.BlockWhitelist},
	} {
		if err := validateIPList(set.name, set.entries); err != nil {
			return err
		}
	}

	validLogLevels := map[string]bool{
		"trace": true, "debug": true, "info": true,
		"warn": true, "error": true, "fatal": true, "panic": true,
	}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of trace,debug,info,warn,error,fatal,panic; got %q", c.LogLevel)
	}

	if c.LogFormat != "json" && c.LogFormat != "text" {
		return fmt.Errorf("LOG_FORMAT must be json or text; got %q", c.LogFormat)
	}

	if c.CrowdSecEnabled {
		if c.CrowdSecLAPIKey == "" {
			return fmt.Errorf("CROWDSEC_LAPI_KEY is required when CROWDSEC_ENABLED=true")
		}
		if !strings.HasPrefix(c.CrowdSecLAPIURL, "http://") && !strings.HasPrefix(c.CrowdSecLAPIURL, "https://") {
			return fmt.Errorf("CROWDSEC_LAPI_URL must start with http:// or https://; got %q", c.CrowdSecLAPIURL)
		}
		if c.PoolWorkers < 1 || c.PoolWorkers > 64 {
			return fmt.Errorf("POOL_WORKERS must be 1–64; got %d", c.PoolWorkers)
		}
		if c.PoolQueueDepth < 1 {
			return fmt.Errorf("POOL_QUEUE_DEPTH must be >= 1; got %d", c.PoolQueueDepth)
		}
	}

	if c.JanitorInterval <= 0 {
		return fmt.Errorf("JANITOR_INTERVAL must be > 0; got %s", c.JanitorInterval)
	}

	return nil
}

func validateIPList(name string, entries []string) error {
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if strings.Contains(entry, "/") {
			if _, _, err := net.ParseCIDR(entry); err != nil {
				return fmt.Errorf("%s: invalid CIDR %q: %w", name, entry, err)
			}
		} else if net.ParseIP(entry) == nil {
			return fmt.Errorf("%s: invalid IP address %q", name, entry)
		}
	}
	return nil
}

// fileSecretKeys may be supplied as <KEY>_FILE pointing at a mounted secret.
var fileSecretKeys = []string{
	"admin_api_key",
	"redis_password",
	"crowdsec_lapi_key",
}

// injectFileSecrets reads _FILE env vars and injects their file contents.
func injectFileSecrets(k *koanf.Koanf) error {
	for _, key := range fileSecretKeys {
		fileKey := key + "_file"
		filePath := k.String(fileKey)
		if filePath == "" {
			filePath = os.Getenv(strings.ToUpper(key) + "_FILE")
		}
		if filePath == "" {
			continue
		}
		filePath = stripEnvQuotes(filePath)
		content, err := os.ReadFile(filePath)
		if err != nil {
			return fmt.Errorf("reading secret file for %s (%s): %w", key, filePath, err)
		}
		if err := k.Set(key, strings.TrimSpace(string(content))); err != nil {
			return fmt.Errorf("setting %s from file: %w", key, err)
		}
	}
	return nil
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}

// rawProvider implements koanf.Provider for a map[string]interface{}.
type rawProvider struct {
	data map[string]interface{}
}

// Read returns the config map directly (no Parser needed).
func (r *rawProvider) Read() (map[string]interface{}, error) {
	return r.data, nil
}

// ReadBytes is not used by rawProvider; koanf calls Read() when no Parser is given.
func (r *rawProvider) ReadBytes() ([]byte, error) {
	return nil, fmt.Errorf("rawProvider does not support ReadBytes")
}
