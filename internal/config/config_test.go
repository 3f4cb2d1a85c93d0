package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

const testAdminKey = "0123456789abcdef-admin"

func setEnv(t *testing.T, key, val string) {
	t.Helper()
	t.Setenv(key, val)
}

// baseEnv sets the minimum required fields for a valid config and clears
// fields that might cause spurious validation failures between test cases.
func baseEnv(t *testing.T) {
	t.Helper()
	setEnv(t, "ADMIN_API_KEY", testAdminKey)
	for _, k := range []string{
		"ADMIN_API_KEY_FILE", "STORE_BACKEND", "FAIL_MODE", "LOG_LEVEL", "LOG_FORMAT",
		"TRUSTED_PROXIES", "ADMISSION_ALLOWLIST", "BLOCK_WHITELIST", "CROWDSEC_ENABLED",
		"CROWDSEC_LAPI_URL", "CROWDSEC_LAPI_KEY", "POOL_WORKERS", "POOL_QUEUE_DEPTH",
		"JANITOR_INTERVAL", "UPSTREAM_URL", "CHALLENGE_THRESHOLD", "BAN_THRESHOLD",
		"EXEMPT_PREFIXES", "RATE_LIMIT_MAX",
	} {
		os.Unsetenv(k)
	}
}

func TestLoadMissingAdminKey(t *testing.T) {
	baseEnv(t)
	os.Unsetenv("ADMIN_API_KEY")

	_, err := Load()
	if err == nil {
		t.Fatal("expected error when ADMIN_API_KEY missing")
	}
}

func TestLoadMinimalValid(t *testing.T) {
	baseEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.AdminAPIKey != testAdminKey {
		t.Errorf("AdminAPIKey: got %q", cfg.AdminAPIKey)
	}
}

func TestFileSecretInjection(t *testing.T) {
	baseEnv(t)
	os.Unsetenv("ADMIN_API_KEY")
	dir := t.TempDir()
	keyFile := filepath.Join(dir, "admin_key.txt")
	if err := os.WriteFile(keyFile, []byte("  secret-from-file-0001  \n"), 0600); err != nil {
		t.Fatal(err)
	}
	setEnv(t, "ADMIN_API_KEY_FILE", keyFile)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load with file secret: %v", err)
	}
	if cfg.AdminAPIKey != "secret-from-file-0001" {
		t.Errorf("expected trimmed file secret, got %q", cfg.AdminAPIKey)
	}
}

func TestFileSecretMissingFile(t *testing.T) {
	baseEnv(t)
	setEnv(t, "REDIS_PASSWORD_FILE", filepath.Join(t.TempDir(), "nope"))

	if _, err := Load(); err == nil {
		t.Fatal("expected error for unreadable secret file")
	}
}

func TestDefaults(t *testing.T) {
	baseEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	checks := []struct {
		name string
		got  interface{}
		want interface{}
	}{
		{"StoreBackend", cfg.StoreBackend, "redis"},
		{"StorePrefix", cfg.StorePrefix, "immune:"},
		{"FailMode", cfg.FailMode, "closed"},
		{"ChallengePath", cfg.ChallengePath, "/challenge"},
		{"RateLimitMax", cfg.RateLimitMax, 10},
		{"RateLimitWindow", cfg.RateLimitWindow, time.Minute},
		{"ChallengeThreshold", cfg.ChallengeThreshold, 0.5},
		{"BanThreshold", cfg.BanThreshold, 0.85},
		{"ParanoidChallengeThreshold", cfg.ParanoidChallengeThreshold, 0.3},
		{"ParanoidBanThreshold", cfg.ParanoidBanThreshold, 0.7},
		{"ChallengeTTL", cfg.ChallengeTTL, 10 * time.Minute},
		{"ChallengeMinDifficulty", cfg.ChallengeMinDifficulty, 2},
		{"ChallengeMaxDifficulty", cfg.ChallengeMaxDifficulty, 5},
		{"ChallengeIssueLimit", cfg.ChallengeIssueLimit, 20},
		{"ChallengeIssueWindow", cfg.ChallengeIssueWindow, 10 * time.Minute},
		{"BanBaseTTL", cfg.BanBaseTTL, time.Hour},
		{"UnbanImmunityTTL", cfg.UnbanImmunityTTL, 10 * time.Minute},
		{"BypassDailyQuota", cfg.BypassDailyQuota, 3},
		{"BypassLowTrustImmunityTTL", cfg.BypassLowTrustImmunityTTL, 15 * time.Minute},
		{"AuditMaxEntries", cfg.AuditMaxEntries, 1000},
		{"ConfigCacheTTL", cfg.ConfigCacheTTL, 5 * time.Second},
		{"CrowdSecEnabled", cfg.CrowdSecEnabled, false},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("default %s: got %v, want %v", c.name, c.got, c.want)
		}
	}
	if len(cfg.ExemptPrefixes) != 4 || cfg.ExemptPrefixes[0] != "/challenge" {
		t.Errorf("default ExemptPrefixes: got %v", cfg.ExemptPrefixes)
	}
}

func TestListParsingAndQuotes(t *testing.T) {
	baseEnv(t)
	setEnv(t, "TRUSTED_PROXIES", `"10.0.0.0/8", 192.168.1.1`)
	setEnv(t, "UPSTREAM_URL", `'http://app:3000'`)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.TrustedProxies) != 2 || cfg.TrustedProxies[0] != "10.0.0.0/8" {
		t.Errorf("TrustedProxies: got %v", cfg.TrustedProxies)
	}
	if cfg.UpstreamURL != "http://app:3000" {
		t.Errorf("UpstreamURL: got %q", cfg.UpstreamURL)
	}
}

func TestValidation(t *testing.T) {
	cases := []struct {
		name    string
		setup   func(t *testing.T)
		wantErr bool
	}{
		{"valid_minimal", func(t *testing.T) {}, false},
		{"short_admin_key", func(t *testing.T) { setEnv(t, "ADMIN_API_KEY", "short") }, true},
		{"invalid_store_backend", func(t *testing.T) { setEnv(t, "STORE_BACKEND", "memcached") }, true},
		{"valid_store_backend_bolt", func(t *testing.T) { setEnv(t, "STORE_BACKEND", "bolt") }, false},
		{"invalid_fail_mode", func(t *testing.T) { setEnv(t, "FAIL_MODE", "maybe") }, true},
		{"valid_fail_mode_open", func(t *testing.T) { setEnv(t, "FAIL_MODE", "open") }, false},
		{"invalid_log_level", func(t *testing.T) { setEnv(t, "LOG_LEVEL", "invalid") }, true},
		{"valid_log_format_text", func(t *testing.T) { setEnv(t, "LOG_FORMAT", "text") }, false},
		{"invalid_log_format", func(t *testing.T) { setEnv(t, "LOG_FORMAT", "yaml") }, true},
		{"invalid_trusted_proxy", func(t *testing.T) { setEnv(t, "TRUSTED_PROXIES", "not-an-ip") }, true},
		{"valid_allowlist_cidr", func(t *testing.T) { setEnv(t, "ADMISSION_ALLOWLIST", "192.168.0.0/16") }, false},
		{"invalid_upstream_scheme", func(t *testing.T) { setEnv(t, "UPSTREAM_URL", "ftp://host") }, true},
		{"thresholds_inverted", func(t *testing.T) {
			setEnv(t, "CHALLENGE_THRESHOLD", "0.9")
			setEnv(t, "BAN_THRESHOLD", "0.5")
		}, true},
		{"relative_exempt_prefix", func(t *testing.T) { setEnv(t, "EXEMPT_PREFIXES", "challenge") }, true},
		{"zero_rate_limit", func(t *testing.T) { setEnv(t, "RATE_LIMIT_MAX", "0") }, true},
		{"negative_issue_limit", func(t *testing.T) { setEnv(t, "CHALLENGE_ISSUE_LIMIT", "-1") }, true},
		{"issue_limit_without_window", func(t *testing.T) { setEnv(t, "CHALLENGE_ISSUE_WINDOW", "0s") }, true},
		{"issue_limit_disabled", func(t *testing.T) {
			setEnv(t, "CHALLENGE_ISSUE_LIMIT", "0")
			setEnv(t, "CHALLENGE_ISSUE_WINDOW", "0s")
		}, false},
		{"invalid_janitor_interval_zero", func(t *testing.T) { setEnv(t, "JANITOR_INTERVAL", "0s") }, true},
		{"crowdsec_enabled_without_key", func(t *testing.T) { setEnv(t, "CROWDSEC_ENABLED", "true") }, true},
		{"crowdsec_enabled_bad_url", func(t *testing.T) {
			setEnv(t, "CROWDSEC_ENABLED", "true")
			setEnv(t, "CROWDSEC_LAPI_KEY", "lapi-key")
			setEnv(t, "CROWDSEC_LAPI_URL", "ftp://host")
		}, true},
		{"crowdsec_enabled_bad_pool", func(t *testing.T) {
			setEnv(t, "CROWDSEC_ENABLED", "true")
			setEnv(t, "CROWDSEC_LAPI_KEY", "lapi-key")
			setEnv(t, "POOL_WORKERS", "100")
		}, true},
		{"crowdsec_enabled_valid", func(t *testing.T) {
			setEnv(t, "CROWDSEC_ENABLED", "true")
			setEnv(t, "CROWDSEC_LAPI_KEY", "lapi-key")
			setEnv(t, "BLOCK_WHITELIST", "10.0.0.1")
		}, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			baseEnv(t)
			tc.setup(t)

			_, err := Load()
			if tc.wantErr && err == nil {
				t.Errorf("expected validation error, got nil")
			} else if !tc.wantErr && err != nil {
				t.Errorf("expected no error, got: %v", err)
			}
		})
	}
}

func TestStripEnvQuotes(t *testing.T) {
	cases := map[string]string{
		`"abc"`: "abc",
		`'abc'`: "abc",
		`"abc'`: `"abc'`,
		`"`:     `"`,
		"plain": "plain",
	}
	for in, want := range cases {
		if got := stripEnvQuotes(in); got != want {
			t.Errorf("stripEnvQuotes(%q) = %q, want %q", in, got, want)
		}
	}
}
