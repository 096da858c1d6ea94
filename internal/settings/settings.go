// Package settings layers runtime-mutable configuration over the static
// config. Effective precedence for every key is environment variable, then
// database override, then file/default value. Keys whose environment variable
// is set are "locked": the database override is ignored and the admin API is
// refused writes, so restarts cannot silently flip operator-pinned values.
package settings

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/stamns/flow2api/internal/config"
)

var (
	// ErrUnknownKey is returned for keys outside the settings schema.
	ErrUnknownKey = errors.New("unknown setting")
	// ErrLocked is returned when an env-pinned key is written.
	ErrLocked = errors.New("setting locked by environment")
)

// Store is the slice of persistence the manager needs.
type Store interface {
	ListSettings(ctx context.Context) (map[string]string, error)
	SetSetting(ctx context.Context, key, value string) error
	DeleteSetting(ctx context.Context, key string) error
}

// Key names a runtime-adjustable setting. The string form doubles as the
// app_settings row key.
type Key string

const (
	KeyErrorBanThreshold Key = "generation.error_ban_threshold"
	KeyImageTimeout      Key = "generation.image_timeout"
	KeyVideoTimeout      Key = "generation.video_timeout"
	KeyPollInterval      Key = "generation.poll_interval"
	KeyMaxPollAttempts   Key = "generation.max_poll_attempts"
	KeyCacheEnabled      Key = "cache.enabled"
	KeyCacheTTL          Key = "cache.ttl"
	KeyCacheBaseURL      Key = "cache.base_url"
	KeyProxyEnabled      Key = "proxy.enabled"
	KeyProxyURL          Key = "proxy.url"
	KeyDebugEnabled      Key = "debug.enabled"
	KeyDebugLogRequests  Key = "debug.log_requests"
	KeyDebugLogResponses Key = "debug.log_responses"
	KeyDebugMaskToken    Key = "debug.mask_token"
	KeyAPIKey            Key = "auth.api_key"
	KeyAdminUsername     Key = "admin.username"
	KeyAdminPassword     Key = "admin.password"
)

type kind int

const (
	kindString kind = iota
	kindBool
	kindInt
	kindDuration
)

var keyKinds = map[Key]kind{
	KeyErrorBanThreshold: kindInt,
	KeyImageTimeout:      kindDuration,
	KeyVideoTimeout:      kindDuration,
	KeyPollInterval:      kindDuration,
	KeyMaxPollAttempts:   kindInt,
	KeyCacheEnabled:      kindBool,
	KeyCacheTTL:          kindDuration,
	KeyCacheBaseURL:      kindString,
	KeyProxyEnabled:      kindBool,
	KeyProxyURL:          kindString,
	KeyDebugEnabled:      kindBool,
	KeyDebugLogRequests:  kindBool,
	KeyDebugLogResponses: kindBool,
	KeyDebugMaskToken:    kindBool,
	KeyAPIKey:            kindString,
	KeyAdminUsername:     kindString,
	KeyAdminPassword:     kindString,
}

// Snapshot is one consistent view of the effective runtime settings. The
// orchestrator reads a fresh snapshot per task rather than holding a global.
type Snapshot struct {
	ErrorBanThreshold int
	ImageTimeout      time.Duration
	VideoTimeout      time.Duration
	PollInterval      time.Duration
	MaxPollAttempts   int

	CacheEnabled bool
	CacheTTL     time.Duration
	CacheBaseURL string

	ProxyEnabled bool
	ProxyURL     string

	DebugEnabled      bool
	DebugLogRequests  bool
	DebugLogResponses bool
	DebugMaskToken    bool

	APIKey        string
	AdminUsername string
	AdminPassword string
}

// TimeoutFor returns the generation wall-clock budget for a media type.
func (s Snapshot) TimeoutFor(mediaIsVideo bool) time.Duration {
	if mediaIsVideo {
		return s.VideoTimeout
	}
	return s.ImageTimeout
}

// EffectiveProxyURL returns the proxy URL when proxying is enabled.
func (s Snapshot) EffectiveProxyURL() string {
	if s.ProxyEnabled && strings.TrimSpace(s.ProxyURL) != "" {
		return s.ProxyURL
	}
	return ""
}

// Manager resolves effective settings and persists admin overrides.
type Manager struct {
	st     Store
	logger *slog.Logger

	mu        sync.RWMutex
	base      Snapshot
	overrides map[Key]string
}

func NewManager(cfg *config.Config, st Store, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		st:     st,
		logger: logger,
		base: Snapshot{
			ErrorBanThreshold: cfg.Generation.ErrorBanThreshold,
			ImageTimeout:      cfg.Generation.ImageTimeout,
			VideoTimeout:      cfg.Generation.VideoTimeout,
			PollInterval:      cfg.Generation.PollInterval,
			MaxPollAttempts:   cfg.Generation.MaxPollAttempts,
			CacheEnabled:      cfg.Cache.Enabled,
			CacheTTL:          cfg.Cache.TTL,
			CacheBaseURL:      cfg.Cache.BaseURL,
			ProxyEnabled:      cfg.Proxy.Enabled,
			ProxyURL:          cfg.Proxy.URL,
			DebugEnabled:      cfg.Debug.Enabled,
			DebugLogRequests:  cfg.Debug.LogRequests,
			DebugLogResponses: cfg.Debug.LogResponses,
			DebugMaskToken:    cfg.Debug.MaskToken,
			APIKey:            cfg.Auth.APIKey,
			AdminUsername:     cfg.Admin.Username,
			AdminPassword:     cfg.Admin.Password,
		},
		overrides: make(map[Key]string),
	}
}

// Load pulls the database overrides. Unknown keys are dropped with a warning
// so schema drift never blocks startup.
func (m *Manager) Load(ctx context.Context) error {
	rows, err := m.st.ListSettings(ctx)
	if err != nil {
		return fmt.Errorf("load settings: %w", err)
	}

	overrides := make(map[Key]string, len(rows))
	for rawKey, value := range rows {
		key := Key(rawKey)
		if _, ok := keyKinds[key]; !ok {
			m.logger.Warn("settings: ignoring unknown key", slog.String("key", rawKey))
			continue
		}
		if _, err := parseValue(key, value); err != nil {
			m.logger.Warn("settings: ignoring invalid value", slog.String("key", rawKey), slog.String("error", err.Error()))
			continue
		}
		overrides[key] = value
	}

	m.mu.Lock()
	m.overrides = overrides
	m.mu.Unlock()
	return nil
}

// Current returns the effective snapshot (env > db > file).
func (m *Manager) Current() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snap := m.base
	for key := range keyKinds {
		if Locked(key) {
			continue
		}
		if value, ok := m.overrides[key]; ok {
			applyValue(&snap, key, value)
		}
	}
	return snap
}

// Update validates and persists one override, then applies it in memory.
// Env-locked keys are refused.
func (m *Manager) Update(ctx context.Context, key Key, value string) error {
	if _, ok := keyKinds[key]; !ok {
		return fmt.Errorf("%w: %q", ErrUnknownKey, key)
	}
	if Locked(key) {
		return fmt.Errorf("%w: %q is pinned by %s", ErrLocked, key, EnvVar(key))
	}
	if _, err := parseValue(key, value); err != nil {
		return fmt.Errorf("invalid value for %q: %w", key, err)
	}

	if err := m.st.SetSetting(ctx, string(key), value); err != nil {
		return err
	}

	m.mu.Lock()
	m.overrides[key] = value
	m.mu.Unlock()
	return nil
}

// Reset removes one override, reverting the key to its file/env value.
func (m *Manager) Reset(ctx context.Context, key Key) error {
	if _, ok := keyKinds[key]; !ok {
		return fmt.Errorf("%w: %q", ErrUnknownKey, key)
	}
	if err := m.st.DeleteSetting(ctx, string(key)); err != nil {
		return err
	}

	m.mu.Lock()
	delete(m.overrides, key)
	m.mu.Unlock()
	return nil
}

// Seed writes the resolved startup values for all unlocked keys when the
// settings table is still empty, so a fresh install is editable in place.
func (m *Manager) Seed(ctx context.Context) error {
	rows, err := m.st.ListSettings(ctx)
	if err != nil {
		return err
	}
	if len(rows) > 0 {
		return nil
	}

	m.mu.RLock()
	base := m.base
	m.mu.RUnlock()

	for key := range keyKinds {
		if Locked(key) {
			continue
		}
		if err := m.st.SetSetting(ctx, string(key), formatValue(base, key)); err != nil {
			return err
		}
	}
	return nil
}

// Values returns the formatted effective value for every key.
func (m *Manager) Values() map[Key]string {
	snap := m.Current()
	out := make(map[Key]string, len(keyKinds))
	for key := range keyKinds {
		out[key] = formatValue(snap, key)
	}
	return out
}

// LockedKeys reports which settings are pinned by environment variables.
func (m *Manager) LockedKeys() map[Key]bool {
	out := make(map[Key]bool, len(keyKinds))
	for key := range keyKinds {
		out[key] = Locked(key)
	}
	return out
}

// EnvVar returns the environment variable that pins a key, e.g.
// generation.image_timeout -> FLOW2API_GENERATION_IMAGE_TIMEOUT.
func EnvVar(key Key) string {
	name := strings.ToUpper(strings.ReplaceAll(string(key), ".", "_"))
	return config.EnvPrefix + "_" + name
}

// Locked reports whether the key's environment variable is set.
func Locked(key Key) bool {
	_, ok := os.LookupEnv(EnvVar(key))
	return ok
}

func parseValue(key Key, value string) (any, error) {
	switch keyKinds[key] {
	case kindBool:
		return strconv.ParseBool(strings.TrimSpace(value))
	case kindInt:
		return strconv.Atoi(strings.TrimSpace(value))
	case kindDuration:
		d, err := time.ParseDuration(strings.TrimSpace(value))
		if err != nil {
			return nil, err
		}
		if d <= 0 {
			return nil, fmt.Errorf("duration must be > 0")
		}
		return d, nil
	default:
		return value, nil
	}
}

func applyValue(snap *Snapshot, key Key, value string) {
	parsed, err := parseValue(key, value)
	if err != nil {
		return
	}
	switch key {
	case KeyErrorBanThreshold:
		snap.ErrorBanThreshold = parsed.(int)
	case KeyImageTimeout:
		snap.ImageTimeout = parsed.(time.Duration)
	case KeyVideoTimeout:
		snap.VideoTimeout = parsed.(time.Duration)
	case KeyPollInterval:
		snap.PollInterval = parsed.(time.Duration)
	case KeyMaxPollAttempts:
		snap.MaxPollAttempts = parsed.(int)
	case KeyCacheEnabled:
		snap.CacheEnabled = parsed.(bool)
	case KeyCacheTTL:
		snap.CacheTTL = parsed.(time.Duration)
	case KeyCacheBaseURL:
		snap.CacheBaseURL = parsed.(string)
	case KeyProxyEnabled:
		snap.ProxyEnabled = parsed.(bool)
	case KeyProxyURL:
		snap.ProxyURL = parsed.(string)
	case KeyDebugEnabled:
		snap.DebugEnabled = parsed.(bool)
	case KeyDebugLogRequests:
		snap.DebugLogRequests = parsed.(bool)
	case KeyDebugLogResponses:
		snap.DebugLogResponses = parsed.(bool)
	case KeyDebugMaskToken:
		snap.DebugMaskToken = parsed.(bool)
	case KeyAPIKey:
		snap.APIKey = parsed.(string)
	case KeyAdminUsername:
		snap.AdminUsername = parsed.(string)
	case KeyAdminPassword:
		snap.AdminPassword = parsed.(string)
	}
}

func formatValue(snap Snapshot, key Key) string {
	switch key {
	case KeyErrorBanThreshold:
		return strconv.Itoa(snap.ErrorBanThreshold)
	case KeyImageTimeout:
		return snap.ImageTimeout.String()
	case KeyVideoTimeout:
		return snap.VideoTimeout.String()
	case KeyPollInterval:
		return snap.PollInterval.String()
	case KeyMaxPollAttempts:
		return strconv.Itoa(snap.MaxPollAttempts)
	case KeyCacheEnabled:
		return strconv.FormatBool(snap.CacheEnabled)
	case KeyCacheTTL:
		return snap.CacheTTL.String()
	case KeyCacheBaseURL:
		return snap.CacheBaseURL
	case KeyProxyEnabled:
		return strconv.FormatBool(snap.ProxyEnabled)
	case KeyProxyURL:
		return snap.ProxyURL
	case KeyDebugEnabled:
		return strconv.FormatBool(snap.DebugEnabled)
	case KeyDebugLogRequests:
		return strconv.FormatBool(snap.DebugLogRequests)
	case KeyDebugLogResponses:
		return strconv.FormatBool(snap.DebugLogResponses)
	case KeyDebugMaskToken:
		return strconv.FormatBool(snap.DebugMaskToken)
	case KeyAPIKey:
		return snap.APIKey
	case KeyAdminUsername:
		return snap.AdminUsername
	case KeyAdminPassword:
		return snap.AdminPassword
	}
	return ""
}
