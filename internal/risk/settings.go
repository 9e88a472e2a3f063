package risk

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// Setting names as stored in the risk_settings table.
const (
	SettingReviewThreshold         = "review_threshold"
	SettingBlockThreshold          = "block_threshold"
	SettingReviewFirstTransferOnly = "review_first_transfer_only"
	SettingNewAccountAgeHours      = "new_account_age_hours"
)

// Settings is a read-only snapshot of the operator-tunable thresholds.
// Amounts are in minor units.
type Settings struct {
	ReviewThreshold         int64         `json:"review_threshold"`
	BlockThreshold          int64         `json:"block_threshold"`
	ReviewFirstTransferOnly bool          `json:"review_first_transfer_only"`
	NewAccountAge           time.Duration `json:"new_account_age"`
}

// DefaultSettings applies when a setting has not been seeded.
func DefaultSettings() Settings {
	return Settings{
		ReviewThreshold:         50_000,    // 500.00
		BlockThreshold:          1_000_000, // 10,000.00
		ReviewFirstTransferOnly: true,
		NewAccountAge:           0,
	}
}

// FromMap overlays named values onto the defaults.
func FromMap(values map[string]float64) Settings {
	s := DefaultSettings()
	if v, ok := values[SettingReviewThreshold]; ok {
		s.ReviewThreshold = int64(v)
	}
	if v, ok := values[SettingBlockThreshold]; ok {
		s.BlockThreshold = int64(v)
	}
	if v, ok := values[SettingReviewFirstTransferOnly]; ok {
		s.ReviewFirstTransferOnly = v != 0
	}
	if v, ok := values[SettingNewAccountAgeHours]; ok {
		s.NewAccountAge = time.Duration(v * float64(time.Hour))
	}
	return s
}

// Source yields the current settings snapshot.
type Source interface {
	Current(ctx context.Context) (Settings, error)
}

// Loader reads raw named settings, typically the store.
type Loader interface {
	LoadRiskSettings(ctx context.Context) (map[string]float64, error)
}

// StoreSource reads settings from storage on every call.
type StoreSource struct {
	loader Loader
}

func NewStoreSource(l Loader) *StoreSource {
	return &StoreSource{loader: l}
}

func (s *StoreSource) Current(ctx context.Context) (Settings, error) {
	values, err := s.loader.LoadRiskSettings(ctx)
	if err != nil {
		return Settings{}, fmt.Errorf("load risk settings: %w", err)
	}
	return FromMap(values), nil
}

// CachedSource keeps the snapshot in redis for ttl. Staleness only shifts
// risk sensitivity; redis errors fall through to the underlying source.
type CachedSource struct {
	next   Source
	client redis.UniversalClient
	key    string
	ttl    time.Duration
	logger *slog.Logger
}

func NewCachedSource(next Source, client redis.UniversalClient, key string, ttl time.Duration, logger *slog.Logger) *CachedSource {
	if key == "" {
		key = "wallet:risk_settings"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CachedSource{next: next, client: client, key: key, ttl: ttl, logger: logger.With("component", "risk_settings")}
}

func (c *CachedSource) Current(ctx context.Context) (Settings, error) {
	if c.client == nil || c.ttl <= 0 {
		return c.next.Current(ctx)
	}

	raw, err := c.client.Get(ctx, c.key).Bytes()
	switch {
	case err == nil:
		var s Settings
		if jsonErr := json.Unmarshal(raw, &s); jsonErr == nil {
			return s, nil
		}
		c.logger.Warn("discarding malformed cached settings", "key", c.key)
	case !errors.Is(err, redis.Nil):
		c.logger.Warn("settings cache read failed", "err", err)
	}

	s, err := c.next.Current(ctx)
	if err != nil {
		return Settings{}, err
	}
	if body, jsonErr := json.Marshal(s); jsonErr == nil {
		if setErr := c.client.Set(ctx, c.key, body, c.ttl).Err(); setErr != nil {
			c.logger.Warn("settings cache write failed", "err", setErr)
		}
	}
	return s, nil
}
