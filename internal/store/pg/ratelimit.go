package pg

import (
	"context"
	"time"

	"dispatchq/internal/domain"
)

// GetRateLimitConfig returns the tenant's dispatch budget configuration,
// provisioning the defaults on first access. The upsert is a no-op when the
// row exists; RETURNING gives us whichever row won.
func (s *Store) GetRateLimitConfig(ctx context.Context, tenantID string, now time.Time) (domain.RateLimitConfig, error) {
	row := s.DB.QueryRow(ctx, `
		INSERT INTO rate_limit_configs (tenant_id, messages_per_minute, messages_per_hour, inter_message_delay_ms, enabled, updated_at)
		VALUES ($1,$2,$3,$4,TRUE,$5)
		ON CONFLICT (tenant_id) DO UPDATE SET updated_at = rate_limit_configs.updated_at
		RETURNING messages_per_minute, messages_per_hour, inter_message_delay_ms, enabled
	`, tenantID, domain.DefaultMessagesPerMinute, domain.DefaultMessagesPerHour,
		int(domain.DefaultInterMessageDelay/time.Millisecond), now)

	cfg := domain.RateLimitConfig{TenantID: tenantID}
	var delayMs int
	if err := row.Scan(&cfg.MessagesPerMinute, &cfg.MessagesPerHour, &delayMs, &cfg.Enabled); err != nil {
		return domain.RateLimitConfig{}, err
	}
	cfg.InterMessageDelay = time.Duration(delayMs) * time.Millisecond
	return cfg, nil
}

func (s *Store) UpdateRateLimitConfig(ctx context.Context, cfg domain.RateLimitConfig, now time.Time) error {
	_, err := s.DB.Exec(ctx, `
		INSERT INTO rate_limit_configs (tenant_id, messages_per_minute, messages_per_hour, inter_message_delay_ms, enabled, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (tenant_id) DO UPDATE SET
			messages_per_minute    = EXCLUDED.messages_per_minute,
			messages_per_hour      = EXCLUDED.messages_per_hour,
			inter_message_delay_ms = EXCLUDED.inter_message_delay_ms,
			enabled                = EXCLUDED.enabled,
			updated_at             = EXCLUDED.updated_at
	`, cfg.TenantID, cfg.MessagesPerMinute, cfg.MessagesPerHour,
		int(cfg.InterMessageDelay/time.Millisecond), cfg.Enabled, now)
	return err
}
