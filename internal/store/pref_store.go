package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"meshward/internal/model"
)

const prefColumns = `id, channel, enabled, min_priority, categories,
	quiet_start, quiet_end, config`

// CreatePreference validates and inserts a notification preference.
func (s *Store) CreatePreference(ctx context.Context, p model.NotificationPreference) (model.NotificationPreference, error) {
	if err := p.Validate(); err != nil {
		return model.NotificationPreference{}, err
	}
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	cats, cfg, err := encodePrefJSON(p)
	if err != nil {
		return model.NotificationPreference{}, err
	}
	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO notification_prefs (
			id, channel, enabled, min_priority, categories,
			quiet_start, quiet_end, config, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, string(p.Channel), boolToInt(p.Enabled), string(p.MinPriority), cats,
		clockPtr(p.QuietHoursStart), clockPtr(p.QuietHoursEnd), cfg, now, now,
	)
	if err != nil {
		return model.NotificationPreference{}, fmt.Errorf("creating preference: %w", err)
	}
	return p, nil
}

// UpdatePreference validates and replaces an existing preference.
func (s *Store) UpdatePreference(ctx context.Context, p model.NotificationPreference) error {
	if err := p.Validate(); err != nil {
		return err
	}
	cats, cfg, err := encodePrefJSON(p)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE notification_prefs SET
			channel = ?, enabled = ?, min_priority = ?, categories = ?,
			quiet_start = ?, quiet_end = ?, config = ?, updated_at = ?
		WHERE id = ?`,
		string(p.Channel), boolToInt(p.Enabled), string(p.MinPriority), cats,
		clockPtr(p.QuietHoursStart), clockPtr(p.QuietHoursEnd), cfg, time.Now().UTC(),
		p.ID,
	)
	if err != nil {
		return fmt.Errorf("updating preference %s: %w", p.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetPreference retrieves a single preference by ID.
func (s *Store) GetPreference(ctx context.Context, id string) (*model.NotificationPreference, error) {
	row := s.db.QueryRowxContext(ctx,
		"SELECT "+prefColumns+" FROM notification_prefs WHERE id = ?", id)
	p, err := scanPreference(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting preference %s: %w", id, err)
	}
	return &p, nil
}

// DeletePreference removes a preference by ID.
func (s *Store) DeletePreference(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM notification_prefs WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("deleting preference %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListPreferences returns all preferences, optionally only enabled ones.
// The router asks for enabled-only on every fan-out.
func (s *Store) ListPreferences(ctx context.Context, enabledOnly bool) ([]model.NotificationPreference, error) {
	query := "SELECT " + prefColumns + " FROM notification_prefs"
	if enabledOnly {
		query += " WHERE enabled = 1"
	}
	query += " ORDER BY created_at"

	rows, err := s.db.QueryxContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("listing preferences: %w", err)
	}
	defer rows.Close()

	var prefs []model.NotificationPreference
	for rows.Next() {
		p, err := scanPreference(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning preference row: %w", err)
		}
		prefs = append(prefs, p)
	}
	return prefs, rows.Err()
}

func encodePrefJSON(p model.NotificationPreference) (categories any, config string, err error) {
	categories = nil
	if len(p.Categories) > 0 {
		b, err := json.Marshal(p.Categories)
		if err != nil {
			return nil, "", fmt.Errorf("encoding categories: %w", err)
		}
		categories = string(b)
	}
	cfg := p.Config
	if cfg == nil {
		cfg = map[string]string{}
	}
	b, err := json.Marshal(cfg)
	if err != nil {
		return nil, "", fmt.Errorf("encoding config: %w", err)
	}
	return categories, string(b), nil
}

func scanPreference(row rowScanner) (model.NotificationPreference, error) {
	var (
		p          model.NotificationPreference
		channel    string
		enabled    int
		minPrio    string
		categories *string
		quietStart *string
		quietEnd   *string
		config     string
	)
	err := row.Scan(&p.ID, &channel, &enabled, &minPrio, &categories,
		&quietStart, &quietEnd, &config)
	if err != nil {
		return model.NotificationPreference{}, err
	}
	p.Channel = model.Channel(channel)
	p.Enabled = enabled != 0
	p.MinPriority = model.Priority(minPrio)
	if categories != nil && *categories != "" {
		if err := json.Unmarshal([]byte(*categories), &p.Categories); err != nil {
			return model.NotificationPreference{}, fmt.Errorf("decoding categories for %s: %w", p.ID, err)
		}
	}
	if p.QuietHoursStart, err = parseClockPtr(quietStart); err != nil {
		return model.NotificationPreference{}, fmt.Errorf("decoding quiet_start for %s: %w", p.ID, err)
	}
	if p.QuietHoursEnd, err = parseClockPtr(quietEnd); err != nil {
		return model.NotificationPreference{}, fmt.Errorf("decoding quiet_end for %s: %w", p.ID, err)
	}
	if config != "" {
		if err := json.Unmarshal([]byte(config), &p.Config); err != nil {
			return model.NotificationPreference{}, fmt.Errorf("decoding config for %s: %w", p.ID, err)
		}
	}
	return p, nil
}

func clockPtr(c *model.ClockTime) any {
	if c == nil {
		return nil
	}
	return c.String()
}

func parseClockPtr(s *string) (*model.ClockTime, error) {
	if s == nil || *s == "" {
		return nil, nil
	}
	c, err := model.ParseClockTime(*s)
	if err != nil {
		return nil, err
	}
	return &c, nil
}
