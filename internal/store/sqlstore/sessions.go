package sqlstore

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"thankyou-survey/internal/sessions"
)

// SessionBackend is a sessions.Backend over the shop_sessions table.
type SessionBackend struct {
	DB *gorm.DB
}

func NewSessionBackend(db *gorm.DB) *SessionBackend {
	return &SessionBackend{DB: db}
}

func (b *SessionBackend) Put(ctx context.Context, rec sessions.Record) error {
	return b.DB.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&ShopSession{
		Shop:           rec.Shop,
		AccessTokenEnc: rec.AccessTokenEnc,
		Scope:          rec.Scope,
		CreatedAt:      rec.CreatedAt,
	}).Error
}

func (b *SessionBackend) Get(ctx context.Context, shop string) (*sessions.Record, error) {
	var row ShopSession
	if err := b.DB.WithContext(ctx).Where("shop = ?", shop).First(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, sessions.ErrNotFound
		}
		return nil, err
	}
	return &sessions.Record{
		Shop:           row.Shop,
		AccessTokenEnc: row.AccessTokenEnc,
		Scope:          row.Scope,
		CreatedAt:      row.CreatedAt,
		LastEventAt:    row.LastEventAt,
		LastEventTopic: row.LastEventTopic,
		LastWebhookID:  row.LastEventWebhookID,
	}, nil
}

func (b *SessionBackend) Delete(ctx context.Context, shop string) error {
	return b.DB.WithContext(ctx).Where("shop = ?", shop).Delete(&ShopSession{}).Error
}

func (b *SessionBackend) TouchEvent(ctx context.Context, shop, topic, webhookID string, at time.Time) error {
	updates := map[string]any{
		"last_event_at":    at.UTC().Format(time.RFC3339),
		"last_event_topic": topic,
	}
	if webhookID != "" {
		updates["last_event_webhook_id"] = webhookID
	}
	res := b.DB.WithContext(ctx).Model(&ShopSession{}).Where("shop = ?", shop).Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return sessions.ErrNotFound
	}
	return nil
}
