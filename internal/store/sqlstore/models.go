// Package sqlstore is the Postgres alternative to the DynamoDB tables, used by
// the dev server and self-hosted installs.
package sqlstore

import (
	"time"

	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

type SurveySetting struct {
	Shop      string `gorm:"primaryKey"`
	Count     int
	Version   int64
	UpdatedAt time.Time
}

// SurveyQuestion is one question row; the unique index backs the
// one-title-per-shop rule.
type SurveyQuestion struct {
	ID        string `gorm:"primaryKey"`
	Shop      string `gorm:"uniqueIndex:idx_shop_title;index"`
	Title     string `gorm:"uniqueIndex:idx_shop_title"`
	Position  int
	Question  string
	DataType  string
	Options   datatypes.JSONSlice[string]
	IsActive  bool
	CreatedAt time.Time
}

type ShopSession struct {
	Shop               string `gorm:"primaryKey"`
	AccessTokenEnc     string
	Scope              string
	CreatedAt          time.Time
	LastEventAt        string
	LastEventTopic     string
	LastEventWebhookID string
}

var AutoMaintainRange = []any{
	&SurveySetting{},
	&SurveyQuestion{},
	&ShopSession{},
}

func RunMigration(source *gorm.DB) error {
	return source.AutoMigrate(AutoMaintainRange...)
}

// Open connects to dsn and migrates the schema.
func Open(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{TranslateError: true})
	if err != nil {
		return nil, err
	}
	if err := RunMigration(db); err != nil {
		return nil, err
	}
	return db, nil
}
