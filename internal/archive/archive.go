// Package archive keeps a write-only log of finished games. Nothing here is
// read back when the server starts.
package archive

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type Line struct {
	SenderName string
	SenderKind string
	Phase      string
	Text       string
	Timestamp  time.Time
}

// Game is one room's record once voting opens.
type Game struct {
	RoomID       string
	Topic        string
	CitizenWord  string
	ImpostorWord string
	Impostor     string
	Lines        []Line
	FinishedAt   time.Time
}

type Recorder interface {
	Record(ctx context.Context, g Game) error
}

type Nop struct{}

func (Nop) Record(context.Context, Game) error { return nil }

type GameRecord struct {
	ID           uint   `gorm:"primaryKey"`
	RoomID       string `gorm:"index;size:16;not null"`
	Topic        string `gorm:"size:64"`
	CitizenWord  string `gorm:"size:64"`
	ImpostorWord string `gorm:"size:64"`
	Impostor     string `gorm:"size:64"`
	FinishedAt   time.Time
	CreatedAt    time.Time
	Entries      []EntryRecord `gorm:"foreignKey:GameID;constraint:OnDelete:CASCADE"`
}

func (GameRecord) TableName() string { return "games" }

type EntryRecord struct {
	ID         uint   `gorm:"primaryKey"`
	GameID     uint   `gorm:"index;not null"`
	Seq        int    `gorm:"not null"`
	SenderName string `gorm:"size:64"`
	SenderKind string `gorm:"size:16"`
	Phase      string `gorm:"size:32"`
	Text       string
	Timestamp  time.Time
}

func (EntryRecord) TableName() string { return "game_entries" }

type Postgres struct {
	db *gorm.DB
}

// OpenPostgres connects with dsn and migrates the two tables.
func OpenPostgres(dsn string) (*Postgres, error) {
	if dsn == "" {
		return nil, errors.New("dsn cannot be empty")
	}

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open archive database: %w", err)
	}
	if err := db.AutoMigrate(&GameRecord{}, &EntryRecord{}); err != nil {
		return nil, fmt.Errorf("failed to migrate archive tables: %w", err)
	}
	return &Postgres{db: db}, nil
}

func (p *Postgres) Record(ctx context.Context, g Game) error {
	rec := GameRecord{
		RoomID:       g.RoomID,
		Topic:        g.Topic,
		CitizenWord:  g.CitizenWord,
		ImpostorWord: g.ImpostorWord,
		Impostor:     g.Impostor,
		FinishedAt:   g.FinishedAt,
		Entries:      make([]EntryRecord, 0, len(g.Lines)),
	}
	for i, l := range g.Lines {
		rec.Entries = append(rec.Entries, EntryRecord{
			Seq:        i,
			SenderName: l.SenderName,
			SenderKind: l.SenderKind,
			Phase:      l.Phase,
			Text:       l.Text,
			Timestamp:  l.Timestamp,
		})
	}

	// Entries are inserted with the game in one transaction.
	if err := p.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return fmt.Errorf("failed to record game %s: %w", g.RoomID, err)
	}
	return nil
}

// count is the number of archived games for roomID.
func (p *Postgres) count(ctx context.Context, roomID string) (int64, error) {
	var n int64
	err := p.db.WithContext(ctx).Model(&GameRecord{}).Where("room_id = ?", roomID).Count(&n).Error
	return n, err
}

func (p *Postgres) Close() error {
	sqlDB, err := p.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
