package credits

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// WorkspaceCredit is the balance row of one workspace.
type WorkspaceCredit struct {
	WorkspaceID string    `gorm:"primaryKey;type:text"`
	Balance     int64     `gorm:"not null;default:0"`
	CreatedAt   time.Time `gorm:"not null;default:now()"`
	UpdatedAt   time.Time `gorm:"not null;default:now()"`
}

// CreditTransaction is an append-only audit entry for every balance change.
type CreditTransaction struct {
	ID          uint64    `gorm:"primaryKey"`
	WorkspaceID string    `gorm:"index;type:text;not null"`
	Action      string    `gorm:"type:text;not null"`
	Amount      int64     `gorm:"not null"`
	CreatedAt   time.Time `gorm:"not null;default:now()"`
}

// GormLedger stores balances in Postgres.
type GormLedger struct {
	db      *gorm.DB
	initial int64
}

var _ Ledger = (*GormLedger)(nil)

// OpenPostgres connects to dsn and migrates the credit tables.
func OpenPostgres(dsn string, initial int64) (*GormLedger, error) {
	gdb, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return NewGormLedger(gdb, initial)
}

// NewGormLedger migrates the credit tables on gdb.
func NewGormLedger(gdb *gorm.DB, initial int64) (*GormLedger, error) {
	if err := gdb.AutoMigrate(&WorkspaceCredit{}, &CreditTransaction{}); err != nil {
		return nil, fmt.Errorf("migrate credit tables: %w", err)
	}
	return &GormLedger{db: gdb, initial: initial}, nil
}

// ensure creates the workspace row with the initial allotment if missing.
func (l *GormLedger) ensure(tx *gorm.DB, workspaceID string) error {
	row := WorkspaceCredit{WorkspaceID: workspaceID, Balance: l.initial}
	return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error
}

func (l *GormLedger) Balance(ctx context.Context, workspaceID string) (int64, error) {
	db := l.db.WithContext(ctx)
	if err := l.ensure(db, workspaceID); err != nil {
		return 0, fmt.Errorf("init balance: %w", err)
	}
	var row WorkspaceCredit
	if err := db.First(&row, "workspace_id = ?", workspaceID).Error; err != nil {
		return 0, fmt.Errorf("read balance: %w", err)
	}
	return row.Balance, nil
}

func (l *GormLedger) HasCredits(ctx context.Context, workspaceID, action string) (bool, error) {
	b, err := l.Balance(ctx, workspaceID)
	if err != nil {
		return false, err
	}
	return b >= costOf(action), nil
}

// Deduct charges the action in one conditional update so concurrent
// deductions never drive the balance negative.
func (l *GormLedger) Deduct(ctx context.Context, workspaceID, action string) error {
	cost := costOf(action)
	return l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := l.ensure(tx, workspaceID); err != nil {
			return err
		}
		res := tx.Model(&WorkspaceCredit{}).
			Where("workspace_id = ? AND balance >= ?", workspaceID, cost).
			Updates(map[string]any{
				"balance":    gorm.Expr("balance - ?", cost),
				"updated_at": time.Now(),
			})
		if res.Error != nil {
			return fmt.Errorf("deduct credits: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return ErrInsufficientCredits
		}
		return tx.Create(&CreditTransaction{WorkspaceID: workspaceID, Action: action, Amount: -cost}).Error
	})
}

// Grant adds amount to the balance and returns the new total.
func (l *GormLedger) Grant(ctx context.Context, workspaceID string, amount int64) (int64, error) {
	var balance int64
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row := WorkspaceCredit{WorkspaceID: workspaceID, Balance: l.initial + amount}
		err := tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "workspace_id"}},
			DoUpdates: clause.Assignments(map[string]any{
				"balance":    gorm.Expr("workspace_credits.balance + ?", amount),
				"updated_at": time.Now(),
			}),
		}).Create(&row).Error
		if err != nil {
			return fmt.Errorf("grant credits: %w", err)
		}
		if err := tx.Create(&CreditTransaction{WorkspaceID: workspaceID, Action: "grant", Amount: amount}).Error; err != nil {
			return err
		}
		var cur WorkspaceCredit
		if err := tx.First(&cur, "workspace_id = ?", workspaceID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("workspace %s vanished during grant", workspaceID)
			}
			return err
		}
		balance = cur.Balance
		return nil
	})
	return balance, err
}

// Close releases the underlying connection pool.
func (l *GormLedger) Close() error {
	sqlDB, err := l.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
