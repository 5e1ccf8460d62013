package auth

import (
	"context"
	"errors"
	"strconv"
	"time"

	"gorm.io/gorm"
	"tradepulse.com/pkg/metrics"
	"tradepulse.com/pkg/xerr"
)

// 只读 Django 的两张表，列名保持一致
type userRow struct {
	ID               int64 `gorm:"column:id;primaryKey"`
	IsActive         bool  `gorm:"column:is_active"`
	IsVerified       bool  `gorm:"column:is_verified"`
	IsStaff          bool  `gorm:"column:is_staff"`
	TradingEnabled   bool  `gorm:"column:trading_enabled"`
	PaperTradingOnly bool  `gorm:"column:paper_trading_only"`
}

func (userRow) TableName() string { return "authentication_user" }

type portfolioRow struct {
	ID     string `gorm:"column:id;primaryKey"`
	UserID int64  `gorm:"column:user_id"`
}

func (portfolioRow) TableName() string { return "portfolio_portfolio" }

type GormDirectory struct {
	db *gorm.DB
}

func NewGormDirectory(db *gorm.DB) *GormDirectory {
	return &GormDirectory{db: db}
}

func (d *GormDirectory) Lookup(ctx context.Context, userID string) (Principal, error) {
	id, err := strconv.ParseInt(userID, 10, 64)
	if err != nil {
		return Principal{}, xerr.ErrAuthPrincipalNotFound
	}

	start := time.Now()
	var u userRow
	err = d.db.WithContext(ctx).Where("id = ? AND is_active = ?", id, true).Take(&u).Error
	metrics.DbQueryDuration.WithLabelValues("auth_user", dbStatus(err)).Observe(time.Since(start).Seconds())
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Principal{}, xerr.ErrAuthPrincipalNotFound
	}
	if err != nil {
		return Principal{}, ctxOr(err, xerr.Internal, "load user")
	}

	start = time.Now()
	var ids []string
	err = d.db.WithContext(ctx).Model(&portfolioRow{}).Where("user_id = ?", id).Pluck("id", &ids).Error
	metrics.DbQueryDuration.WithLabelValues("auth_portfolios", metrics.Status(err)).Observe(time.Since(start).Seconds())
	if err != nil {
		return Principal{}, ctxOr(err, xerr.Internal, "load portfolios")
	}

	return Principal{
		UserID:           userID,
		IsVerified:       u.IsVerified,
		IsStaff:          u.IsStaff,
		TradingEnabled:   u.TradingEnabled,
		PaperTradingOnly: u.PaperTradingOnly,
		Portfolios:       ids,
	}, nil
}

// not found 不算 DB 错误
func dbStatus(err error) string {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "ok"
	}
	return metrics.Status(err)
}
