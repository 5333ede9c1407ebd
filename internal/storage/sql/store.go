package sql

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"tempinbox/backend/internal/config"
)

// releasedAddress 已释放地址的冷却记录
type releasedAddress struct {
	Address    string    `gorm:"primaryKey;size:320"`
	ReleasedAt time.Time `gorm:"index;not null"`
}

// TableName 指定表名
func (releasedAddress) TableName() string {
	return "released_addresses"
}

// Ledger 基于 GORM 的冷却账本（支持 PostgreSQL、MySQL 5.7+ 和 SQLite）。
//
// 只保存地址与释放时间，不保存任何邮件内容。
type Ledger struct {
	db     *gorm.DB
	driver string
	log    *zap.Logger
}

// Open 根据配置打开数据库并自动迁移冷却账本表
func Open(cfg config.DatabaseConfig, log *zap.Logger) (*Ledger, error) {
	if log == nil {
		log = zap.NewNop()
	}

	var dialector gorm.Dialector
	switch cfg.Type {
	case "postgres":
		dialector = postgres.Open(cfg.DSN)
	case "mysql":
		dialector = mysql.Open(cfg.DSN)
	case "sqlite":
		dialector = sqlite.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported database driver: %s (supported: postgres, mysql, sqlite)", cfg.Type)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database handle: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := db.AutoMigrate(&releasedAddress{}); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	log.Info("cooldown ledger ready", zap.String("driver", cfg.Type))

	return &Ledger{db: db, driver: cfg.Type, log: log}, nil
}

// Load 返回 since 之后释放的地址
func (l *Ledger) Load(ctx context.Context, since time.Time) (map[string]time.Time, error) {
	var rows []releasedAddress
	if err := l.db.WithContext(ctx).
		Where("released_at > ?", since.UTC()).
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("query released addresses: %w", err)
	}

	out := make(map[string]time.Time, len(rows))
	for _, row := range rows {
		out[row.Address] = row.ReleasedAt.UTC()
	}
	return out, nil
}

// Record 写入或刷新一条释放记录
func (l *Ledger) Record(ctx context.Context, address string, releasedAt time.Time) error {
	row := releasedAddress{Address: address, ReleasedAt: releasedAt.UTC()}
	err := l.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "address"}},
			DoUpdates: clause.AssignmentColumns([]string{"released_at"}),
		}).
		Create(&row).Error
	if err != nil {
		return fmt.Errorf("record released address: %w", err)
	}
	return nil
}

// Prune 删除 before 之前释放的记录
func (l *Ledger) Prune(ctx context.Context, before time.Time) (int64, error) {
	result := l.db.WithContext(ctx).
		Where("released_at <= ?", before.UTC()).
		Delete(&releasedAddress{})
	if result.Error != nil {
		return 0, fmt.Errorf("prune released addresses: %w", result.Error)
	}
	if result.RowsAffected > 0 {
		l.log.Debug("pruned cooldown ledger", zap.Int64("rows", result.RowsAffected))
	}
	return result.RowsAffected, nil
}

// Ping 检查数据库连接，供就绪检查使用
func (l *Ledger) Ping(ctx context.Context) error {
	sqlDB, err := l.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close 关闭数据库连接
func (l *Ledger) Close() error {
	sqlDB, err := l.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
