package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/davidbz/hestia/internal/domain"
	"github.com/davidbz/hestia/internal/observability"
)

// Config controls the usage ledger and its budget windows.
type Config struct {
	// DSN is the SQLite database path. ":memory:" keeps the ledger
	// in-process.
	DSN string
	// DailyLimit and MonthlyLimit are USD budget caps. Zero disables
	// the corresponding window.
	DailyLimit   float64
	MonthlyLimit float64
	// AlertThreshold is the fraction of a limit at which the alert
	// fires. Defaults to 0.8.
	AlertThreshold float64
	// HardStop rejects non-essential requests once a limit is
	// consumed. When false the ledger only flags soft-warn mode.
	HardStop bool
}

// usageRow is the persisted form of a ledger entry. request_id carries
// a unique index so replays of the same request never double-count.
type usageRow struct {
	ID           uint   `gorm:"primaryKey"`
	RequestID    string `gorm:"uniqueIndex;size:64"`
	Provider     string `gorm:"size:32;index"`
	Model        string `gorm:"size:64"`
	InputTokens  int
	OutputTokens int
	TotalTokens  int
	Cost         float64
	Success      bool
	Timestamp    time.Time `gorm:"index"`
}

func (usageRow) TableName() string { return "usage_records" }

// Ledger is the append-only usage tracker backed by SQLite.
type Ledger struct {
	cfg    Config
	db     *gorm.DB
	events domain.EventPublisher
	logger *zap.Logger
	now    func() time.Time

	mu      sync.Mutex
	alerted map[string]bool
}

func New(cfg Config, events domain.EventPublisher, logger *zap.Logger) (*Ledger, error) {
	if cfg.DSN == "" {
		cfg.DSN = "hestia.db"
	}
	if cfg.AlertThreshold <= 0 || cfg.AlertThreshold > 1 {
		cfg.AlertThreshold = 0.8
	}

	db, err := gorm.Open(sqlite.Open(cfg.DSN), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open ledger database: %w", err)
	}
	if err := db.AutoMigrate(&usageRow{}); err != nil {
		return nil, fmt.Errorf("migrate ledger schema: %w", err)
	}

	return &Ledger{
		cfg:     cfg,
		db:      db,
		events:  events,
		logger:  logger,
		now:     time.Now,
		alerted: make(map[string]bool),
	}, nil
}

// Track appends a usage record. Records sharing a request ID are
// written once; later duplicates are silent no-ops.
func (l *Ledger) Track(ctx context.Context, record domain.UsageRecord) error {
	if record.RequestID == "" {
		return fmt.Errorf("usage record requires a request id")
	}
	if record.Timestamp.IsZero() {
		record.Timestamp = l.now()
	}

	result := l.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "request_id"}},
		DoNothing: true,
	}).Create(&usageRow{
		RequestID:    record.RequestID,
		Provider:     record.Provider,
		Model:        record.Model,
		InputTokens:  record.InputTokens,
		OutputTokens: record.OutputTokens,
		TotalTokens:  record.TotalTokens,
		Cost:         record.Cost,
		Success:      record.Success,
		Timestamp:    record.Timestamp.UTC(),
	})
	if result.Error != nil {
		return fmt.Errorf("append usage record: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		observability.FromContext(ctx).Debug("duplicate usage record ignored",
			observability.String("request_id", record.RequestID))
		return nil
	}

	l.evaluateAlerts(ctx)
	return nil
}

// BudgetStatus reports the configured budget windows.
func (l *Ledger) BudgetStatus(ctx context.Context) (*domain.BudgetStatus, error) {
	status := &domain.BudgetStatus{}
	if l.cfg.DailyLimit > 0 {
		window, err := l.windowStatus(ctx, domain.BudgetDaily, l.cfg.DailyLimit)
		if err != nil {
			return nil, err
		}
		status.Daily = window
	}
	if l.cfg.MonthlyLimit > 0 {
		window, err := l.windowStatus(ctx, domain.BudgetMonthly, l.cfg.MonthlyLimit)
		if err != nil {
			return nil, err
		}
		status.Monthly = window
	}
	return status, nil
}

// CheckBudget gates a request against the budget windows. Essential
// requests pass even under a hard stop; they only pick up the warn
// flag. A degraded ledger fails open with a warning rather than
// blocking traffic.
func (l *Ledger) CheckBudget(ctx context.Context, priority domain.Priority) (bool, error) {
	status, err := l.BudgetStatus(ctx)
	if err != nil {
		observability.FromContext(ctx).Warn("budget check degraded, failing open",
			observability.Error(err))
		return false, nil
	}

	warn := false
	for _, window := range []*domain.BudgetWindowStatus{status.Daily, status.Monthly} {
		if window == nil {
			continue
		}
		if window.Consumed >= window.Limit {
			if l.cfg.HardStop && priority != domain.PriorityEssential {
				return false, fmt.Errorf("%s budget: %w", window.Period, domain.ErrBudgetExceeded)
			}
			warn = true
			continue
		}
		if window.Consumed >= window.Limit*window.AlertThreshold {
			warn = true
		}
	}
	return warn, nil
}

func (l *Ledger) windowStatus(ctx context.Context, period domain.BudgetPeriod, limit float64) (*domain.BudgetWindowStatus, error) {
	start := l.windowStart(period)

	var consumed float64
	err := l.db.WithContext(ctx).
		Model(&usageRow{}).
		Where("timestamp >= ?", start).
		Select("COALESCE(SUM(cost), 0)").
		Scan(&consumed).Error
	if err != nil {
		return nil, fmt.Errorf("sum %s window: %w", period, err)
	}

	l.mu.Lock()
	triggered := l.alerted[l.alertKey(period, start)]
	l.mu.Unlock()

	return &domain.BudgetWindowStatus{
		Period:         period,
		Limit:          limit,
		Consumed:       consumed,
		AlertThreshold: l.cfg.AlertThreshold,
		Triggered:      triggered,
		WindowStart:    start,
	}, nil
}

// evaluateAlerts fires at most one alert per window per threshold
// crossing. The window start is part of the dedup key so each new day
// or month re-arms the alert.
func (l *Ledger) evaluateAlerts(ctx context.Context) {
	type window struct {
		period domain.BudgetPeriod
		limit  float64
	}
	windows := []window{}
	if l.cfg.DailyLimit > 0 {
		windows = append(windows, window{domain.BudgetDaily, l.cfg.DailyLimit})
	}
	if l.cfg.MonthlyLimit > 0 {
		windows = append(windows, window{domain.BudgetMonthly, l.cfg.MonthlyLimit})
	}

	for _, w := range windows {
		status, err := l.windowStatus(ctx, w.period, w.limit)
		if err != nil {
			l.logger.Warn("budget alert evaluation failed",
				observability.String("period", string(w.period)),
				observability.Error(err))
			continue
		}
		if status.Consumed < w.limit*l.cfg.AlertThreshold {
			continue
		}

		key := l.alertKey(w.period, status.WindowStart)
		l.mu.Lock()
		already := l.alerted[key]
		if !already {
			l.alerted[key] = true
		}
		l.mu.Unlock()
		if already {
			continue
		}

		l.logger.Warn("budget alert threshold crossed",
			observability.String("period", string(w.period)),
			observability.Float64("consumed", status.Consumed),
			observability.Float64("limit", w.limit))
		if l.events != nil {
			l.events.Publish(ctx, "budget.alert", map[string]interface{}{
				"period":   string(w.period),
				"consumed": status.Consumed,
				"limit":    w.limit,
			})
		}
	}
}

func (l *Ledger) windowStart(period domain.BudgetPeriod) time.Time {
	now := l.now().UTC()
	switch period {
	case domain.BudgetMonthly:
		return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	default:
		return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	}
}

func (l *Ledger) alertKey(period domain.BudgetPeriod, start time.Time) string {
	return string(period) + ":" + start.Format("2006-01-02")
}

// Close releases the underlying database handle.
func (l *Ledger) Close() error {
	db, err := l.db.DB()
	if err != nil {
		return err
	}
	return db.Close()
}
