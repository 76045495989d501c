package service

import (
	"context"
	"fmt"
	"time"

	"pumptrader/internal/bot"
	"pumptrader/internal/models"
	"pumptrader/pkg/utils"
)

// StatsService - отчеты по журналу сделок и снимкам equity.
//
// Функции:
// - Report: итоги произвольного периода
// - CurrentWeek: итоги с понедельника 00:01 UTC до текущего момента
// - RecentEvents: последние события журнала
// - EquityHistory: снимки equity периода
type StatsService struct {
	journal JournalReader
	equity  EquityReader
	now     func() time.Time
}

// NewStatsService создает новый экземпляр StatsService
func NewStatsService(journal JournalReader, equity EquityReader) *StatsService {
	return &StatsService{
		journal: journal,
		equity:  equity,
		now:     time.Now,
	}
}

// Report считает итоги периода [from, to).
//
// Начальное equity - первый дневной снимок периода, конечное - последний.
// currentEquity, если > 0, заменяет конечное значение (отчет за незакрытый период).
func (s *StatsService) Report(ctx context.Context, from, to time.Time, currentEquity float64) (models.PerformanceReport, error) {
	if !from.Before(to) {
		return models.PerformanceReport{}, fmt.Errorf("invalid period: %s - %s", from.Format(time.RFC3339), to.Format(time.RFC3339))
	}

	events, err := s.journal.ReadSince(ctx, from)
	if err != nil {
		return models.PerformanceReport{}, fmt.Errorf("read journal: %w", err)
	}
	snaps, err := s.equity.Range(ctx, models.SnapshotDaily, from, to)
	if err != nil {
		return models.PerformanceReport{}, fmt.Errorf("read equity snapshots: %w", err)
	}

	var startEq, endEq float64
	if len(snaps) > 0 {
		startEq = snaps[0].Equity
		endEq = snaps[len(snaps)-1].Equity
	}
	if currentEquity > 0 {
		endEq = currentEquity
	}
	return bot.BuildReport(events, from, to, startEq, endEq), nil
}

// CurrentWeek - отчет за текущую торговую неделю
func (s *StatsService) CurrentWeek(ctx context.Context, currentEquity float64) (models.PerformanceReport, error) {
	now := s.now().UTC()
	return s.Report(ctx, utils.CurrentWeeklyReset(now), now.Add(time.Second), currentEquity)
}

// RecentEvents возвращает последние события журнала.
// limit по умолчанию 100, не больше 500.
func (s *StatsService) RecentEvents(ctx context.Context, limit int) ([]models.TradeEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	if limit > 500 {
		limit = 500
	}

	events, err := s.journal.Recent(ctx, limit)
	if err != nil {
		return nil, err
	}
	if events == nil {
		events = []models.TradeEvent{}
	}
	return events, nil
}

// EquityHistory возвращает снимки equity периода (daily/weekly) в [from, to)
func (s *StatsService) EquityHistory(ctx context.Context, period string, from, to time.Time) ([]models.EquitySnapshot, error) {
	if period != models.SnapshotDaily && period != models.SnapshotWeekly {
		return nil, fmt.Errorf("unknown snapshot period %q", period)
	}
	snaps, err := s.equity.Range(ctx, period, from, to)
	if err != nil {
		return nil, err
	}
	if snaps == nil {
		snaps = []models.EquitySnapshot{}
	}
	return snaps, nil
}
