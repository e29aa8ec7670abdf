// Package services assembles view-ready data from several API reads.
package services

import (
	"context"
	"fmt"
	"math"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"tally/internal/core"
	"tally/internal/log"
	"tally/internal/resources"
)

// ReportReader is the subset of report endpoints the dashboard needs.
type ReportReader interface {
	Dashboard(ctx context.Context) (core.DashboardData, error)
	Monthly(ctx context.Context, p resources.MonthlyParams) (core.MonthlyReport, error)
}

type BudgetReader interface {
	Status(ctx context.Context) (core.BudgetStatus, error)
}

type CategoryReader interface {
	Stats(ctx context.Context) ([]core.Category, error)
}

// CategoryShare is one slice of the spending chart.
type CategoryShare struct {
	Name    string
	Color   string
	Amount  decimal.Decimal
	Percent float64
}

// BudgetBar is one budget progress bar. Percent is clamped to 100; Over
// reports the real overrun.
type BudgetBar struct {
	Name      string
	Color     string
	Amount    decimal.Decimal
	Spent     decimal.Decimal
	Remaining decimal.Decimal
	Percent   float64
	Over      bool
}

// DashboardView is everything the dashboard screen renders.
type DashboardView struct {
	Summary    core.MonthSummary
	Recent     []core.Expense
	Shares     []CategoryShare
	Budgets    []BudgetBar
	Alerts     []core.BudgetAlert
	Categories []core.Category
	Comparison core.MonthComparison
	Trend      string
}

type DashboardService struct {
	reports    ReportReader
	budgets    BudgetReader
	categories CategoryReader
	logger     *log.Logger
}

func NewDashboardService(reports ReportReader, budgets BudgetReader, categories CategoryReader, logger *log.Logger) *DashboardService {
	if logger == nil {
		logger = log.Discard()
	}
	return &DashboardService{
		reports:    reports,
		budgets:    budgets,
		categories: categories,
		logger:     logger.WithComponent(log.ComponentApp),
	}
}

// Load reads the dashboard, monthly report, budget status and category
// stats concurrently. The first failure cancels the other reads.
func (s *DashboardService) Load(ctx context.Context) (DashboardView, error) {
	var (
		data    core.DashboardData
		monthly core.MonthlyReport
		status  core.BudgetStatus
		cats    []core.Category
	)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		data, err = s.reports.Dashboard(ctx)
		return wrap("dashboard", err)
	})
	g.Go(func() (err error) {
		monthly, err = s.reports.Monthly(ctx, resources.MonthlyParams{})
		return wrap("monthly report", err)
	})
	g.Go(func() (err error) {
		status, err = s.budgets.Status(ctx)
		return wrap("budget status", err)
	})
	g.Go(func() (err error) {
		cats, err = s.categories.Stats(ctx)
		return wrap("category stats", err)
	})
	if err := g.Wait(); err != nil {
		s.logger.DebugContext(ctx, "Dashboard load failed", log.FieldError, err.Error())
		return DashboardView{}, err
	}

	return DashboardView{
		Summary:    data.MonthSummary,
		Recent:     data.RecentExpenses,
		Shares:     CategoryShares(data.TopCategories, data.MonthSummary.TotalSpent),
		Budgets:    BudgetBars(status.BudgetStatus),
		Alerts:     status.Alerts,
		Categories: cats,
		Comparison: monthly.Comparison,
		Trend:      TrendLabel(monthly.Comparison),
	}, nil
}

func wrap(what string, err error) error {
	if err != nil {
		return fmt.Errorf("load %s: %w", what, err)
	}
	return nil
}

// CategoryShares converts category totals into chart percentages of total.
// A non-positive total falls back to the sum of the categories.
func CategoryShares(cats []core.CategoryBreakdown, total decimal.Decimal) []CategoryShare {
	if !total.IsPositive() {
		total = decimal.Zero
		for _, c := range cats {
			total = total.Add(c.TotalAmount)
		}
	}
	out := make([]CategoryShare, 0, len(cats))
	for _, c := range cats {
		share := CategoryShare{Name: c.Name, Color: c.Color, Amount: c.TotalAmount}
		if total.IsPositive() {
			share.Percent = round1(c.TotalAmount.Div(total).InexactFloat64() * 100)
		}
		out = append(out, share)
	}
	return out
}

// BudgetBars builds progress bars from server-computed budget status.
func BudgetBars(budgets []core.Budget) []BudgetBar {
	out := make([]BudgetBar, 0, len(budgets))
	for _, b := range budgets {
		name := b.CategoryName
		if b.Total() || name == "" {
			name = "Total budget"
		}
		pct := b.Percentage
		if pct == 0 && b.Amount.IsPositive() {
			pct = b.Spent.Div(b.Amount).InexactFloat64() * 100
		}
		out = append(out, BudgetBar{
			Name:      name,
			Color:     b.CategoryColor,
			Amount:    b.Amount,
			Spent:     b.Spent,
			Remaining: b.Remaining,
			Percent:   math.Min(round1(pct), 100),
			Over:      b.IsOverBudget || b.Spent.GreaterThan(b.Amount),
		})
	}
	return out
}

// TrendLabel describes a month-over-month comparison.
func TrendLabel(c core.MonthComparison) string {
	pct := math.Abs(c.PercentageChange)
	switch c.Trend {
	case "increase":
		return fmt.Sprintf("up %.1f%% from last month", pct)
	case "decrease":
		return fmt.Sprintf("down %.1f%% from last month", pct)
	default:
		return "same as last month"
	}
}

func round1(f float64) float64 {
	return math.Round(f*10) / 10
}
