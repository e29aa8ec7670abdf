package resources

import (
	"context"
	"net/url"
	"strconv"

	"tally/internal/cache"
	"tally/internal/core"
)

const (
	pathDashboard        = "/reports/dashboard"
	pathMonthly          = "/reports/monthly"
	pathInsights         = "/reports/insights"
	pathTrends           = "/reports/trends"
	pathCategoryAnalysis = "/reports/category-analysis"
)

// MonthlyParams selects a month; zero fields default to the current one
// server-side.
type MonthlyParams struct {
	Year  int
	Month int
}

func (p MonthlyParams) Validate() error {
	if p.Month < 0 || p.Month > 12 {
		return core.ErrInvalidMonth
	}
	if p.Year != 0 && (p.Year < 1900 || p.Year > 3000) {
		return core.ErrInvalidYear
	}
	return nil
}

func (p MonthlyParams) values() url.Values {
	v := url.Values{}
	if p.Year != 0 {
		v.Set("year", strconv.Itoa(p.Year))
	}
	if p.Month != 0 {
		v.Set("month", strconv.Itoa(p.Month))
	}
	return v
}

// DateRange bounds a category analysis; empty dates are left to the server.
type DateRange struct {
	StartDate string
	EndDate   string
}

func (r DateRange) Validate() error {
	for _, d := range []string{r.StartDate, r.EndDate} {
		if d != "" {
			if err := core.ValidateDate(d); err != nil {
				return err
			}
		}
	}
	return nil
}

func (r DateRange) values() url.Values {
	v := url.Values{}
	if r.StartDate != "" {
		v.Set("start_date", r.StartDate)
	}
	if r.EndDate != "" {
		v.Set("end_date", r.EndDate)
	}
	return v
}

// DefaultTrendsPeriod is the window used when Trends is called without one.
const DefaultTrendsPeriod = "last_6_months"

// Reports covers /reports. All reads carry the Report tag and are refreshed
// after any expense write.
type Reports struct{ r *Resources }

func (rp *Reports) Dashboard(ctx context.Context) (core.DashboardData, error) {
	return read[core.DashboardData](ctx, rp.r, pathDashboard, nil, cache.TagReport)
}

func (rp *Reports) Monthly(ctx context.Context, p MonthlyParams) (core.MonthlyReport, error) {
	if err := p.Validate(); err != nil {
		return core.MonthlyReport{}, err
	}
	return read[core.MonthlyReport](ctx, rp.r, pathMonthly, p.values(), cache.TagReport)
}

func (rp *Reports) Insights(ctx context.Context) (core.InsightsReport, error) {
	return read[core.InsightsReport](ctx, rp.r, pathInsights, nil, cache.TagReport)
}

func (rp *Reports) Trends(ctx context.Context, period string) (core.TrendsReport, error) {
	if period == "" {
		period = DefaultTrendsPeriod
	}
	return read[core.TrendsReport](ctx, rp.r, pathTrends, url.Values{"period": {period}}, cache.TagReport)
}

func (rp *Reports) CategoryAnalysis(ctx context.Context, r DateRange) (core.CategoryAnalysisReport, error) {
	if err := r.Validate(); err != nil {
		return core.CategoryAnalysisReport{}, err
	}
	return read[core.CategoryAnalysisReport](ctx, rp.r, pathCategoryAnalysis, r.values(), cache.TagReport)
}
