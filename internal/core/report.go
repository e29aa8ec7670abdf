package core

import "github.com/shopspring/decimal"

// Report payloads returned by /api/reports/* and /api/budgets/status.
type (
	Pagination struct {
		Page  int `json:"page"`
		Pages int `json:"pages"`
		Total int `json:"total"`
		Limit int `json:"limit"`
	}

	ExpensePage struct {
		Expenses   []Expense  `json:"expenses"`
		Pagination Pagination `json:"pagination"`
	}

	CategoryBreakdown struct {
		ID           int64           `json:"id"`
		Name         string          `json:"name"`
		Color        string          `json:"color"`
		ExpenseCount int             `json:"expense_count"`
		TotalAmount  decimal.Decimal `json:"total_amount"`
		Percentage   float64         `json:"percentage,omitempty"`
	}

	DailyTrend struct {
		ExpenseDate string          `json:"expense_date"`
		DailyTotal  decimal.Decimal `json:"daily_total"`
	}

	MonthSummary struct {
		TotalSpent       decimal.Decimal `json:"total_spent"`
		TransactionCount int             `json:"transaction_count"`
		MonthName        string          `json:"month_name"`
		Year             int             `json:"year"`
	}

	BudgetSummary struct {
		TotalBudgets    int `json:"total_budgets"`
		OverBudgetCount int `json:"over_budget_count"`
	}

	DashboardData struct {
		MonthSummary   MonthSummary        `json:"month_summary"`
		RecentExpenses []Expense           `json:"recent_expenses"`
		TopCategories  []CategoryBreakdown `json:"top_categories"`
		BudgetSummary  BudgetSummary       `json:"budget_summary"`
	}

	PeriodInfo struct {
		Month     int    `json:"month,omitempty"`
		Year      int    `json:"year"`
		MonthName string `json:"month_name,omitempty"`
		StartDate string `json:"start_date"`
		EndDate   string `json:"end_date"`
	}

	ExpenseSummary struct {
		TotalSpent       decimal.Decimal `json:"total_spent"`
		TransactionCount int             `json:"transaction_count"`
		AvgExpense       decimal.Decimal `json:"avg_expense"`
		HighestExpense   decimal.Decimal `json:"highest_expense"`
		LowestExpense    decimal.Decimal `json:"lowest_expense"`
	}

	MonthComparison struct {
		PreviousMonthTotal decimal.Decimal `json:"previous_month_total"`
		PercentageChange   float64         `json:"percentage_change"`
		Trend              string          `json:"trend"` // increase, decrease or same
	}

	MonthlyReport struct {
		Period            PeriodInfo          `json:"period"`
		Summary           ExpenseSummary      `json:"summary"`
		Comparison        MonthComparison     `json:"comparison"`
		CategoryBreakdown []CategoryBreakdown `json:"category_breakdown"`
		DailyTrend        []DailyTrend        `json:"daily_trend"`
	}

	Insight struct {
		Type       string           `json:"type"`
		Message    string           `json:"message"`
		Amount     *decimal.Decimal `json:"amount,omitempty"`
		Percentage *float64         `json:"percentage,omitempty"`
		Frequency  *int             `json:"frequency,omitempty"`
		Days       *int             `json:"days,omitempty"`
	}

	InsightsReport struct {
		Insights    []Insight `json:"insights"`
		GeneratedAt string    `json:"generated_at,omitempty"`
	}

	TrendPoint struct {
		Period string          `json:"period"`
		Total  decimal.Decimal `json:"total"`
	}

	TrendsReport struct {
		Period string       `json:"period,omitempty"`
		Trends []TrendPoint `json:"trends"`
	}

	CategoryAnalysis struct {
		CategoryBreakdown
		AvgAmount decimal.Decimal `json:"avg_amount"`
		MaxAmount decimal.Decimal `json:"max_amount"`
		MinAmount decimal.Decimal `json:"min_amount"`
	}

	CategoryAnalysisReport struct {
		Period           PeriodInfo         `json:"period"`
		TotalSpent       decimal.Decimal    `json:"total_spent"`
		CategoryAnalysis []CategoryAnalysis `json:"category_analysis"`
	}

	BudgetAlert struct {
		Type    string `json:"type"` // danger, warning or info
		Message string `json:"message"`
	}

	BudgetStatusSummary struct {
		TotalBudget       decimal.Decimal `json:"total_budget"`
		TotalSpent        decimal.Decimal `json:"total_spent"`
		TotalRemaining    decimal.Decimal `json:"total_remaining"`
		OverallPercentage float64         `json:"overall_percentage"`
	}

	BudgetStatus struct {
		BudgetStatus []Budget            `json:"budget_status"`
		Alerts       []BudgetAlert       `json:"alerts"`
		Summary      BudgetStatusSummary `json:"summary"`
	}
)
