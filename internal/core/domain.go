package core

import (
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const (
	Monthly PeriodType = "monthly"
	Yearly  PeriodType = "yearly"
)

// DateLayout is the wire format of expense dates.
const DateLayout = "2006-01-02"

const maxDescriptionLength = 200

type (
	PeriodType string

	User struct {
		ID        int64  `json:"id"`
		Username  string `json:"username"`
		Email     string `json:"email"`
		CreatedAt string `json:"created_at"`
	}

	// AuthResult is returned by login and registration.
	AuthResult struct {
		AccessToken string `json:"access_token"`
		User        *User  `json:"user"`
	}

	Expense struct {
		ID            int64           `json:"id"`
		Amount        decimal.Decimal `json:"amount"`
		Description   string          `json:"description"`
		Notes         string          `json:"notes,omitempty"`
		ExpenseDate   string          `json:"expense_date"`
		CategoryID    int64           `json:"category_id"`
		CategoryName  string          `json:"category_name,omitempty"`  // denormalized on read
		CategoryColor string          `json:"category_color,omitempty"` // denormalized on read
		UserID        int64           `json:"user_id"`
		CreatedAt     string          `json:"created_at"`
		UpdatedAt     string          `json:"updated_at,omitempty"`
	}

	Category struct {
		ID           int64           `json:"id"`
		Name         string          `json:"name"`
		Color        string          `json:"color"`
		Icon         string          `json:"icon"`
		UserID       *int64          `json:"user_id,omitempty"`
		IsDefault    bool            `json:"is_default,omitempty"`
		CreatedAt    string          `json:"created_at,omitempty"`
		ExpenseCount int             `json:"expense_count,omitempty"`
		TotalAmount  decimal.Decimal `json:"total_amount"`
	}

	// Budget fields after UserID are derived by the server.
	Budget struct {
		ID            int64           `json:"id"`
		Amount        decimal.Decimal `json:"amount"`
		PeriodType    PeriodType      `json:"period_type"`
		Year          int             `json:"year"`
		Month         *int            `json:"month,omitempty"`
		CategoryID    *int64          `json:"category_id,omitempty"` // nil: total budget
		CategoryName  string          `json:"category_name,omitempty"`
		CategoryColor string          `json:"category_color,omitempty"`
		UserID        int64           `json:"user_id"`
		Spent         decimal.Decimal `json:"spent"`
		Remaining     decimal.Decimal `json:"remaining"`
		Percentage    float64         `json:"percentage"`
		IsOverBudget  bool            `json:"is_over_budget"`
		CreatedAt     string          `json:"created_at"`
		UpdatedAt     string          `json:"updated_at,omitempty"`
	}
)

var (
	ErrInvalidAmount      = errors.New("invalid amount")
	ErrInvalidDate        = errors.New("invalid date, expected YYYY-MM-DD")
	ErrInvalidMonth       = errors.New("invalid month")
	ErrInvalidYear        = errors.New("invalid year")
	ErrInvalidPeriod      = errors.New("invalid period type")
	ErrMonthRequired      = errors.New("month is required for monthly budgets")
	ErrEmptyDescription   = errors.New("empty description")
	ErrDescriptionTooLong = errors.New("description too long (max 200 characters)")
	ErrMissingCategory    = errors.New("category is required")
	ErrEmptyName          = errors.New("empty name")
	ErrEmptyUpdate        = errors.New("update has no fields")
	ErrDefaultCategory    = errors.New("default categories cannot be modified")
	ErrMissingUsername    = errors.New("username is required")
	ErrMissingEmail       = errors.New("email is required")
	ErrMissingPassword    = errors.New("password is required")
	ErrPasswordMismatch   = errors.New("passwords do not match")
	ErrInvalidExpenseID   = errors.New("invalid expense id")
	ErrInvalidCategoryID  = errors.New("invalid category id")
	ErrInvalidBudgetID    = errors.New("invalid budget id")
)

// Editable reports whether the category may be renamed or deleted.
// Default categories are shared and read-only.
func (c Category) Editable() bool {
	return !c.IsDefault
}

// Total reports whether the budget spans all categories.
func (b Budget) Total() bool {
	return b.CategoryID == nil
}

func (p PeriodType) Validate() error {
	switch p {
	case Monthly, Yearly:
		return nil
	default:
		return ErrInvalidPeriod
	}
}

// ValidateDate checks s is a calendar date in DateLayout.
func ValidateDate(s string) error {
	if _, err := time.Parse(DateLayout, strings.TrimSpace(s)); err != nil {
		return ErrInvalidDate
	}
	return nil
}

func validateDescription(desc string) error {
	if len(strings.TrimSpace(desc)) == 0 {
		return ErrEmptyDescription
	}
	if len([]rune(desc)) > maxDescriptionLength {
		return ErrDescriptionTooLong
	}
	return nil
}

func validateAmount(d decimal.Decimal) error {
	if !d.IsPositive() {
		return ErrInvalidAmount
	}
	return nil
}
