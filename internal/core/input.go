package core

import (
	"strings"

	"github.com/shopspring/decimal"
)

// Request payloads sent by mutations. Validate is run before dispatch so that
// obviously bad input never reaches the network.
type (
	Credentials struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}

	Registration struct {
		Username        string `json:"username"`
		Email           string `json:"email"`
		Password        string `json:"password"`
		ConfirmPassword string `json:"-"`
	}

	NewExpense struct {
		Amount      decimal.Decimal `json:"amount"`
		Description string          `json:"description"`
		Notes       string          `json:"notes,omitempty"`
		CategoryID  int64           `json:"category_id"`
		ExpenseDate string          `json:"expense_date,omitempty"` // server defaults to today
	}

	// ExpenseUpdate is a partial update; nil fields are left untouched.
	ExpenseUpdate struct {
		Amount      *decimal.Decimal `json:"amount,omitempty"`
		Description *string          `json:"description,omitempty"`
		Notes       *string          `json:"notes,omitempty"`
		CategoryID  *int64           `json:"category_id,omitempty"`
		ExpenseDate *string          `json:"expense_date,omitempty"`
	}

	NewCategory struct {
		Name  string `json:"name"`
		Color string `json:"color,omitempty"`
		Icon  string `json:"icon,omitempty"`
	}

	CategoryUpdate struct {
		Name  *string `json:"name,omitempty"`
		Color *string `json:"color,omitempty"`
		Icon  *string `json:"icon,omitempty"`
	}

	NewBudget struct {
		Amount     decimal.Decimal `json:"amount"`
		CategoryID *int64          `json:"category_id,omitempty"`
		PeriodType PeriodType      `json:"period_type"`
		Year       int             `json:"year,omitempty"`
		Month      *int            `json:"month,omitempty"`
	}
)

func (c Credentials) Validate() error {
	if strings.TrimSpace(c.Username) == "" {
		return ErrMissingUsername
	}
	if c.Password == "" {
		return ErrMissingPassword
	}
	return nil
}

// Validate checks the confirmation first: a mismatch is reported even when
// other fields are also missing.
func (r Registration) Validate() error {
	if r.Password != r.ConfirmPassword {
		return ErrPasswordMismatch
	}
	if strings.TrimSpace(r.Username) == "" {
		return ErrMissingUsername
	}
	if strings.TrimSpace(r.Email) == "" {
		return ErrMissingEmail
	}
	if r.Password == "" {
		return ErrMissingPassword
	}
	return nil
}

func (e NewExpense) Validate() error {
	if err := validateAmount(e.Amount); err != nil {
		return err
	}
	if err := validateDescription(e.Description); err != nil {
		return err
	}
	if e.CategoryID <= 0 {
		return ErrMissingCategory
	}
	if e.ExpenseDate != "" {
		if err := ValidateDate(e.ExpenseDate); err != nil {
			return err
		}
	}
	return nil
}

func (u ExpenseUpdate) Validate() error {
	if u.Amount == nil && u.Description == nil && u.Notes == nil && u.CategoryID == nil && u.ExpenseDate == nil {
		return ErrEmptyUpdate
	}
	if u.Amount != nil {
		if err := validateAmount(*u.Amount); err != nil {
			return err
		}
	}
	if u.Description != nil {
		if err := validateDescription(*u.Description); err != nil {
			return err
		}
	}
	if u.CategoryID != nil && *u.CategoryID <= 0 {
		return ErrMissingCategory
	}
	if u.ExpenseDate != nil {
		if err := ValidateDate(*u.ExpenseDate); err != nil {
			return err
		}
	}
	return nil
}

func (c NewCategory) Validate() error {
	if strings.TrimSpace(c.Name) == "" {
		return ErrEmptyName
	}
	return nil
}

func (u CategoryUpdate) Validate() error {
	if u.Name == nil && u.Color == nil && u.Icon == nil {
		return ErrEmptyUpdate
	}
	if u.Name != nil && strings.TrimSpace(*u.Name) == "" {
		return ErrEmptyName
	}
	return nil
}

func (b NewBudget) Validate() error {
	if err := validateAmount(b.Amount); err != nil {
		return err
	}
	if err := b.PeriodType.Validate(); err != nil {
		return err
	}
	if b.Year != 0 && (b.Year < 1900 || b.Year > 3000) {
		return ErrInvalidYear
	}
	if b.CategoryID != nil && *b.CategoryID <= 0 {
		return ErrInvalidCategoryID
	}
	if b.PeriodType == Monthly {
		if b.Month == nil {
			return ErrMonthRequired
		}
		if *b.Month < 1 || *b.Month > 12 {
			return ErrInvalidMonth
		}
	}
	return nil
}

// Normalize drops the month of yearly budgets, which the server ignores.
func (b NewBudget) Normalize() NewBudget {
	if b.PeriodType == Yearly {
		b.Month = nil
	}
	return b
}
