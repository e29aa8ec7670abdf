package resources

import (
	"context"
	"fmt"
	"net/url"
	"strconv"

	"github.com/shopspring/decimal"

	"tally/internal/cache"
	"tally/internal/core"
)

const pathExpenses = "/expenses"

const (
	DefaultPage  = 1
	DefaultLimit = 20
	MaxLimit     = 100
)

// ExpenseFilters are the server-side filters and page of an expense listing.
// Changing any filter through a With method returns to the first page.
type ExpenseFilters struct {
	CategoryID int64
	StartDate  string
	EndDate    string
	Search     string
	MinAmount  *decimal.Decimal
	MaxAmount  *decimal.Decimal
	Page       int
	Limit      int
}

// DefaultExpenseFilters returns the first page with the default page size.
func DefaultExpenseFilters() ExpenseFilters {
	return ExpenseFilters{Page: DefaultPage, Limit: DefaultLimit}
}

func (f ExpenseFilters) WithCategory(id int64) ExpenseFilters {
	f.CategoryID = id
	f.Page = DefaultPage
	return f
}

func (f ExpenseFilters) WithDateRange(start, end string) ExpenseFilters {
	f.StartDate, f.EndDate = start, end
	f.Page = DefaultPage
	return f
}

func (f ExpenseFilters) WithSearch(s string) ExpenseFilters {
	f.Search = s
	f.Page = DefaultPage
	return f
}

func (f ExpenseFilters) WithAmountRange(minAmount, maxAmount *decimal.Decimal) ExpenseFilters {
	f.MinAmount, f.MaxAmount = minAmount, maxAmount
	f.Page = DefaultPage
	return f
}

func (f ExpenseFilters) WithLimit(limit int) ExpenseFilters {
	f.Limit = limit
	f.Page = DefaultPage
	return f
}

// NextPage advances unless p says this is the last page.
func (f ExpenseFilters) NextPage(p core.Pagination) ExpenseFilters {
	if f.page() < p.Pages {
		f.Page = f.page() + 1
	}
	return f
}

func (f ExpenseFilters) PrevPage() ExpenseFilters {
	if f.page() > 1 {
		f.Page = f.page() - 1
	}
	return f
}

func (f ExpenseFilters) page() int {
	if f.Page <= 0 {
		return DefaultPage
	}
	return f.Page
}

func (f ExpenseFilters) limit() int {
	if f.Limit <= 0 {
		return DefaultLimit
	}
	return f.Limit
}

func (f ExpenseFilters) Validate() error {
	if f.Limit > MaxLimit {
		return fmt.Errorf("limit %d exceeds %d", f.Limit, MaxLimit)
	}
	if f.CategoryID < 0 {
		return core.ErrInvalidCategoryID
	}
	for _, d := range []string{f.StartDate, f.EndDate} {
		if d != "" {
			if err := core.ValidateDate(d); err != nil {
				return err
			}
		}
	}
	if f.MinAmount != nil && f.MaxAmount != nil && f.MinAmount.GreaterThan(*f.MaxAmount) {
		return fmt.Errorf("min amount %s above max amount %s", f.MinAmount, f.MaxAmount)
	}
	return nil
}

// Values encodes the filters as query parameters. Unset filters are omitted
// so equal filters always produce the same cache key.
func (f ExpenseFilters) Values() url.Values {
	v := url.Values{}
	v.Set("page", strconv.Itoa(f.page()))
	v.Set("limit", strconv.Itoa(f.limit()))
	if f.CategoryID > 0 {
		v.Set("category_id", strconv.FormatInt(f.CategoryID, 10))
	}
	if f.StartDate != "" {
		v.Set("start_date", f.StartDate)
	}
	if f.EndDate != "" {
		v.Set("end_date", f.EndDate)
	}
	if f.Search != "" {
		v.Set("search", f.Search)
	}
	if f.MinAmount != nil {
		v.Set("min_amount", f.MinAmount.String())
	}
	if f.MaxAmount != nil {
		v.Set("max_amount", f.MaxAmount.String())
	}
	return v
}

type expenseResponse struct {
	Expense core.Expense `json:"expense"`
}

// Expenses covers /expenses. Every successful write invalidates expense,
// report and budget reads.
type Expenses struct{ r *Resources }

func (e *Expenses) List(ctx context.Context, f ExpenseFilters) (core.ExpensePage, error) {
	if err := f.Validate(); err != nil {
		return core.ExpensePage{}, err
	}
	return read[core.ExpensePage](ctx, e.r, pathExpenses, f.Values(), cache.TagExpense)
}

func (e *Expenses) Create(ctx context.Context, in core.NewExpense) (core.Expense, error) {
	if err := in.Validate(); err != nil {
		return core.Expense{}, err
	}
	var res expenseResponse
	if err := e.r.mutate(ctx, CreateExpense, post(pathExpenses, in), &res); err != nil {
		return core.Expense{}, err
	}
	return res.Expense, nil
}

func (e *Expenses) Update(ctx context.Context, id int64, u core.ExpenseUpdate) (core.Expense, error) {
	if id <= 0 {
		return core.Expense{}, core.ErrInvalidExpenseID
	}
	if err := u.Validate(); err != nil {
		return core.Expense{}, err
	}
	var res expenseResponse
	if err := e.r.mutate(ctx, UpdateExpense, put(expensePath(id), u), &res); err != nil {
		return core.Expense{}, err
	}
	return res.Expense, nil
}

func (e *Expenses) Delete(ctx context.Context, id int64) error {
	if id <= 0 {
		return core.ErrInvalidExpenseID
	}
	return e.r.mutate(ctx, DeleteExpense, del(expensePath(id)), nil)
}

func expensePath(id int64) string {
	return pathExpenses + "/" + strconv.FormatInt(id, 10)
}
