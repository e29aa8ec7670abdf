package resources

import (
	"context"
	"strconv"

	"tally/internal/cache"
	"tally/internal/core"
)

const (
	pathBudgets      = "/budgets"
	pathBudgetStatus = "/budgets/status"
)

type budgetList struct {
	Budgets []core.Budget `json:"budgets"`
}

type budgetResponse struct {
	Budget core.Budget `json:"budget"`
}

// Budgets covers /budgets. Budgets cannot be edited, only replaced.
type Budgets struct{ r *Resources }

func (b *Budgets) List(ctx context.Context) ([]core.Budget, error) {
	res, err := read[budgetList](ctx, b.r, pathBudgets, nil, cache.TagBudget)
	return res.Budgets, err
}

// Status returns current spending against every budget with alerts.
func (b *Budgets) Status(ctx context.Context) (core.BudgetStatus, error) {
	return read[core.BudgetStatus](ctx, b.r, pathBudgetStatus, nil, cache.TagBudget)
}

// Create rejects a monthly budget without a month before dispatch and drops
// the month of a yearly one.
func (b *Budgets) Create(ctx context.Context, in core.NewBudget) (core.Budget, error) {
	if err := in.Validate(); err != nil {
		return core.Budget{}, err
	}
	var res budgetResponse
	if err := b.r.mutate(ctx, CreateBudget, post(pathBudgets, in.Normalize()), &res); err != nil {
		return core.Budget{}, err
	}
	return res.Budget, nil
}

func (b *Budgets) Delete(ctx context.Context, id int64) error {
	if id <= 0 {
		return core.ErrInvalidBudgetID
	}
	return b.r.mutate(ctx, DeleteBudget, del(pathBudgets+"/"+strconv.FormatInt(id, 10)), nil)
}
