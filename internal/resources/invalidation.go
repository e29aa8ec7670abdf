package resources

import "tally/internal/cache"

// Mutation identifies a write operation for cache invalidation.
type Mutation int

const (
	CreateExpense Mutation = iota
	UpdateExpense
	DeleteExpense
	CreateCategory
	UpdateCategory
	DeleteCategory
	CreateBudget
	DeleteBudget

	numMutations
)

var mutationNames = [numMutations]string{
	CreateExpense:  "create_expense",
	UpdateExpense:  "update_expense",
	DeleteExpense:  "delete_expense",
	CreateCategory: "create_category",
	UpdateCategory: "update_category",
	DeleteCategory: "delete_category",
	CreateBudget:   "create_budget",
	DeleteBudget:   "delete_budget",
}

// expenseTags: expense amounts feed both budget spending and reports.
var expenseTags = []cache.Tag{cache.TagExpense, cache.TagReport, cache.TagBudget}

// invalidations maps every mutation to the tags it marks stale.
var invalidations = [numMutations][]cache.Tag{
	CreateExpense:  expenseTags,
	UpdateExpense:  expenseTags,
	DeleteExpense:  expenseTags,
	CreateCategory: {cache.TagCategory},
	UpdateCategory: {cache.TagCategory},
	DeleteCategory: {cache.TagCategory},
	CreateBudget:   {cache.TagBudget},
	DeleteBudget:   {cache.TagBudget},
}

func (m Mutation) String() string {
	if m < 0 || m >= numMutations {
		return "unknown"
	}
	return mutationNames[m]
}

// Invalidates returns the tags a successful m invalidates.
func (m Mutation) Invalidates() []cache.Tag {
	if m < 0 || m >= numMutations {
		return nil
	}
	return invalidations[m]
}

// Mutations lists every mutation kind.
func Mutations() []Mutation {
	out := make([]Mutation, numMutations)
	for i := range out {
		out[i] = Mutation(i)
	}
	return out
}
