package resources

import (
	"context"
	"strconv"

	"tally/internal/cache"
	"tally/internal/core"
)

const (
	pathCategories    = "/categories"
	pathCategoryStats = "/categories/stats"
)

type categoryList struct {
	Categories []core.Category `json:"categories"`
}

type categoryStats struct {
	CategoryStats []core.Category `json:"category_stats"`
}

type categoryResponse struct {
	Category core.Category `json:"category"`
}

// Categories covers /categories. Writes invalidate category reads only.
type Categories struct{ r *Resources }

func (c *Categories) List(ctx context.Context) ([]core.Category, error) {
	res, err := read[categoryList](ctx, c.r, pathCategories, nil, cache.TagCategory)
	return res.Categories, err
}

// Stats lists categories with their expense count and total.
func (c *Categories) Stats(ctx context.Context) ([]core.Category, error) {
	res, err := read[categoryStats](ctx, c.r, pathCategoryStats, nil, cache.TagCategory)
	return res.CategoryStats, err
}

func (c *Categories) Create(ctx context.Context, in core.NewCategory) (core.Category, error) {
	if err := in.Validate(); err != nil {
		return core.Category{}, err
	}
	var res categoryResponse
	if err := c.r.mutate(ctx, CreateCategory, post(pathCategories, in), &res); err != nil {
		return core.Category{}, err
	}
	return res.Category, nil
}

func (c *Categories) Update(ctx context.Context, id int64, u core.CategoryUpdate) (core.Category, error) {
	if err := c.checkEditable(id); err != nil {
		return core.Category{}, err
	}
	if err := u.Validate(); err != nil {
		return core.Category{}, err
	}
	var res categoryResponse
	if err := c.r.mutate(ctx, UpdateCategory, put(categoryPath(id), u), &res); err != nil {
		return core.Category{}, err
	}
	return res.Category, nil
}

// Delete removes a category. The server rejects categories still referenced
// by expenses.
func (c *Categories) Delete(ctx context.Context, id int64) error {
	if err := c.checkEditable(id); err != nil {
		return err
	}
	return c.r.mutate(ctx, DeleteCategory, del(categoryPath(id)), nil)
}

// checkEditable rejects ids of default categories already seen in a cached
// listing. Unknown ids are left to the server.
func (c *Categories) checkEditable(id int64) error {
	if id <= 0 {
		return core.ErrInvalidCategoryID
	}
	for _, key := range []string{pathCategories, pathCategoryStats} {
		v, _, ok := c.r.cache.Peek(key)
		if !ok {
			continue
		}
		var cats []core.Category
		switch list := v.(type) {
		case categoryList:
			cats = list.Categories
		case categoryStats:
			cats = list.CategoryStats
		}
		for _, cat := range cats {
			if cat.ID == id && !cat.Editable() {
				return core.ErrDefaultCategory
			}
		}
	}
	return nil
}

func categoryPath(id int64) string {
	return pathCategories + "/" + strconv.FormatInt(id, 10)
}
