// Package export turns measurements into priced line items for bid and
// estimate documents.
package export

import (
	"fmt"
	"sort"
	"strings"

	"github.com/plan-takeoff/backend/internal/models"
)

// Uncategorized labels measurements without a category.
const Uncategorized = "Uncategorized"

// LineItems converts measurements into line items, one per measurement,
// ordered by category and then by input order.
func LineItems(ms []*models.Measurement) []models.LineItem {
	items := make([]models.LineItem, 0, len(ms))
	for _, m := range ms {
		items = append(items, lineItem(m))
	}
	sort.SliceStable(items, func(i, j int) bool {
		return categoryLess(items[i].Category, items[j].Category)
	})
	return items
}

// Grouped converts measurements into line items grouped by category, with
// a subtotal per group.
func Grouped(ms []*models.Measurement) []models.LineItemGroup {
	var groups []models.LineItemGroup
	index := make(map[string]int)
	for _, item := range LineItems(ms) {
		i, ok := index[item.Category]
		if !ok {
			i = len(groups)
			index[item.Category] = i
			groups = append(groups, models.LineItemGroup{Category: item.Category})
		}
		groups[i].Items = append(groups[i].Items, item)
		groups[i].Subtotal += item.Quantity * item.UnitPrice
	}
	return groups
}

// Total sums the subtotals of groups.
func Total(groups []models.LineItemGroup) float64 {
	var total float64
	for _, g := range groups {
		total += g.Subtotal
	}
	return total
}

func lineItem(m *models.Measurement) models.LineItem {
	category := strings.TrimSpace(m.Category)
	if category == "" {
		category = Uncategorized
	}
	return models.LineItem{
		Description: description(m),
		Quantity:    m.Value,
		Unit:        m.Unit,
		UnitPrice:   m.UnitPrice,
		Category:    category,
	}
}

func description(m *models.Measurement) string {
	label := strings.TrimSpace(m.Label)
	if label == "" {
		label = fmt.Sprintf("%s measurement", m.Type)
	}
	if m.Page > 0 {
		return fmt.Sprintf("%s (p. %d)", label, m.Page)
	}
	return label
}

// categoryLess sorts named categories alphabetically and puts
// Uncategorized last.
func categoryLess(a, b string) bool {
	if a == b {
		return false
	}
	if a == Uncategorized {
		return false
	}
	if b == Uncategorized {
		return true
	}
	return strings.ToLower(a) < strings.ToLower(b)
}
