package domain

import "github.com/shopspring/decimal"

// MonthLayout formats the month keys of a Forecast.
const MonthLayout = "2006-01"

// Forecast is per-category monthly expense totals plus a projection.
type Forecast struct {
	// Categories maps category to month key to total. Each category also
	// holds its projected total under NextMonth.
	Categories map[string]map[string]decimal.Decimal `json:"forecast"`
	NextMonth  string                                `json:"nextMonth"`
}
