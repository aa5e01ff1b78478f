package grid

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/pythagonacci/trakgrid/internal/metadata"
)

// AggregationKind selects how a rollup condenses the target values pulled
// from related rows.
type AggregationKind string

const (
	AggCount           AggregationKind = "count"
	AggCountValues     AggregationKind = "count_values"
	AggCountEmpty      AggregationKind = "count_empty"
	AggCountUnique     AggregationKind = "count_unique"
	AggPercentEmpty    AggregationKind = "percent_empty"
	AggPercentNotEmpty AggregationKind = "percent_not_empty"
	AggSum             AggregationKind = "sum"
	AggAverage         AggregationKind = "average"
	AggMedian          AggregationKind = "median"
	AggMin             AggregationKind = "min"
	AggMax             AggregationKind = "max"
	AggRange           AggregationKind = "range"
	AggEarliestDate    AggregationKind = "earliest_date"
	AggLatestDate      AggregationKind = "latest_date"
	AggDateRange       AggregationKind = "date_range"
	AggChecked         AggregationKind = "checked"
	AggUnchecked       AggregationKind = "unchecked"
	AggPercentChecked  AggregationKind = "percent_checked"
	AggShowUnique      AggregationKind = "show_unique"
	AggShowOriginal    AggregationKind = "show_original"
)

// Aggregate condenses target values into a single rollup value. An unknown
// kind yields nil, never an error: a misconfigured rollup shows an empty
// cell rather than poisoning the recompute pass.
func Aggregate(values []any, kind AggregationKind) any {
	switch kind {
	case AggCount:
		// counts every related row, including empty cells
		return float64(len(values))

	case AggCountValues:
		return float64(len(cleanValues(values)))

	case AggCountEmpty:
		return float64(len(values) - len(cleanValues(values)))

	case AggCountUnique:
		return float64(len(uniqueStrings(cleanValues(values))))

	case AggPercentEmpty:
		if len(values) == 0 {
			return float64(0)
		}
		empty := len(values) - len(cleanValues(values))
		return math.Round(float64(empty) / float64(len(values)) * 100)

	case AggPercentNotEmpty:
		if len(values) == 0 {
			return float64(0)
		}
		return math.Round(float64(len(cleanValues(values))) / float64(len(values)) * 100)

	case AggSum:
		sum := 0.0
		for _, n := range numericValues(values) {
			sum += n
		}
		return sum

	case AggAverage:
		nums := numericValues(values)
		if len(nums) == 0 {
			return nil
		}
		sum := 0.0
		for _, n := range nums {
			sum += n
		}
		return sum / float64(len(nums))

	case AggMedian:
		nums := numericValues(values)
		if len(nums) == 0 {
			return nil
		}
		sort.Float64s(nums)
		mid := len(nums) / 2
		if len(nums)%2 == 0 {
			return (nums[mid-1] + nums[mid]) / 2
		}
		return nums[mid]

	case AggMin:
		nums := numericValues(values)
		if len(nums) == 0 {
			return nil
		}
		min := nums[0]
		for _, n := range nums[1:] {
			if n < min {
				min = n
			}
		}
		return min

	case AggMax:
		nums := numericValues(values)
		if len(nums) == 0 {
			return nil
		}
		max := nums[0]
		for _, n := range nums[1:] {
			if n > max {
				max = n
			}
		}
		return max

	case AggRange:
		nums := numericValues(values)
		if len(nums) == 0 {
			return nil
		}
		min, max := nums[0], nums[0]
		for _, n := range nums[1:] {
			if n < min {
				min = n
			}
			if n > max {
				max = n
			}
		}
		return max - min

	case AggEarliestDate:
		dates := dateValues(values)
		if len(dates) == 0 {
			return nil
		}
		earliest := dates[0]
		for _, d := range dates[1:] {
			if d.Before(earliest) {
				earliest = d
			}
		}
		return earliest.UTC().Format(time.RFC3339)

	case AggLatestDate:
		dates := dateValues(values)
		if len(dates) == 0 {
			return nil
		}
		latest := dates[0]
		for _, d := range dates[1:] {
			if d.After(latest) {
				latest = d
			}
		}
		return latest.UTC().Format(time.RFC3339)

	case AggDateRange:
		dates := dateValues(values)
		if len(dates) == 0 {
			return nil
		}
		earliest, latest := dates[0], dates[0]
		for _, d := range dates[1:] {
			if d.Before(earliest) {
				earliest = d
			}
			if d.After(latest) {
				latest = d
			}
		}
		return math.Round(latest.Sub(earliest).Hours() / 24)

	case AggChecked:
		count := 0
		for _, v := range values {
			if b, ok := v.(bool); ok && b {
				count++
			}
		}
		return float64(count)

	case AggUnchecked:
		// false and empty both count as unchecked
		count := 0
		for _, v := range values {
			if v == nil {
				count++
			} else if b, ok := v.(bool); ok && !b {
				count++
			}
		}
		return float64(count)

	case AggPercentChecked:
		if len(values) == 0 {
			return float64(0)
		}
		checked := 0
		for _, v := range values {
			if b, ok := v.(bool); ok && b {
				checked++
			}
		}
		return math.Round(float64(checked) / float64(len(values)) * 100)

	case AggShowUnique:
		return strings.Join(uniqueStrings(cleanValues(values)), ", ")

	case AggShowOriginal:
		cleaned := cleanValues(values)
		parts := make([]string, len(cleaned))
		for i, v := range cleaned {
			parts[i] = stringifyValue(v)
		}
		return strings.Join(parts, ", ")

	default:
		return nil
	}
}

// MatchesFilter applies the rollup's single-condition predicate to one
// related row's filter-field value.
func MatchesFilter(value any, filter *metadata.RollupFilter) bool {
	if filter == nil {
		return true
	}
	switch filter.Operator {
	case "equals":
		return looseEquals(value, filter.Value)
	case "not_equals":
		return !looseEquals(value, filter.Value)
	case "contains":
		return strings.Contains(stringifyValue(value), stringifyValue(filter.Value))
	case "not_contains":
		return !strings.Contains(stringifyValue(value), stringifyValue(filter.Value))
	case "greater_than":
		a, okA := toFloat64(value)
		b, okB := toFloat64(filter.Value)
		return okA && okB && a > b
	case "less_than":
		a, okA := toFloat64(value)
		b, okB := toFloat64(filter.Value)
		return okA && okB && a < b
	case "greater_or_equal":
		a, okA := toFloat64(value)
		b, okB := toFloat64(filter.Value)
		return okA && okB && a >= b
	case "less_or_equal":
		a, okA := toFloat64(value)
		b, okB := toFloat64(filter.Value)
		return okA && okB && a <= b
	case "is_empty":
		return value == nil || stringifyValue(value) == ""
	case "is_not_empty":
		return value != nil && stringifyValue(value) != ""
	default:
		return true
	}
}

func looseEquals(a, b any) bool {
	if na, okA := toFloat64(a); okA {
		if nb, okB := toFloat64(b); okB {
			return na == nb
		}
	}
	return stringifyValue(a) == stringifyValue(b)
}

// cleanValues drops nil entries; everything else, including empty strings
// and zeros, is a value.
func cleanValues(values []any) []any {
	cleaned := make([]any, 0, len(values))
	for _, v := range values {
		if v != nil {
			cleaned = append(cleaned, v)
		}
	}
	return cleaned
}

// numericValues coerces cleaned values to float64, dropping non-numeric entries.
func numericValues(values []any) []float64 {
	var nums []float64
	for _, v := range cleanValues(values) {
		if _, isBool := v.(bool); isBool {
			continue
		}
		if n, ok := toFloat64(v); ok {
			nums = append(nums, n)
		}
	}
	return nums
}

// dateValues parses cleaned values as dates, dropping unparseable entries.
func dateValues(values []any) []time.Time {
	var dates []time.Time
	for _, v := range cleanValues(values) {
		if t, ok := parseDate(v); ok {
			dates = append(dates, t)
		}
	}
	return dates
}

func uniqueStrings(values []any) []string {
	seen := make(map[string]bool, len(values))
	var unique []string
	for _, v := range values {
		s := stringifyValue(v)
		if !seen[s] {
			seen[s] = true
			unique = append(unique, s)
		}
	}
	return unique
}

func stringifyValue(v any) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	if f, ok := v.(float64); ok && f == math.Trunc(f) && math.Abs(f) < 1e15 {
		return fmt.Sprintf("%d", int64(f))
	}
	return fmt.Sprintf("%v", v)
}
