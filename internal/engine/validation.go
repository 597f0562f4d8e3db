package engine

import (
	"context"
	"fmt"
	"regexp"
	"strconv"

	"lattice-backend/internal/catalog"
)

// ValidationService checks a write payload against field constraints before
// the engine touches SQL. Implementations return a VALIDATION_FAILED
// AppError carrying one detail per violation.
type ValidationService interface {
	// Validate checks a payload. isInsert enables required-field checks;
	// partial updates skip them.
	Validate(ctx context.Context, table string, fields catalog.FieldSet, payload map[string]any, isInsert bool) error
}

// FieldValidator enforces the declarative constraints the catalog carries on
// each field: nullability (insert only), max length, min/max bounds and
// regex patterns. It ignores keys the engine will drop anyway.
type FieldValidator struct{}

func (v *FieldValidator) Validate(_ context.Context, table string, fields catalog.FieldSet, payload map[string]any, isInsert bool) error {
	var details []ErrorDetail

	for _, f := range fields.Persisted() {
		raw, present := payload[f.PhysicalName]

		if !present {
			if isInsert && !f.Nullable && !f.IsPrimaryKey && f.DefaultValue == "" && !isEngineManaged(f.PhysicalName) {
				details = append(details, ErrorDetail{
					Field:   f.PhysicalName,
					Rule:    "required",
					Message: fmt.Sprintf("%s is required", f.PhysicalName),
				})
			}
			continue
		}
		if raw == nil {
			if !f.Nullable {
				details = append(details, ErrorDetail{
					Field:   f.PhysicalName,
					Rule:    "not_null",
					Message: fmt.Sprintf("%s must not be null", f.PhysicalName),
				})
			}
			continue
		}

		if s, ok := raw.(string); ok {
			if f.MaxLength > 0 && len([]rune(s)) > f.MaxLength {
				details = append(details, ErrorDetail{
					Field:   f.PhysicalName,
					Rule:    "max_length",
					Message: fmt.Sprintf("%s exceeds max length %d", f.PhysicalName, f.MaxLength),
				})
			}
			if f.RegexPattern != "" {
				re, err := regexp.Compile(f.RegexPattern)
				if err == nil && !re.MatchString(s) {
					details = append(details, ErrorDetail{
						Field:   f.PhysicalName,
						Rule:    "pattern",
						Message: fmt.Sprintf("%s does not match required pattern", f.PhysicalName),
					})
				}
			}
		}

		if f.MinValue != "" || f.MaxValue != "" {
			if n, ok := numericValue(raw); ok {
				if min, err := strconv.ParseFloat(f.MinValue, 64); f.MinValue != "" && err == nil && n < min {
					details = append(details, ErrorDetail{
						Field:   f.PhysicalName,
						Rule:    "min",
						Message: fmt.Sprintf("%s is below minimum %s", f.PhysicalName, f.MinValue),
					})
				}
				if max, err := strconv.ParseFloat(f.MaxValue, 64); f.MaxValue != "" && err == nil && n > max {
					details = append(details, ErrorDetail{
						Field:   f.PhysicalName,
						Rule:    "max",
						Message: fmt.Sprintf("%s is above maximum %s", f.PhysicalName, f.MaxValue),
					})
				}
			}
		}
	}

	if len(details) > 0 {
		return ValidationError(details)
	}
	return nil
}

func isEngineManaged(name string) bool {
	switch name {
	case catalog.ColTenant, catalog.ColDeleted, catalog.ColCreatedAt, catalog.ColUpdatedAt,
		catalog.ColCreatedBy, catalog.ColUpdatedBy, catalog.ColRowVersion:
		return true
	}
	return false
}

func numericValue(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int64:
		return float64(n), true
	case int:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	return 0, false
}
