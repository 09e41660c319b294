// Package query implements routing, filter translation, and the retrieval
// strategies behind the query API.
package query

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// FilterValidationError reports an unusable filter: unknown field, unknown
// operator, or an operator the field does not support.
type FilterValidationError struct {
	Field string
	Op    string
	Msg   string
}

func (e *FilterValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("invalid filter on %q: %s", e.Field, e.Msg)
	}
	return "invalid filter: " + e.Msg
}

// Condition is one clause of a FilterDSL. The populated value field depends
// on the operator: Value for scalar ops, Values for in/notIn, Range for
// between/notBetween. isNull/isNotNull take no value at all.
type Condition struct {
	Field  string        `json:"field"`
	Op     string        `json:"op"`
	Value  interface{}   `json:"value,omitempty"`
	Values []interface{} `json:"values,omitempty"`
	Range  *Range        `json:"range,omitempty"`
}

// Range bounds a between/notBetween condition, inclusive on both ends.
type Range struct {
	Low  interface{} `json:"low"`
	High interface{} `json:"high"`
}

// FilterDSL is the structured filter accepted by the query API and produced
// by the LLM filter parser.
type FilterDSL struct {
	Conditions []Condition `json:"conditions"`
	Combine    string      `json:"combine,omitempty"` // and (default) or or
}

// filterColumns is the closed field-to-column map. Field names reach SQL
// only through this table.
var filterColumns = map[string]string{
	"docType":    "c.doc_type",
	"repoId":     "c.repo_id",
	"lang":       "c.lang",
	"path":       "c.path",
	"mimeType":   "d.mime_type",
	"ingestedAt": "d.ingested_at",
	"createdAt":  "c.created_at",
	"updatedAt":  "c.updated_at",
}

// temporalFields accept comparison and range operators.
var temporalFields = map[string]bool{
	"ingestedAt": true,
	"createdAt":  true,
	"updatedAt":  true,
}

var scalarOps = map[string]string{
	"eq": "=", "ne": "<>", "gt": ">", "gte": ">=", "lt": "<", "lte": "<=",
}

// TranslateFilter renders a FilterDSL as a SQL fragment. The fragment is
// either empty or starts with " AND (", and its placeholders begin at
// $offset+1 so it can be appended to an existing query.
func TranslateFilter(dsl *FilterDSL, offset int) (string, []interface{}, error) {
	if dsl == nil || len(dsl.Conditions) == 0 {
		return "", nil, nil
	}

	joiner := " AND "
	switch dsl.Combine {
	case "", "and":
	case "or":
		joiner = " OR "
	default:
		return "", nil, &FilterValidationError{Msg: fmt.Sprintf("unknown combine %q", dsl.Combine)}
	}

	var (
		clauses []string
		params  []interface{}
	)
	next := func() int { return offset + len(params) + 1 }

	for _, cond := range dsl.Conditions {
		col, ok := filterColumns[cond.Field]
		if !ok {
			return "", nil, &FilterValidationError{Field: cond.Field, Op: cond.Op, Msg: "unknown field"}
		}

		switch cond.Op {
		case "eq", "ne", "gt", "gte", "lt", "lte":
			if isComparison(cond.Op) && !temporalFields[cond.Field] {
				return "", nil, &FilterValidationError{Field: cond.Field, Op: cond.Op,
					Msg: "comparison operators require a temporal field"}
			}
			clauses = append(clauses, fmt.Sprintf("%s %s $%d", col, scalarOps[cond.Op], next()))
			params = append(params, cond.Value)

		case "isNull":
			clauses = append(clauses, col+" IS NULL")

		case "isNotNull":
			clauses = append(clauses, col+" IS NOT NULL")

		case "in", "notIn":
			if len(cond.Values) == 0 {
				return "", nil, &FilterValidationError{Field: cond.Field, Op: cond.Op, Msg: "empty value list"}
			}
			placeholders := make([]string, len(cond.Values))
			for i, v := range cond.Values {
				placeholders[i] = fmt.Sprintf("$%d", next())
				params = append(params, v)
			}
			op := "IN"
			if cond.Op == "notIn" {
				op = "NOT IN"
			}
			clauses = append(clauses, fmt.Sprintf("%s %s (%s)", col, op, strings.Join(placeholders, ", ")))

		case "between", "notBetween":
			if !temporalFields[cond.Field] {
				return "", nil, &FilterValidationError{Field: cond.Field, Op: cond.Op,
					Msg: "range operators require a temporal field"}
			}
			if cond.Range == nil {
				return "", nil, &FilterValidationError{Field: cond.Field, Op: cond.Op, Msg: "missing range"}
			}
			low := next()
			params = append(params, cond.Range.Low)
			high := next()
			params = append(params, cond.Range.High)
			clause := fmt.Sprintf("%s >= $%d AND %s <= $%d", col, low, col, high)
			if cond.Op == "notBetween" {
				clause = fmt.Sprintf("NOT (%s)", clause)
			}
			clauses = append(clauses, clause)

		default:
			return "", nil, &FilterValidationError{Field: cond.Field, Op: cond.Op, Msg: "unknown operator"}
		}
	}

	return " AND (" + strings.Join(clauses, joiner) + ")", params, nil
}

// ParseFilterJSON accepts either the tagged DSL or the legacy flat object
// {field: value}, which becomes a conjunction of eq conditions in sorted
// field order.
func ParseFilterJSON(raw json.RawMessage) (*FilterDSL, error) {
	if len(raw) == 0 {
		return nil, nil
	}

	var dsl FilterDSL
	if err := json.Unmarshal(raw, &dsl); err == nil && len(dsl.Conditions) > 0 {
		return &dsl, nil
	}

	var flat map[string]interface{}
	if err := json.Unmarshal(raw, &flat); err != nil {
		return nil, &FilterValidationError{Msg: "filter is not an object"}
	}
	if len(flat) == 0 {
		return nil, nil
	}
	// An explicit empty conditions array means no filter, not a legacy
	// flat object.
	if _, ok := flat["conditions"]; ok {
		return nil, nil
	}

	fields := make([]string, 0, len(flat))
	for f := range flat {
		fields = append(fields, f)
	}
	sort.Strings(fields)

	out := &FilterDSL{Combine: "and"}
	for _, f := range fields {
		out.Conditions = append(out.Conditions, Condition{Field: f, Op: "eq", Value: flat[f]})
	}
	return out, nil
}

func isComparison(op string) bool {
	switch op {
	case "gt", "gte", "lt", "lte":
		return true
	}
	return false
}
