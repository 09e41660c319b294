package query

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTranslateFilterScalar(t *testing.T) {
	dsl := &FilterDSL{Conditions: []Condition{
		{Field: "docType", Op: "eq", Value: "code"},
		{Field: "lang", Op: "ne", Value: "ts"},
	}}

	sql, params, err := TranslateFilter(dsl, 3)
	require.NoError(t, err)
	assert.Equal(t, " AND (c.doc_type = $4 AND c.lang <> $5)", sql)
	assert.Equal(t, []interface{}{"code", "ts"}, params)
}

func TestTranslateFilterParamsStartAtOffsetPlusOne(t *testing.T) {
	dsl := &FilterDSL{Conditions: []Condition{{Field: "repoId", Op: "eq", Value: "r1"}}}

	for _, offset := range []int{0, 2, 7} {
		sql, params, err := TranslateFilter(dsl, offset)
		require.NoError(t, err)
		assert.Contains(t, sql, "$"+string(rune('1'+offset)))
		assert.Len(t, params, 1)
	}
}

func TestTranslateFilterInAndNotIn(t *testing.T) {
	dsl := &FilterDSL{Conditions: []Condition{
		{Field: "lang", Op: "in", Values: []interface{}{"go", "ts", "py"}},
	}}

	sql, params, err := TranslateFilter(dsl, 0)
	require.NoError(t, err)
	assert.Equal(t, " AND (c.lang IN ($1, $2, $3))", sql)
	assert.Len(t, params, 3)

	dsl.Conditions[0].Op = "notIn"
	sql, _, err = TranslateFilter(dsl, 0)
	require.NoError(t, err)
	assert.Contains(t, sql, "NOT IN")
}

func TestTranslateFilterBetweenTemporal(t *testing.T) {
	dsl := &FilterDSL{
		Conditions: []Condition{
			{Field: "lang", Op: "eq", Value: "ts"},
			{Field: "ingestedAt", Op: "between", Range: &Range{Low: "2023-01-01", High: "2023-12-31"}},
		},
		Combine: "and",
	}

	sql, params, err := TranslateFilter(dsl, 4)
	require.NoError(t, err)
	assert.Contains(t, sql, "c.lang = $5")
	assert.Contains(t, sql, "d.ingested_at >= $6 AND d.ingested_at <= $7")
	assert.Equal(t, []interface{}{"ts", "2023-01-01", "2023-12-31"}, params)
}

func TestTranslateFilterBetweenRejectedOnNonTemporal(t *testing.T) {
	dsl := &FilterDSL{Conditions: []Condition{
		{Field: "docType", Op: "between", Range: &Range{Low: "a", High: "b"}},
	}}
	_, _, err := TranslateFilter(dsl, 0)
	var verr *FilterValidationError
	require.ErrorAs(t, err, &verr)
}

func TestTranslateFilterComparisonRejectedOnNonTemporal(t *testing.T) {
	dsl := &FilterDSL{Conditions: []Condition{{Field: "lang", Op: "gt", Value: "x"}}}
	_, _, err := TranslateFilter(dsl, 0)
	var verr *FilterValidationError
	require.ErrorAs(t, err, &verr)

	// but gte on a temporal field is fine
	dsl = &FilterDSL{Conditions: []Condition{{Field: "createdAt", Op: "gte", Value: "2024-01-01"}}}
	_, _, err = TranslateFilter(dsl, 0)
	require.NoError(t, err)
}

func TestTranslateFilterUnknownFieldAndOp(t *testing.T) {
	var verr *FilterValidationError

	_, _, err := TranslateFilter(&FilterDSL{Conditions: []Condition{
		{Field: "password", Op: "eq", Value: "x"},
	}}, 0)
	require.ErrorAs(t, err, &verr)

	_, _, err = TranslateFilter(&FilterDSL{Conditions: []Condition{
		{Field: "lang", Op: "regex", Value: "x"},
	}}, 0)
	require.ErrorAs(t, err, &verr)
}

func TestTranslateFilterNullOps(t *testing.T) {
	sql, params, err := TranslateFilter(&FilterDSL{Conditions: []Condition{
		{Field: "repoId", Op: "isNull"},
		{Field: "path", Op: "isNotNull"},
	}, Combine: "or"}, 0)
	require.NoError(t, err)
	assert.Equal(t, " AND (c.repo_id IS NULL OR c.path IS NOT NULL)", sql)
	assert.Empty(t, params)
}

func TestTranslateFilterEmpty(t *testing.T) {
	sql, params, err := TranslateFilter(nil, 5)
	require.NoError(t, err)
	assert.Empty(t, sql)
	assert.Empty(t, params)

	sql, _, err = TranslateFilter(&FilterDSL{}, 5)
	require.NoError(t, err)
	assert.Empty(t, sql)
}

func TestParseFilterJSONTagged(t *testing.T) {
	dsl, err := ParseFilterJSON(json.RawMessage(`{"conditions":[{"field":"lang","op":"eq","value":"go"}],"combine":"and"}`))
	require.NoError(t, err)
	require.NotNil(t, dsl)
	assert.Len(t, dsl.Conditions, 1)
	assert.Equal(t, "lang", dsl.Conditions[0].Field)
}

func TestParseFilterJSONLegacyFlat(t *testing.T) {
	dsl, err := ParseFilterJSON(json.RawMessage(`{"lang":"go","docType":"code"}`))
	require.NoError(t, err)
	require.NotNil(t, dsl)
	require.Len(t, dsl.Conditions, 2)
	// sorted field order
	assert.Equal(t, "docType", dsl.Conditions[0].Field)
	assert.Equal(t, "eq", dsl.Conditions[0].Op)
	assert.Equal(t, "lang", dsl.Conditions[1].Field)
}

func TestParseFilterJSONEmpty(t *testing.T) {
	dsl, err := ParseFilterJSON(nil)
	require.NoError(t, err)
	assert.Nil(t, dsl)

	dsl, err = ParseFilterJSON(json.RawMessage(`{}`))
	require.NoError(t, err)
	assert.Nil(t, dsl)
}

func TestParseFilterJSONInvalid(t *testing.T) {
	_, err := ParseFilterJSON(json.RawMessage(`"not an object"`))
	var verr *FilterValidationError
	require.ErrorAs(t, err, &verr)
}
