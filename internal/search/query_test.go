package search

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseValueExtractsPrefix(t *testing.T) {
	assert.Equal(t, ParsedValue{Prefix: PrefixGt, Value: "2023-01-01"}, ParseValue("gt2023-01-01"))
	assert.Equal(t, ParsedValue{Prefix: PrefixEq, Value: "100"}, ParseValue("100"))
}

func TestParseParamModifier(t *testing.T) {
	code, mod := ParseParamModifier("name:exact")
	assert.Equal(t, "name", code)
	assert.Equal(t, ModifierExact, mod)

	code, mod = ParseParamModifier("code")
	assert.Equal(t, "code", code)
	assert.Equal(t, Modifier(""), mod)
}

func TestTokenClauseWithSystemAndCode(t *testing.T) {
	c, next, err := tokenClause("http://loinc.org|1234-5", "", 1)
	require.NoError(t, err)
	assert.Equal(t, "(system = $1 AND code = $2)", c.SQL)
	assert.Equal(t, []interface{}{"http://loinc.org", "1234-5"}, c.Args)
	assert.Equal(t, 3, next)
}

func TestTokenClauseCodeOnly(t *testing.T) {
	c, next, err := tokenClause("active", "", 1)
	require.NoError(t, err)
	assert.Equal(t, "code = $1", c.SQL)
	assert.Equal(t, 2, next)
}

func TestReferenceClauseWithType(t *testing.T) {
	c, next, err := referenceClause("Patient/123", 1)
	require.NoError(t, err)
	assert.Equal(t, "(target_type = $1 AND target_id = $2)", c.SQL)
	assert.Equal(t, []interface{}{"Patient", "123"}, c.Args)
	assert.Equal(t, 3, next)
}

func TestBuildParamSubqueryOrsCommaSeparatedValues(t *testing.T) {
	c, next, err := BuildParamSubquery(TypeToken, "Patient", "identifier", []string{"a", "b"}, "", 1)
	require.NoError(t, err)
	assert.Contains(t, c.SQL, "sp_token_idx")
	assert.Contains(t, c.SQL, " OR ")
	assert.Equal(t, []interface{}{"Patient", "identifier", "a", "b"}, c.Args)
	assert.Equal(t, 5, next)
}

func TestBuildParamSubqueryNotModifierNegates(t *testing.T) {
	c, _, err := BuildParamSubquery(TypeToken, "Patient", "status", []string{"active"}, ModifierNot, 1)
	require.NoError(t, err)
	assert.True(t, len(c.SQL) > 3 && c.SQL[:3] == "NOT")
}

func TestDateClauseEqWidensToInterval(t *testing.T) {
	c, next, err := dateClause("2023-05-01", 1)
	require.NoError(t, err)
	assert.Equal(t, "period_start >= $1 AND period_end <= $2", c.SQL)
	assert.Equal(t, 3, next)
}

func TestNumberClauseRejectsNonNumeric(t *testing.T) {
	_, _, err := numberClause("not-a-number", 1)
	assert.Error(t, err)
}
