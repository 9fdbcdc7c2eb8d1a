package indexing

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func patientBody() map[string]interface{} {
	return map[string]interface{}{
		"resourceType": "Patient",
		"id":           "pat-1",
		"active":       true,
		"birthDate":    "1990-05-17",
		"name": []interface{}{
			map[string]interface{}{"family": "Müller", "given": []interface{}{"Anna"}},
		},
		"identifier": []interface{}{
			map[string]interface{}{
				"system": "http://hospital.example/mrn",
				"value":  "12345",
				"type": map[string]interface{}{
					"coding": []interface{}{
						map[string]interface{}{"system": "http://terminology.hl7.org/CodeSystem/v2-0203", "code": "MR"},
					},
				},
			},
		},
		"generalPractitioner": []interface{}{
			map[string]interface{}{"reference": "Practitioner/prac-1", "display": "Dr. Smith"},
		},
	}
}

func TestExtractStringNormalizesUnicode(t *testing.T) {
	x := NewExtractor("4.0.1")
	param := SearchParameter{Code: "family", ResourceType: "Patient", Type: "string", Expression: "name.family"}
	rows, err := x.Extract(param, patientBody(), nil)
	require.NoError(t, err)
	require.Len(t, rows.Strings, 1)
	assert.Equal(t, "Müller", rows.Strings[0].Value)
	assert.Equal(t, "muller", rows.Strings[0].ValueNorm)
}

func TestExtractTokenFromIdentifierProducesTypeRow(t *testing.T) {
	x := NewExtractor("4.0.1")
	param := SearchParameter{Code: "identifier", ResourceType: "Patient", Type: "token", Expression: "identifier"}
	rows, err := x.Extract(param, patientBody(), nil)
	require.NoError(t, err)
	require.Len(t, rows.Tokens, 1)
	assert.Equal(t, "http://hospital.example/mrn", rows.Tokens[0].System)
	assert.Equal(t, "12345", rows.Tokens[0].Code)
	require.Len(t, rows.TokenTypes, 1)
	assert.Equal(t, "MR", rows.TokenTypes[0].TypeCode)
	assert.Equal(t, "12345", rows.TokenTypes[0].Value)
}

func TestExtractDateWidensByDayPrecision(t *testing.T) {
	x := NewExtractor("4.0.1")
	param := SearchParameter{Code: "birthdate", ResourceType: "Patient", Type: "date", Expression: "birthDate"}
	rows, err := x.Extract(param, patientBody(), nil)
	require.NoError(t, err)
	require.Len(t, rows.Dates, 1)
	assert.Equal(t, "1990-05-17T00:00:00Z", rows.Dates[0].Start)
	assert.Equal(t, "1990-05-18T00:00:00Z", rows.Dates[0].End)
}

func TestExtractReferenceRelativeIsLiteral(t *testing.T) {
	x := NewExtractor("4.0.1")
	param := SearchParameter{Code: "general-practitioner", ResourceType: "Patient", Type: "reference", Expression: "generalPractitioner"}
	rows, err := x.Extract(param, patientBody(), nil)
	require.NoError(t, err)
	require.Len(t, rows.References, 1)
	r := rows.References[0]
	assert.Equal(t, "literal", r.Kind)
	assert.Equal(t, "Practitioner", r.TargetType)
	assert.Equal(t, "prac-1", r.TargetID)
	assert.Equal(t, "Dr. Smith", r.Display)
}

func TestExtractReferenceContainedIsLogical(t *testing.T) {
	x := NewExtractor("4.0.1")
	body := map[string]interface{}{
		"resourceType": "Observation",
		"id":           "obs-1",
		"subject":      map[string]interface{}{"reference": "#contained-pat"},
	}
	param := SearchParameter{Code: "subject", ResourceType: "Observation", Type: "reference", Expression: "subject"}
	rows, err := x.Extract(param, body, nil)
	require.NoError(t, err)
	require.Len(t, rows.References, 1)
	assert.Equal(t, "logical", rows.References[0].Kind)
	assert.Equal(t, "contained-pat", rows.References[0].TargetID)
}

func TestExtractBooleanToken(t *testing.T) {
	x := NewExtractor("4.0.1")
	param := SearchParameter{Code: "active", ResourceType: "Patient", Type: "token", Expression: "active"}
	rows, err := x.Extract(param, patientBody(), nil)
	require.NoError(t, err)
	require.Len(t, rows.Tokens, 1)
	assert.Equal(t, "true", rows.Tokens[0].Code)
}

func TestEntryHashStableAcrossReextraction(t *testing.T) {
	x := NewExtractor("4.0.1")
	param := SearchParameter{Code: "family", ResourceType: "Patient", Type: "string", Expression: "name.family"}
	body := patientBody()

	rows1, err := x.Extract(param, body, nil)
	require.NoError(t, err)
	rows2, err := x.Extract(param, body, nil)
	require.NoError(t, err)

	h1 := entryHash("Patient", "pat-1", param.Code, rows1.Strings[0].Value)
	h2 := entryHash("Patient", "pat-1", param.Code, rows2.Strings[0].Value)
	assert.Equal(t, h1, h2)
	assert.Len(t, h1, 32)
}

func TestEntryHashDiffersOnFieldSeparatorCollision(t *testing.T) {
	a := entryHash("Patient", "pat1")
	b := entryHash("Patient", "pat1", "")
	assert.NotEqual(t, a, b)
}

func TestNormalizeStringFoldsAccentsAndCase(t *testing.T) {
	assert.Equal(t, "jose", normalizeString("José"))
	assert.Equal(t, "muller", normalizeString("MÜLLER"))
}

func TestParseRelativeReference(t *testing.T) {
	rt, id := parseRelativeReference("Patient/abc-123")
	assert.Equal(t, "Patient", rt)
	assert.Equal(t, "abc-123", id)
}
