package crud

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func patient() map[string]interface{} {
	return map[string]interface{}{
		"resourceType": "Patient",
		"id":           "123",
		"active":       true,
		"name": []interface{}{
			map[string]interface{}{"family": "Smith", "given": []interface{}{"Alice"}},
		},
	}
}

func TestApplyJSONPatchReplace(t *testing.T) {
	out, err := ApplyJSONPatch(patient(), []PatchOp{{Op: "replace", Path: "/active", Value: false}})
	require.NoError(t, err)
	assert.Equal(t, false, out["active"])
}

func TestApplyJSONPatchAddToArray(t *testing.T) {
	out, err := ApplyJSONPatch(patient(), []PatchOp{
		{Op: "add", Path: "/name/0/given/-", Value: "Jane"},
	})
	require.NoError(t, err)
	names := out["name"].([]interface{})
	given := names[0].(map[string]interface{})["given"].([]interface{})
	assert.Equal(t, []interface{}{"Alice", "Jane"}, given)
}

func TestApplyJSONPatchRemoveFromArray(t *testing.T) {
	out, err := ApplyJSONPatch(patient(), []PatchOp{{Op: "remove", Path: "/name/0"}})
	require.NoError(t, err)
	assert.Empty(t, out["name"])
}

func TestApplyJSONPatchTestFailureAborts(t *testing.T) {
	_, err := ApplyJSONPatch(patient(), []PatchOp{
		{Op: "test", Path: "/active", Value: false},
		{Op: "replace", Path: "/active", Value: true},
	})
	assert.Error(t, err)
}

func TestApplyJSONPatchMove(t *testing.T) {
	out, err := ApplyJSONPatch(patient(), []PatchOp{
		{Op: "move", From: "/active", Path: "/wasActive"},
	})
	require.NoError(t, err)
	_, hasActive := out["active"]
	assert.False(t, hasActive)
	assert.Equal(t, true, out["wasActive"])
}

func TestApplyMergePatchRemovesNullField(t *testing.T) {
	out := ApplyMergePatch(patient(), map[string]interface{}{"active": nil, "gender": "female"})
	_, hasActive := out["active"]
	assert.False(t, hasActive)
	assert.Equal(t, "female", out["gender"])
}

func TestSplitLocalReference(t *testing.T) {
	typ, id, ok := splitLocalReference("Patient/123")
	assert.True(t, ok)
	assert.Equal(t, "Patient", typ)
	assert.Equal(t, "123", id)

	_, _, ok = splitLocalReference("#contained1")
	assert.False(t, ok)

	_, _, ok = splitLocalReference("http://example.org/Patient/123")
	assert.False(t, ok)
}
