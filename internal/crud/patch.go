package crud

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/ehr/ehr/internal/fhirerr"
)

// PatchOp is one RFC 6902 JSON Patch operation.
type PatchOp struct {
	Op    string      `json:"op"`
	Path  string      `json:"path"`
	Value interface{} `json:"value,omitempty"`
	From  string      `json:"from,omitempty"`
}

// pointer locates a single JSON Pointer segment's parent container plus the
// key/index needed to read, write or delete it in place.
type pointer struct {
	container interface{} // map[string]interface{} or []interface{}
	key       string       // object key, or array index as a decimal string / "-"
}

func (p pointer) get() (interface{}, bool) {
	switch c := p.container.(type) {
	case map[string]interface{}:
		v, ok := c[p.key]
		return v, ok
	case []interface{}:
		idx, err := strconv.Atoi(p.key)
		if err != nil || idx < 0 || idx >= len(c) {
			return nil, false
		}
		return c[idx], true
	}
	return nil, false
}

func (p pointer) set(value interface{}) error {
	switch c := p.container.(type) {
	case map[string]interface{}:
		c[p.key] = value
		return nil
	case []interface{}:
		idx, err := strconv.Atoi(p.key)
		if err != nil || idx < 0 || idx >= len(c) {
			return fmt.Errorf("array index out of bounds: %s", p.key)
		}
		c[idx] = value
		return nil
	}
	return fmt.Errorf("cannot set value on non-container")
}

// insert implements JSON Patch "add" array semantics: growing the slice by
// one and splicing value in at key (or appending when key is "-"). Since Go
// slices can't be resized through an interface{} in place, the caller
// (applyAdd) is responsible for writing the grown slice back to its own
// parent.
func insert(arr []interface{}, key string, value interface{}) ([]interface{}, error) {
	if key == "-" {
		return append(arr, value), nil
	}
	idx, err := strconv.Atoi(key)
	if err != nil {
		return nil, fmt.Errorf("invalid array index: %s", key)
	}
	if idx < 0 || idx > len(arr) {
		return nil, fmt.Errorf("array index out of bounds: %d", idx)
	}
	grown := make([]interface{}, len(arr)+1)
	copy(grown, arr[:idx])
	grown[idx] = value
	copy(grown[idx+1:], arr[idx:])
	return grown, nil
}

func remove(arr []interface{}, key string) ([]interface{}, error) {
	idx, err := strconv.Atoi(key)
	if err != nil {
		return nil, fmt.Errorf("invalid array index: %s", key)
	}
	if idx < 0 || idx >= len(arr) {
		return nil, fmt.Errorf("array index out of bounds: %d", idx)
	}
	out := make([]interface{}, 0, len(arr)-1)
	out = append(out, arr[:idx]...)
	out = append(out, arr[idx+1:]...)
	return out, nil
}

func splitPointer(path string) []string {
	path = strings.TrimPrefix(path, "/")
	if path == "" {
		return nil
	}
	parts := strings.Split(path, "/")
	for i, p := range parts {
		p = strings.ReplaceAll(p, "~1", "/")
		p = strings.ReplaceAll(p, "~0", "~")
		parts[i] = p
	}
	return parts
}

// resolve walks doc to the parent of the pointer's final segment.
func resolve(doc map[string]interface{}, path string) (pointer, error) {
	parts := splitPointer(path)
	if len(parts) == 0 {
		return pointer{}, fmt.Errorf("empty JSON Pointer")
	}
	var current interface{} = doc
	for _, seg := range parts[:len(parts)-1] {
		switch c := current.(type) {
		case map[string]interface{}:
			next, ok := c[seg]
			if !ok {
				return pointer{}, fmt.Errorf("path not found at segment %q", seg)
			}
			current = next
		case []interface{}:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(c) {
				return pointer{}, fmt.Errorf("invalid array segment %q", seg)
			}
			current = c[idx]
		default:
			return pointer{}, fmt.Errorf("cannot descend into scalar at %q", seg)
		}
	}
	return pointer{container: current, key: parts[len(parts)-1]}, nil
}

// ApplyJSONPatch applies ops to a deep copy of resource and returns the
// result, per RFC 6902. Array add/remove grow or shrink the slice in place
// on its parent container since Go slices don't mutate through an
// interface{} reference.
func ApplyJSONPatch(resource map[string]interface{}, ops []PatchOp) (map[string]interface{}, error) {
	doc := deepCopy(resource)
	for i, op := range ops {
		var err error
		switch op.Op {
		case "add":
			err = applyAdd(doc, op.Path, op.Value)
		case "remove":
			err = applyRemove(doc, op.Path)
		case "replace":
			err = applyReplace(doc, op.Path, op.Value)
		case "move":
			err = applyMove(doc, op.From, op.Path)
		case "copy":
			err = applyCopy(doc, op.From, op.Path)
		case "test":
			err = applyTest(doc, op.Path, op.Value)
		default:
			err = fmt.Errorf("unknown patch op %q", op.Op)
		}
		if err != nil {
			return nil, fhirerr.Unprocessable(fmt.Sprintf("patch operation %d (%s %s): %s", i, op.Op, op.Path, err))
		}
	}
	return doc, nil
}

// ApplyMergePatch applies a JSON Merge Patch (RFC 7386) to a deep copy.
func ApplyMergePatch(resource, patch map[string]interface{}) map[string]interface{} {
	doc := deepCopy(resource)
	mergeInto(doc, patch)
	return doc
}

func mergeInto(target, patch map[string]interface{}) {
	for k, v := range patch {
		if v == nil {
			delete(target, k)
			continue
		}
		if patchMap, ok := v.(map[string]interface{}); ok {
			if existing, ok := target[k].(map[string]interface{}); ok {
				mergeInto(existing, patchMap)
				continue
			}
			target[k] = deepCopy(patchMap)
			continue
		}
		target[k] = v
	}
}

func applyAdd(doc map[string]interface{}, path string, value interface{}) error {
	if path == "" || path == "/" {
		return fmt.Errorf("cannot replace document root")
	}
	p, err := resolve(doc, path)
	if err != nil {
		return err
	}
	if arr, ok := p.container.([]interface{}); ok {
		grown, err := insert(arr, p.key, value)
		if err != nil {
			return err
		}
		return writeBack(doc, path, grown)
	}
	return p.set(value)
}

func applyRemove(doc map[string]interface{}, path string) error {
	p, err := resolve(doc, path)
	if err != nil {
		return err
	}
	if arr, ok := p.container.([]interface{}); ok {
		shrunk, err := remove(arr, p.key)
		if err != nil {
			return err
		}
		return writeBack(doc, path, shrunk)
	}
	if _, ok := p.get(); !ok {
		return fmt.Errorf("path not found: %s", path)
	}
	delete(p.container.(map[string]interface{}), p.key)
	return nil
}

func applyReplace(doc map[string]interface{}, path string, value interface{}) error {
	p, err := resolve(doc, path)
	if err != nil {
		return err
	}
	if _, ok := p.get(); !ok {
		return fmt.Errorf("path not found: %s", path)
	}
	return p.set(value)
}

func applyMove(doc map[string]interface{}, from, path string) error {
	p, err := resolve(doc, from)
	if err != nil {
		return fmt.Errorf("move from: %w", err)
	}
	value, ok := p.get()
	if !ok {
		return fmt.Errorf("move from: path not found: %s", from)
	}
	if err := applyRemove(doc, from); err != nil {
		return fmt.Errorf("move remove: %w", err)
	}
	if err := applyAdd(doc, path, value); err != nil {
		return fmt.Errorf("move add: %w", err)
	}
	return nil
}

func applyCopy(doc map[string]interface{}, from, path string) error {
	p, err := resolve(doc, from)
	if err != nil {
		return fmt.Errorf("copy from: %w", err)
	}
	value, ok := p.get()
	if !ok {
		return fmt.Errorf("copy from: path not found: %s", from)
	}
	return applyAdd(doc, path, deepCopyValue(value))
}

func applyTest(doc map[string]interface{}, path string, expected interface{}) error {
	p, err := resolve(doc, path)
	if err != nil {
		return err
	}
	actual, _ := p.get()
	actualJSON, _ := json.Marshal(actual)
	expectedJSON, _ := json.Marshal(expected)
	if string(actualJSON) != string(expectedJSON) {
		return fmt.Errorf("test failed at %s: expected %s, got %s", path, expectedJSON, actualJSON)
	}
	return nil
}

// writeBack re-resolves path's parent pointer and overwrites it with a
// grown/shrunk array, since insert/remove can't mutate the caller's slice
// header in place.
func writeBack(doc map[string]interface{}, path string, newArr []interface{}) error {
	parts := splitPointer(path)
	if len(parts) == 1 {
		doc[parts[0]] = newArr
		return nil
	}
	grandparent, err := resolve(doc, "/"+strings.Join(parts[:len(parts)-1], "/"))
	if err != nil {
		return err
	}
	return grandparent.set(newArr)
}

func deepCopy(m map[string]interface{}) map[string]interface{} {
	data, _ := json.Marshal(m)
	var out map[string]interface{}
	_ = json.Unmarshal(data, &out)
	return out
}

func deepCopyValue(v interface{}) interface{} {
	data, _ := json.Marshal(v)
	var out interface{}
	_ = json.Unmarshal(data, &out)
	return out
}

// ParsePatch parses a JSON Patch document (RFC 6902).
func ParsePatch(data []byte) ([]PatchOp, error) {
	var ops []PatchOp
	if err := json.Unmarshal(data, &ops); err != nil {
		return nil, fhirerr.InvalidResource("invalid JSON Patch document: " + err.Error())
	}
	for i, op := range ops {
		if op.Op == "" {
			return nil, fhirerr.InvalidResource(fmt.Sprintf("patch operation %d missing 'op'", i))
		}
		if op.Path == "" && op.Op != "test" {
			return nil, fhirerr.InvalidResource(fmt.Sprintf("patch operation %d missing 'path'", i))
		}
	}
	return ops, nil
}

// ParseMergePatch parses a JSON Merge Patch document (RFC 7386).
func ParseMergePatch(data []byte) (map[string]interface{}, error) {
	var patch map[string]interface{}
	if err := json.Unmarshal(data, &patch); err != nil {
		return nil, fhirerr.InvalidResource("invalid JSON Merge Patch document: " + err.Error())
	}
	return patch, nil
}
