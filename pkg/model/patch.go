package model

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// resolvePath walks a dotted path through maps and slices.
// Integer segments index arrays.
func resolvePath(root map[string]any, path string) (any, error) {
	var current any = root
	for _, segment := range strings.Split(path, ".") {
		switch node := current.(type) {
		case map[string]any:
			next, ok := node[segment]
			if !ok {
				return nil, pathError(segment)
			}
			current = next
		case []any:
			index, err := strconv.Atoi(segment)
			if err != nil || index < 0 || index >= len(node) {
				return nil, fmt.Errorf("invalid array index %q", segment)
			}
			current = node[index]
		default:
			return nil, pathError(segment)
		}
	}
	return current, nil
}

// applyPatch merges the JSON payload into the tree at path. The
// containers along the path are created as needed, arrays only when
// the index already exists.
func applyPatch(root map[string]any, path string, payload []byte) error {
	var patch any
	if err := json.Unmarshal(payload, &patch); err != nil {
		return fmt.Errorf("invalid patch payload : %w", err)
	}
	if path == "" {
		merged, ok := patch.(map[string]any)
		if !ok {
			return fmt.Errorf("root patch must be an object")
		}
		mergeObject(root, merged)
		return nil
	}

	segments := strings.Split(path, ".")
	parent, err := walkToParent(root, segments)
	if err != nil {
		return err
	}
	last := segments[len(segments)-1]

	switch container := parent.(type) {
	case map[string]any:
		if patch == nil {
			delete(container, last)
			return nil
		}
		if patchObj, ok := patch.(map[string]any); ok {
			existing, ok := container[last].(map[string]any)
			if !ok {
				existing = map[string]any{}
				container[last] = existing
			}
			mergeObject(existing, patchObj)
			return nil
		}
		container[last] = patch
	case []any:
		index, err := strconv.Atoi(last)
		if err != nil || index < 0 || index >= len(container) {
			return fmt.Errorf("invalid array index %q", last)
		}
		if patchObj, ok := patch.(map[string]any); ok {
			existing, ok := container[index].(map[string]any)
			if !ok {
				existing = map[string]any{}
				container[index] = existing
			}
			mergeObject(existing, patchObj)
			return nil
		}
		container[index] = patch
	default:
		return pathError(last)
	}
	return nil
}

// walkToParent returns the container holding the last path segment,
// creating intermediate objects as needed
func walkToParent(root map[string]any, segments []string) (any, error) {
	var current any = root
	for _, segment := range segments[:len(segments)-1] {
		switch node := current.(type) {
		case map[string]any:
			next, ok := node[segment]
			if !ok {
				created := map[string]any{}
				node[segment] = created
				current = created
				continue
			}
			current = next
		case []any:
			index, err := strconv.Atoi(segment)
			if err != nil || index < 0 || index >= len(node) {
				return nil, fmt.Errorf("invalid array index %q", segment)
			}
			current = node[index]
		default:
			return nil, pathError(segment)
		}
	}
	return current, nil
}

// mergeObject applies JSON merge patch semantics : null deletes,
// objects recurse, everything else replaces
func mergeObject(target map[string]any, patch map[string]any) {
	for key, value := range patch {
		if value == nil {
			delete(target, key)
			continue
		}
		patchObj, isObj := value.(map[string]any)
		if isObj {
			existing, ok := target[key].(map[string]any)
			if !ok {
				existing = map[string]any{}
				target[key] = existing
			}
			mergeObject(existing, patchObj)
			continue
		}
		target[key] = value
	}
}
