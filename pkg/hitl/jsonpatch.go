package hitl

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// PatchOp is one RFC 6902 operation restricted to add/replace/remove.
// valueSet distinguishes an explicit null value from a missing one.
type PatchOp struct {
	Op       string `json:"op"`
	Path     string `json:"path"`
	Value    any    `json:"value,omitempty"`
	valueSet bool
}

func (p *PatchOp) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	type alias PatchOp
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*p = PatchOp(a)
	_, p.valueSet = raw["value"]
	return nil
}

// NewPatchOp builds an op with an explicit value (add/replace).
func NewPatchOp(op, path string, value any) PatchOp {
	return PatchOp{Op: op, Path: path, Value: value, valueSet: true}
}

// NewRemoveOp builds a remove op.
func NewRemoveOp(path string) PatchOp {
	return PatchOp{Op: "remove", Path: path}
}

func decodePointerSegment(seg string) string {
	seg = strings.ReplaceAll(seg, "~1", "/")
	return strings.ReplaceAll(seg, "~0", "~")
}

func splitPointer(path string) ([]string, error) {
	if path == "" {
		return nil, fmt.Errorf("json patch path must not be empty")
	}
	if !strings.HasPrefix(path, "/") {
		return nil, fmt.Errorf("json pointer must start with '/': %s", path)
	}
	parts := strings.Split(path, "/")[1:]
	segs := make([]string, len(parts))
	for i, p := range parts {
		segs[i] = decodePointerSegment(p)
	}
	return segs, nil
}

func (op PatchOp) requireValue() (any, error) {
	if !op.valueSet {
		return nil, fmt.Errorf("json patch op %q requires 'value'", op.Op)
	}
	return op.Value, nil
}

// ApplyPatch applies ops to a decoded JSON document (map[string]any /
// []any tree) and returns the updated document. The input document is
// mutated where possible; callers that need the original must copy it
// first.
func ApplyPatch(doc any, ops []PatchOp) (any, error) {
	out := doc
	for _, op := range ops {
		if op.Op == "" {
			return nil, fmt.Errorf("json patch op missing 'op'")
		}
		segs, err := splitPointer(op.Path)
		if err != nil {
			return nil, err
		}
		out, err = applyAt(out, segs, op)
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

func applyAt(node any, segs []string, op PatchOp) (any, error) {
	if len(segs) == 1 {
		return applyLeaf(node, segs[0], op)
	}

	seg := segs[0]
	switch parent := node.(type) {
	case map[string]any:
		child, ok := parent[seg]
		if !ok {
			return nil, fmt.Errorf("json patch path segment not found: %s", seg)
		}
		updated, err := applyAt(child, segs[1:], op)
		if err != nil {
			return nil, err
		}
		parent[seg] = updated
		return parent, nil
	case []any:
		if seg == "-" {
			return nil, fmt.Errorf("json patch '-' is only allowed in the final segment")
		}
		idx, err := strconv.Atoi(seg)
		if err != nil {
			return nil, fmt.Errorf("json patch list index must be int: %s", seg)
		}
		if idx < 0 || idx >= len(parent) {
			return nil, fmt.Errorf("json patch list index out of range: %d", idx)
		}
		updated, err := applyAt(parent[idx], segs[1:], op)
		if err != nil {
			return nil, err
		}
		parent[idx] = updated
		return parent, nil
	default:
		return nil, fmt.Errorf("json patch cannot traverse into %T", node)
	}
}

func applyLeaf(node any, key string, op PatchOp) (any, error) {
	switch parent := node.(type) {
	case map[string]any:
		switch op.Op {
		case "add":
			val, err := op.requireValue()
			if err != nil {
				return nil, err
			}
			parent[key] = val
		case "replace":
			if _, ok := parent[key]; !ok {
				return nil, fmt.Errorf("json patch replace missing key: %s", key)
			}
			val, err := op.requireValue()
			if err != nil {
				return nil, err
			}
			parent[key] = val
		case "remove":
			if _, ok := parent[key]; !ok {
				return nil, fmt.Errorf("json patch remove missing key: %s", key)
			}
			delete(parent, key)
		default:
			return nil, fmt.Errorf("unsupported json patch op: %s", op.Op)
		}
		return parent, nil

	case []any:
		appendIdx := key == "-"
		var idx int
		if !appendIdx {
			var err error
			idx, err = strconv.Atoi(key)
			if err != nil {
				return nil, fmt.Errorf("json patch list index must be int: %s", key)
			}
		}

		switch op.Op {
		case "add":
			val, err := op.requireValue()
			if err != nil {
				return nil, err
			}
			if appendIdx {
				return append(parent, val), nil
			}
			if idx < 0 || idx > len(parent) {
				return nil, fmt.Errorf("json patch add index out of range: %d", idx)
			}
			out := append(parent[:idx:idx], append([]any{val}, parent[idx:]...)...)
			return out, nil
		case "replace":
			if appendIdx {
				return nil, fmt.Errorf("json patch replace does not support '-' index")
			}
			if idx < 0 || idx >= len(parent) {
				return nil, fmt.Errorf("json patch replace index out of range: %d", idx)
			}
			val, err := op.requireValue()
			if err != nil {
				return nil, err
			}
			parent[idx] = val
			return parent, nil
		case "remove":
			if appendIdx {
				return nil, fmt.Errorf("json patch remove does not support '-' index")
			}
			if idx < 0 || idx >= len(parent) {
				return nil, fmt.Errorf("json patch remove index out of range: %d", idx)
			}
			return append(parent[:idx], parent[idx+1:]...), nil
		default:
			return nil, fmt.Errorf("unsupported json patch op: %s", op.Op)
		}

	default:
		return nil, fmt.Errorf("json patch target must be object or list, got %T", node)
	}
}
