package access

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
)

var (
	payloadKeyFields    = []string{"resource_key", "resourceKey", "key", "resource"}
	payloadActionFields = []string{"actions", "allowed_actions", "permissions"}
	actionObjectFields  = []string{"action", "name", "code"}
)

// DecodePermissions folds the historical permission payload shapes into entries:
//
//	[{"resource_key": "k", "actions": ["VIEW"]}]
//	[{"resourceKey": "k", "allowed_actions": [{"action": "VIEW"}]}]
//	{"k": ["VIEW"], "other": []}
//
// Malformed rows are dropped. Only input that is not JSON at all is an error.
func DecodePermissions(raw json.RawMessage) ([]PermissionEntry, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}
	switch raw[0] {
	case '[':
		var rows []json.RawMessage
		if err := json.Unmarshal(raw, &rows); err != nil {
			return nil, fmt.Errorf("decode permissions: %w", err)
		}
		out := make([]PermissionEntry, 0, len(rows))
		for _, row := range rows {
			if e, ok := decodePermissionRow(row); ok {
				out = append(out, e)
			}
		}
		return out, nil
	case '{':
		var byKey map[string]json.RawMessage
		if err := json.Unmarshal(raw, &byKey); err != nil {
			return nil, fmt.Errorf("decode permissions: %w", err)
		}
		keys := make([]string, 0, len(byKey))
		for k := range byKey {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make([]PermissionEntry, 0, len(keys))
		for _, k := range keys {
			actions, ok := decodeActions(byKey[k])
			if !ok {
				continue
			}
			out = append(out, PermissionEntry{ResourceKey: k, Actions: actions})
		}
		return out, nil
	default:
		return nil, fmt.Errorf("decode permissions: unsupported payload starting with %q", raw[0])
	}
}

func decodePermissionRow(row json.RawMessage) (PermissionEntry, bool) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(row, &obj); err != nil {
		return PermissionEntry{}, false
	}
	var key string
	for _, f := range payloadKeyFields {
		if v, ok := obj[f]; ok {
			if err := json.Unmarshal(v, &key); err == nil && key != "" {
				break
			}
			key = ""
		}
	}
	if CanonicalKey(key) == "" {
		return PermissionEntry{}, false
	}
	entry := PermissionEntry{ResourceKey: key, Actions: []string{}}
	present := false
	for _, f := range payloadActionFields {
		v, ok := obj[f]
		if !ok {
			continue
		}
		present = true
		if actions, ok := decodeActions(v); ok {
			entry.Actions = actions
			return entry, true
		}
	}
	// an action field that carries nothing usable must not read as unrestricted
	if present {
		return PermissionEntry{}, false
	}
	return entry, true
}

// decodeActions accepts an array of strings or of {action|name|code} objects,
// or a single action string. Only a literal empty array yields an empty list;
// null, or an array without a single usable action, is rejected.
func decodeActions(raw json.RawMessage) ([]string, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, false
	}
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		var single string
		if json.Unmarshal(raw, &single) == nil && CanonicalAction(single) != "" {
			return []string{single}, true
		}
		return nil, false
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		var s string
		if err := json.Unmarshal(item, &s); err == nil {
			if CanonicalAction(s) != "" {
				out = append(out, s)
			}
			continue
		}
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(item, &obj); err != nil {
			continue
		}
		for _, f := range actionObjectFields {
			if v, ok := obj[f]; ok && json.Unmarshal(v, &s) == nil && CanonicalAction(s) != "" {
				out = append(out, s)
				break
			}
		}
	}
	if len(items) > 0 && len(out) == 0 {
		return nil, false
	}
	return out, true
}
