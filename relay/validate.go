package relay

import (
	"encoding/json"
	"errors"
	"fmt"
)

// allow-list validation for request bodies. each verb declares a schema
// and the whole body is accepted or rejected as one predicate: every
// present field must be known and of the expected primitive type, and
// every required field must be present. one unknown or mistyped field
// rejects the entire request, not just that field.

type fieldKind int

const (
	kindString fieldKind = iota
	kindBool
	kindNumber
)

type fieldSpec struct {
	kind     fieldKind
	required bool
}

type objectSchema map[string]fieldSpec

func (self objectSchema) conforms(object map[string]any) bool {
	for name, spec := range self {
		if spec.required {
			if _, ok := object[name]; !ok {
				return false
			}
		}
	}
	for name, value := range object {
		spec, ok := self[name]
		if !ok {
			return false
		}
		switch spec.kind {
		case kindString:
			_, ok = value.(string)
		case kindBool:
			_, ok = value.(bool)
		case kindNumber:
			_, ok = value.(float64)
		default:
			ok = false
		}
		if !ok {
			return false
		}
	}
	return true
}

func decodeObject(raw json.RawMessage) (map[string]any, error) {
	if len(raw) == 0 {
		return nil, errors.New("missing object")
	}
	var object map[string]any
	if err := json.Unmarshal(raw, &object); err != nil {
		return nil, err
	}
	if object == nil {
		return nil, errors.New("missing object")
	}
	return object, nil
}

// parses a client-supplied event query into a typed filter. `_id`,
// `$in` and `$or` sub-clauses are normalized into store-native ids.
// anything outside the known fields rejects the query.
func parseEventQuery(raw json.RawMessage) (EventFilter, error) {
	filter := EventFilter{}

	query, err := decodeObject(raw)
	if err != nil {
		return filter, err
	}

	scope := EventScope{}
	for key, value := range query {
		switch key {
		case "_id":
			ids, err := parseIdClause(value)
			if err != nil {
				return filter, err
			}
			filter.Ids = append(filter.Ids, ids...)
		case "$in":
			ids, err := parseIdList(value)
			if err != nil {
				return filter, err
			}
			filter.Ids = append(filter.Ids, ids...)
		case "$or":
			clauses, ok := value.([]any)
			if !ok {
				return filter, errors.New("invalid $or clause")
			}
			for _, clause := range clauses {
				subQuery, ok := clause.(map[string]any)
				if !ok {
					return filter, errors.New("invalid $or clause")
				}
				idValue, ok := subQuery["_id"]
				if !ok || 1 < len(subQuery) {
					return filter, errors.New("invalid $or clause")
				}
				ids, err := parseIdClause(idValue)
				if err != nil {
					return filter, err
				}
				filter.Ids = append(filter.Ids, ids...)
			}
		case "network":
			network, ok := value.(string)
			if !ok {
				return filter, errors.New("invalid network")
			}
			scope.Network = network
		case "target":
			target, ok := value.(string)
			if !ok {
				return filter, errors.New("invalid target")
			}
			scope.Target = target
		case "type":
			eventType, ok := value.(string)
			if !ok {
				return filter, errors.New("invalid type")
			}
			filter.Type = eventType
		case "read":
			read, ok := value.(bool)
			if !ok {
				return filter, errors.New("invalid read")
			}
			filter.Read = &read
		default:
			return filter, fmt.Errorf("invalid query field %s", key)
		}
	}

	if (scope != EventScope{}) {
		filter.Scopes = []EventScope{scope}
	}
	return filter, nil
}

// a single id string or an `$in` list of id strings
func parseIdClause(value any) ([]Id, error) {
	switch v := value.(type) {
	case string:
		id, err := ParseId(v)
		if err != nil {
			return nil, err
		}
		return []Id{id}, nil
	case map[string]any:
		inValue, ok := v["$in"]
		if !ok || 1 < len(v) {
			return nil, errors.New("invalid _id clause")
		}
		return parseIdList(inValue)
	default:
		return nil, errors.New("invalid _id clause")
	}
}

func parseIdList(value any) ([]Id, error) {
	items, ok := value.([]any)
	if !ok {
		return nil, errors.New("invalid id list")
	}
	ids := make([]Id, 0, len(items))
	for _, item := range items {
		idStr, ok := item.(string)
		if !ok {
			return nil, errors.New("invalid id list")
		}
		id, err := ParseId(idStr)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}
