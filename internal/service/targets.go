package service

import "fmt"

// TargetKey is the service data key naming the target entities.
const TargetKey = "entity_id"

// TargetsFromData extracts the entity_id value from service data. The value
// may be a single ID or a list of IDs. A missing or null key yields nil,
// meaning the whole domain. An empty string or empty list yields a non-nil
// empty slice, meaning no targets.
func TargetsFromData(data map[string]any) ([]string, error) {
	raw, ok := data[TargetKey]
	if !ok || raw == nil {
		return nil, nil
	}
	return parseTargets(raw)
}

func parseTargets(raw any) ([]string, error) {
	switch v := raw.(type) {
	case string:
		if v == "" {
			return []string{}, nil
		}
		return []string{v}, nil
	case []string:
		return append([]string{}, v...), nil
	case []any:
		ids := make([]string, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("%w: entity_id entries must be strings", ErrInvalidServiceData)
			}
			ids = append(ids, s)
		}
		return ids, nil
	default:
		return nil, fmt.Errorf("%w: entity_id must be a string or list of strings", ErrInvalidServiceData)
	}
}
