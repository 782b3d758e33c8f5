package entity

import (
	"fmt"
	"strings"
)

// maxEntityIDLength bounds IDs accepted from callers.
const maxEntityIDLength = 255

func splitID(id string) (domain, objectID string) {
	domain, objectID, _ = strings.Cut(id, ".")
	return domain, objectID
}

// SplitID validates id and returns its domain and object ID.
func SplitID(id string) (domain, objectID string, err error) {
	if err := ValidateID(id); err != nil {
		return "", "", err
	}
	domain, objectID = splitID(id)
	return domain, objectID, nil
}

// DomainOf returns the domain of id without validating it.
func DomainOf(id string) string {
	domain, _ := splitID(id)
	return domain
}

// ValidateID checks that id is "<domain>.<object_id>" with a lowercase
// domain token of [a-z0-9_] and a non-empty object ID without whitespace.
func ValidateID(id string) error {
	if id == "" || len(id) > maxEntityIDLength {
		return fmt.Errorf("%w: %q", ErrInvalidEntityID, id)
	}
	domain, objectID, found := strings.Cut(id, ".")
	if !found || domain == "" || objectID == "" {
		return fmt.Errorf("%w: %q must be domain.object_id", ErrInvalidEntityID, id)
	}
	if !ValidDomain(domain) {
		return fmt.Errorf("%w: domain %q must be lowercase letters, digits or underscore", ErrInvalidEntityID, domain)
	}
	if strings.ContainsAny(objectID, " \t\r\n/") {
		return fmt.Errorf("%w: object id %q contains whitespace or slash", ErrInvalidEntityID, objectID)
	}
	return nil
}

// ValidDomain reports whether s is a valid domain token.
func ValidDomain(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') && r != '_' {
			return false
		}
	}
	return true
}
