package utils

import (
	"fmt"
	"regexp"
	"strings"
)

var (
	identifierRegex = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.:@-]{0,127}$`)
	controlRegex    = regexp.MustCompile(`[\x00-\x1f\x7f]`)
)

// ValidateIdentifier validates a user, chama or transaction identifier
func ValidateIdentifier(kind, id string) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("%s is required", kind)
	}
	if !identifierRegex.MatchString(id) {
		return fmt.Errorf("malformed %s: %q", kind, id)
	}
	return nil
}

// ValidateActorID validates the id of the user performing an action
func ValidateActorID(actorID string) error {
	return ValidateIdentifier("actor id", actorID)
}

// SanitizeString removes control characters and surrounding whitespace
func SanitizeString(s string) string {
	return strings.TrimSpace(controlRegex.ReplaceAllString(s, ""))
}
