// Package uuid provides identifier generation for records, queue items and
// request correlation.
package uuid

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// OfflinePrefix marks identifiers generated locally for records created
// while offline. Server-issued ids never carry it.
const OfflinePrefix = "offline_"

// UUID v4 format: xxxxxxxx-xxxx-4xxx-yxxx-xxxxxxxxxxxx
// where y is one of [8, 9, a, b] (variant bits)
var uuidV4Regex = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-4[0-9a-fA-F]{3}-[89abAB][0-9a-fA-F]{3}-[0-9a-fA-F]{12}$`)

// New generates a new UUID v4.
func New() string {
	return uuid.New().String()
}

// NewOfflineID generates a local record id disjoint from server-issued ids.
func NewOfflineID() string {
	return OfflinePrefix + uuid.New().String()
}

// IsOfflineID reports whether id was generated by NewOfflineID.
func IsOfflineID(id string) bool {
	return strings.HasPrefix(id, OfflinePrefix) && IsValid(strings.TrimPrefix(id, OfflinePrefix))
}

// NewFromString creates a UUID from a string.
// Returns an error if the string is not a valid UUID v4.
func NewFromString(s string) (uuid.UUID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid UUID: %w", err)
	}
	if id.Version() != 4 {
		return uuid.Nil, fmt.Errorf("expected UUID v4, got v%d", id.Version())
	}
	return id, nil
}

// IsValid checks if a string is a valid UUID v4.
func IsValid(s string) bool {
	return uuidV4Regex.MatchString(s)
}
