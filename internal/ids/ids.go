// Package ids provides identifier generation and classification.
//
// Records created offline carry a temporary id until the server assigns the
// canonical one. Temporary ids are "tmp_" followed by a ULID, so they are
// unique, sortable by creation time, and can never collide with a server id.
package ids

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// TempPrefix marks identifiers generated locally before server assignment.
const TempPrefix = "tmp_"

// UUID v4 format: xxxxxxxx-xxxx-4xxx-yxxx-xxxxxxxxxxxx
var uuidV4Regex = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-4[0-9a-fA-F]{3}-[89abAB][0-9a-fA-F]{3}-[0-9a-fA-F]{12}$`)

// NewTemp generates a new temporary id.
func NewTemp() string {
	return TempPrefix + ulid.Make().String()
}

// IsTemp reports whether id was generated by NewTemp.
func IsTemp(id string) bool {
	if !strings.HasPrefix(id, TempPrefix) {
		return false
	}
	_, err := ulid.ParseStrict(strings.TrimPrefix(id, TempPrefix))
	return err == nil
}

// NewUUID generates a new UUID v4.
func NewUUID() string {
	return uuid.New().String()
}

// IsValidUUID checks if a string is a valid UUID v4.
func IsValidUUID(s string) bool {
	return uuidV4Regex.MatchString(s)
}

// ValidateReal returns an error if id is empty or temporary.
func ValidateReal(id string) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("empty id")
	}
	if IsTemp(id) {
		return fmt.Errorf("temporary id %q is not a server id", id)
	}
	return nil
}
