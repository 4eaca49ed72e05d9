package idgen

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/oklog/ulid/v2"
)

const (
	// LocalPrefix marks messages typed by a downstream user.
	LocalPrefix = "me"
	// RemotePrefix marks messages produced by the upstream agent.
	RemotePrefix = "agent"
)

var externalIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._:-]*$`)

// MessageID returns a sortable message id like "me_01j9...".
func MessageID(prefix string) string {
	id := strings.ToLower(ulid.Make().String())
	if prefix == "" {
		return id
	}
	return prefix + "_" + id
}

// ValidateExternalID checks an id supplied by the upstream gateway before it
// is used as a history key. Max 128 characters.
func ValidateExternalID(id string) error {
	if id == "" {
		return fmt.Errorf("id is empty")
	}
	if len(id) > 128 {
		return fmt.Errorf("id too long (max 128 characters)")
	}
	if !externalIDPattern.MatchString(id) {
		return fmt.Errorf("id %q is invalid: must match %s", id, externalIDPattern.String())
	}
	return nil
}
