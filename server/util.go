package server

import (
	"fmt"
	"regexp"
)

var roleFormat = regexp.MustCompile(`^[a-zA-Z0-9._-]+/[a-zA-Z0-9._-]+$`)

// validateRole ensures a repository role is in the org/repo format.
func validateRole(role string) error {
	if !roleFormat.MatchString(role) {
		return fmt.Errorf("invalid repository role, must be org/repo")
	}
	return nil
}
