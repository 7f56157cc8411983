// Package vault provides offsite stores for database snapshots.
package vault

import (
	"fmt"
	"strings"
)

// validateName rejects object names that could escape the vault's namespace.
func validateName(name string) error {
	if name == "" || name == "." || name == ".." {
		return fmt.Errorf("invalid snapshot name: %q", name)
	}
	if strings.ContainsAny(name, `/\`) || strings.HasPrefix(name, ".") {
		return fmt.Errorf("invalid snapshot name: %q", name)
	}
	return nil
}
