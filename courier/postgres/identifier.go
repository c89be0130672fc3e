package postgres

import (
	"errors"
	"regexp"
	"strings"
)

const maxSQLIdentifierLength = 63

// ErrInvalidIdentifier rejects table names that are not plain SQL identifiers.
var ErrInvalidIdentifier = errors.New("invalid sql identifier")

var identifierPattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// ValidateIdentifierPath accepts "table" or "schema.table".
func ValidateIdentifierPath(path string) error {
	parts := strings.Split(path, ".")
	if len(parts) > 2 {
		return ErrInvalidIdentifier
	}

	for _, part := range parts {
		if err := validateIdentifier(strings.TrimSpace(part)); err != nil {
			return err
		}
	}

	return nil
}

func validateIdentifier(identifier string) error {
	if len(identifier) > maxSQLIdentifierLength || !identifierPattern.MatchString(identifier) {
		return ErrInvalidIdentifier
	}

	return nil
}

// QuoteIdentifierPath double-quotes every segment of path.
func QuoteIdentifierPath(path string) string {
	parts := strings.Split(path, ".")
	quoted := make([]string, 0, len(parts))

	for _, part := range parts {
		quoted = append(quoted, quoteIdentifier(strings.TrimSpace(part)))
	}

	return strings.Join(quoted, ".")
}

func quoteIdentifier(identifier string) string {
	identifier = strings.ReplaceAll(identifier, "\x00", "")

	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
