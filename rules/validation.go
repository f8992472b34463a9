package rules

import (
	"fmt"
	"regexp"
)

const maxIdentifierLength = 100

var identifierPattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_.]*$`)

// validateIdentifier validates a condition, action, rule, parameter or entity kind name.
// Names must match ^[a-zA-Z_][a-zA-Z0-9_.]*$, be 1-100 characters, and not be a
// reserved CEL keyword (parameters double as CEL variables in expression conditions).
func validateIdentifier(name string) error {
	if len(name) == 0 {
		return fmt.Errorf("identifier cannot be empty")
	}
	if len(name) > maxIdentifierLength {
		return fmt.Errorf("identifier length %d exceeds maximum of %d characters", len(name), maxIdentifierLength)
	}

	if !identifierPattern.MatchString(name) {
		return fmt.Errorf("must match pattern %s (start with letter or underscore, followed by letters, digits, underscores or dots)", identifierPattern)
	}

	if isReservedKeyword(name) {
		return fmt.Errorf("cannot use reserved keyword %q as identifier", name)
	}

	return nil
}

// validateVariable is validateIdentifier without dots, for names used as CEL variables
func validateVariable(name string) error {
	if err := validateIdentifier(name); err != nil {
		return err
	}
	for _, r := range name {
		if r == '.' {
			return fmt.Errorf("identifier %q cannot contain dots", name)
		}
	}
	return nil
}

// isReservedKeyword checks if a name is a CEL reserved keyword
func isReservedKeyword(name string) bool {
	reservedKeywords := map[string]bool{
		// Boolean and null literals
		"true":  true,
		"false": true,
		"null":  true,
		// Control flow
		"if":       true,
		"else":     true,
		"for":      true,
		"while":    true,
		"break":    true,
		"continue": true,
		"return":   true,
		// Declarations
		"var":      true,
		"let":      true,
		"const":    true,
		"function": true,
		// Other keywords
		"in":        true,
		"as":        true,
		"import":    true,
		"package":   true,
		"namespace": true,
		"loop":      true,
		"void":      true,
	}

	return reservedKeywords[name]
}
