package utils

import "github.com/go-playground/validator/v10"

var validate = validator.New()

// IsValidEmail reports whether value is a syntactically valid email address.
// Same validator gin uses for `binding:"email"`, so the worker and the HTTP
// edge agree on what "valid" means.
func IsValidEmail(value string) bool {
	return validate.Var(value, "email") == nil
}
