package config

import "fmt"

// FieldError names the configuration field that failed validation.
type FieldError struct {
	Field  string
	Reason string
}

func (e FieldError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func routeField(i int, name, field string) string {
	if name == "" {
		return fmt.Sprintf("routes[%d].%s", i, field)
	}
	return fmt.Sprintf("routes[%s].%s", name, field)
}
