package ipxe

import "fmt"

// ValidationError reports a reserved, required or unknown parameter violation
// in a definition. Validation errors are rejected synchronously and never
// retried.
type ValidationError struct {
	Param  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Param == "" {
		return "invalid definition: " + e.Reason
	}
	return fmt.Sprintf("invalid definition: parameter %q: %s", e.Param, e.Reason)
}

// HashMismatchError reports a definition whose stored hash does not match the
// recomputed one. It is treated as a tamper signal, not a recoverable fault.
type HashMismatchError struct {
	Expected string
	Actual   string
}

func (e *HashMismatchError) Error() string {
	return fmt.Sprintf("definition hash mismatch: stored %s, computed %s", e.Expected, e.Actual)
}

// TemplateNotFoundError reports a definition referencing an unknown template.
type TemplateNotFoundError struct {
	Name string
}

func (e *TemplateNotFoundError) Error() string {
	return fmt.Sprintf("template %q not found", e.Name)
}

// UnresolvedPlaceholderError reports placeholders still present in a rendered
// script. Substitution must be total; leftovers are an error, never dropped.
type UnresolvedPlaceholderError struct {
	Placeholders []string
}

func (e *UnresolvedPlaceholderError) Error() string {
	return fmt.Sprintf("rendered script contains unresolved placeholders: %v", e.Placeholders)
}

// CacheFetchError reports a failed artifact download after the configured
// retries were exhausted.
type CacheFetchError struct {
	Name string
	URL  string
	Err  error
}

func (e *CacheFetchError) Error() string {
	return fmt.Sprintf("fetch artifact %q from %s: %v", e.Name, e.URL, e.Err)
}

func (e *CacheFetchError) Unwrap() error { return e.Err }
