package tools

import "fmt"

type ToolNotFoundError struct {
	Name string
}

func (e *ToolNotFoundError) Error() string {
	return fmt.Sprintf("tool %q is not available", e.Name)
}

type PermissionDeniedError struct {
	Tool    string
	Reason  string
	Pattern string
}

func (e *PermissionDeniedError) Error() string {
	return fmt.Sprintf("tool %q denied: %s", e.Tool, e.Reason)
}

type InvalidArgumentsError struct {
	Tool string
	Err  error
}

func (e *InvalidArgumentsError) Error() string {
	return fmt.Sprintf("invalid arguments for tool %q: %v", e.Tool, e.Err)
}

func (e *InvalidArgumentsError) Unwrap() error {
	return e.Err
}
