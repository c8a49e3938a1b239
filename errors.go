package provision

import "fmt"

// DuplicateNameError is returned by Register when the name is already taken.
type DuplicateNameError struct {
	Name  string
	Scope Scope
}

func (e *DuplicateNameError) Error() string {
	return fmt.Sprintf("fixture '%v' is already registered with scope '%v'", e.Name, e.Scope)
}

// UnknownFixtureError is returned by Resolve when no definition exists for the name.
type UnknownFixtureError struct {
	Name string
}

func (e *UnknownFixtureError) Error() string {
	return fmt.Sprintf("no fixture registered under '%v'", e.Name)
}
