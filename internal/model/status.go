package model

import "fmt"

type Status string

const (
	StatusOpen       Status = "open"
	StatusInProgress Status = "in_progress"
	StatusReview     Status = "review"
	StatusDone       Status = "done"
	StatusCancelled  Status = "cancelled"
	StatusSomeday    Status = "someday"
)

type Complexity string

const (
	ComplexityTrivial  Complexity = "trivial"
	ComplexitySimple   Complexity = "simple"
	ComplexityModerate Complexity = "moderate"
	ComplexityComplex  Complexity = "complex"
)

var validStatuses = map[Status]bool{
	StatusOpen:       true,
	StatusInProgress: true,
	StatusReview:     true,
	StatusDone:       true,
	StatusCancelled:  true,
	StatusSomeday:    true,
}

var validComplexities = map[Complexity]bool{
	ComplexityTrivial:  true,
	ComplexitySimple:   true,
	ComplexityModerate: true,
	ComplexityComplex:  true,
}

var terminalStatuses = map[Status]bool{
	StatusDone:      true,
	StatusCancelled: true,
}

// Task status transitions. done/cancelled can only leave through reopen.
var validTaskTransitions = map[Status]map[Status]bool{
	StatusOpen: {
		StatusInProgress: true,
		StatusDone:       true,
		StatusCancelled:  true,
		StatusSomeday:    true,
	},
	StatusInProgress: {
		StatusOpen:      true, // reopen / retry
		StatusReview:    true,
		StatusDone:      true,
		StatusCancelled: true,
	},
	StatusReview: {
		StatusOpen:      true,
		StatusDone:      true,
		StatusCancelled: true,
	},
	StatusSomeday: {
		StatusOpen:      true,
		StatusCancelled: true,
	},
	StatusDone: {
		StatusOpen: true,
	},
	StatusCancelled: {
		StatusOpen: true,
	},
}

func IsTerminal(s Status) bool {
	return terminalStatuses[s]
}

func ParseStatus(s string) (Status, error) {
	st := Status(s)
	if !validStatuses[st] {
		return "", fmt.Errorf("unknown status %q", s)
	}
	return st, nil
}

func ParseComplexity(s string) (Complexity, error) {
	if s == "" {
		return ComplexitySimple, nil
	}
	c := Complexity(s)
	if !validComplexities[c] {
		return "", fmt.Errorf("unknown complexity %q (want trivial|simple|moderate|complex)", s)
	}
	return c, nil
}

func ValidateTaskTransition(from, to Status) error {
	allowed, ok := validTaskTransitions[from]
	if !ok {
		return fmt.Errorf("unknown status %q", from)
	}
	if !allowed[to] {
		return fmt.Errorf("invalid task transition: %q → %q", from, to)
	}
	return nil
}
