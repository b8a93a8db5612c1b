package store

import (
	"github.com/aleksaelezovic/trigodb/pkg/rdf"
)

// Pattern represents a triple or quad pattern with optional variables
type Pattern struct {
	Subject   any // rdf.Term, Variable or nil
	Predicate any // rdf.Term, Variable or nil
	Object    any // rdf.Term, Variable or nil
	Graph     any // rdf.Term or Variable; nil means the default graph
}

// Variable matches any term in its position. A nil position in a Pattern
// behaves the same, except for Graph.
type Variable struct {
	Name string
}

// NewVariable creates a new variable
func NewVariable(name string) *Variable {
	return &Variable{Name: name}
}

func (v *Variable) String() string {
	return "?" + v.Name
}

// IsVariable reports whether a pattern position matches any term.
func IsVariable(v any) bool {
	if v == nil {
		return true
	}
	_, ok := v.(*Variable)
	return ok
}

// QuadIterator iterates over quads matching a pattern
type QuadIterator interface {
	Next() bool
	Quad() (*rdf.Quad, error)
	Err() error
	Close() error
}
