// Package parser normalizes each upstream payload family into flat
// records and projects them onto graph-insert shapes. Flat records use
// the BadgerFish JSON dialect: element text under "$", attributes under
// "@name", repeated children as arrays.
package parser

import "fmt"

// Error reports a structural mismatch in an upstream payload.
type Error struct {
	Family string
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("parsing %s: %s: %v", e.Family, e.Reason, e.Err)
	}
	return fmt.Sprintf("parsing %s: %s", e.Family, e.Reason)
}

func (e *Error) Unwrap() error { return e.Err }

func parseErr(family, reason string, err error) *Error {
	return &Error{Family: family, Reason: reason, Err: err}
}

// Payload is one graph insert: the target collection and its document.
// Vertex docs carry "_key"; edge docs additionally "_from" and "_to".
type Payload struct {
	Collection string
	Doc        map[string]interface{}
}
