package circulation

import "context"

// Action identifies an operation a subject may or may not perform.
type Action string

const (
	ActionReserve Action = "reserve"
	ActionBorrow  Action = "borrow"
)

// Authorizer answers whether a subject may perform an action. It is a pure
// predicate supplied by the caller; the engine does not implement any role
// or permission model of its own. An error from Authorize is treated the
// same as a denial.
type Authorizer interface {
	Authorize(ctx context.Context, subjectID string, action Action) (bool, error)
}

// AuthorizerFunc adapts a function to the Authorizer interface.
type AuthorizerFunc func(ctx context.Context, subjectID string, action Action) (bool, error)

func (f AuthorizerFunc) Authorize(ctx context.Context, subjectID string, action Action) (bool, error) {
	return f(ctx, subjectID, action)
}

// allowAll is the default authorizer when none is configured.
var allowAll = AuthorizerFunc(func(context.Context, string, Action) (bool, error) {
	return true, nil
})
