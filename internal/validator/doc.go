// Package validator decides which upstream operations may be invoked and
// normalizes the parameters that go with them.
//
// Validation is pure: the same operation and parameters always produce the
// same result, with no I/O and no dependence on time or call order.
// Parameters without a rule are dropped, never forwarded.
package validator
