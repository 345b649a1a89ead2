// Package leads holds the lead intake domain: the qualification policy, the
// qualified lead store, the two request/reply operations and the intake flow
// that strings them together.
package leads
