// Package messaging owns the single broker connection of a process and derives
// producers and consumers from it.
//
// Transports live in adapters/* and register through contract/broker.Dialer;
// this package selects one by URL scheme, validates topic sets and wraps
// failures in the coded errors of contract/errors.
package messaging
