// Package nats provides a core NATS transport for the warehouse broker core.
package nats
