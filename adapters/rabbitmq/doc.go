/*
Package rabbitmq provides the AMQP 0-9-1 transport for the warehouse broker core.
Each topic maps to a durable topic exchange; each consumer owns a durable quorum
queue bound to those exchanges, with a delivery limit and a dead-letter exchange.
*/
package rabbitmq
