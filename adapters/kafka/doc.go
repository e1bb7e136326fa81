// Package kafka provides a franz-go transport for the warehouse broker core.
// Topics map to Kafka topics and the consumer queue name maps to a consumer group.
// Topic creation is left to the cluster (auto-create or provisioning).
package kafka
