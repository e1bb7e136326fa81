package errors

// Error codes for the warehouse service. Keep stable; they appear in logs and
// are matched with errors.Is across transports.
const (
	ErrCodeConnection          = "warehouse.broker_connection"
	ErrCodeAlreadyConnected    = "warehouse.broker_already_connected"
	ErrCodeTopicSetup          = "warehouse.topic_setup"
	ErrCodeInvalidTopics       = "warehouse.invalid_topics"
	ErrCodePersistenceInit     = "warehouse.persistence_init"
	ErrCodeHandling            = "warehouse.handling"
	ErrCodePublishFailed       = "warehouse.publish_failed"
	ErrCodeSerializationFailed = "warehouse.serialization_failed"
	ErrCodeInvalidConfig       = "warehouse.invalid_config"
	ErrCodeNotFound            = "warehouse.not_found"
	ErrCodeHandlerExists       = "warehouse.handler_exists"
)

// Code returns an error value that carries only a code string.
// It implements error by returning the code string in Error().
func Code(code string) error { return codedError(code) }

type codedError string

func (e codedError) Error() string { return string(e) }

var (
	// ErrConnection: broker unreachable, rejected or misconfigured. Fatal at startup.
	ErrConnection       = Code(ErrCodeConnection)
	ErrAlreadyConnected = Code(ErrCodeAlreadyConnected)
	// ErrTopicSetup: exchange, queue or binding declaration failed. Fatal at startup.
	ErrTopicSetup      = Code(ErrCodeTopicSetup)
	ErrInvalidTopics   = Code(ErrCodeInvalidTopics)
	ErrPersistenceInit = Code(ErrCodePersistenceInit)
	// ErrHandling is local to one inbound message and never stops the process.
	ErrHandling            = Code(ErrCodeHandling)
	ErrPublishFailed       = Code(ErrCodePublishFailed)
	ErrSerializationFailed = Code(ErrCodeSerializationFailed)
	ErrInvalidConfig       = Code(ErrCodeInvalidConfig)
	ErrNotFound            = Code(ErrCodeNotFound)
	ErrHandlerExists       = Code(ErrCodeHandlerExists)
)
