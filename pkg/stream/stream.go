package stream

import "fmt"

// StreamMessage represents a notification about a stored CDR
type StreamMessage struct {
	Key    string
	CustID int64
	Data   map[string]interface{}
}

// ConsumerConfig holds configuration for stream consumers
type ConsumerConfig struct {
	StreamKey     string
	ConsumerGroup string
	ConsumerName  string
}

// Stream interface defines methods for publishing and consuming messages from streams
type Stream interface {
	Push(streamKey string, message StreamMessage) error
	Pull(config ConsumerConfig) ([]string, error)
}

// UpdatesKey is the per-customer stream that announces newly stored CDRs
func UpdatesKey(custID int64) string {
	return fmt.Sprintf("cdr:updates:%d", custID)
}
