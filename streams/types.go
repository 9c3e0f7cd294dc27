package streams

import (
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

// List is the response of the list route.
type List struct {
	Streams []string `json:"streams"`
	Count   int      `json:"count"`
}

// Contains reports whether name is listed.
func (l List) Contains(name string) bool {
	for _, s := range l.Streams {
		if s == name {
			return true
		}
	}
	return false
}

// Description is the metadata of one stream.
type Description struct {
	StreamName     string `json:"streamName"`
	StreamARN      string `json:"streamArn"`
	Status         string `json:"status"`
	RetentionHours int32  `json:"retentionHours"`
	ShardCount     int    `json:"shardCount"`
	EncryptionType string `json:"encryptionType,omitempty"`
}

// Record is one message read from a stream shard.
type Record struct {
	ShardID                     string     `json:"shardId"`
	PartitionKey                string     `json:"partitionKey"`
	SequenceNumber              string     `json:"sequenceNumber"`
	ApproximateArrivalTimestamp *time.Time `json:"approximateArrivalTimestamp,omitempty"`
	Data                        string     `json:"dataBase64"`

	// Pending marks a record published locally and not yet read back.
	Pending bool `json:"-"`
}

// Messages is the response of the messages route.
type Messages struct {
	Records []Record `json:"records"`
	Count   int      `json:"count"`
	Shards  int      `json:"shards"`
}

// DeleteInput is the body of the delete route.
type DeleteInput struct {
	StreamName string `json:"streamName"`
}

// Validate implements validation.Validatable.
func (in DeleteInput) Validate() error {
	return validation.ValidateStruct(&in,
		validation.Field(&in.StreamName, validation.Required.Error("streamName required")),
	)
}

// DeleteResult is the response of the delete route.
type DeleteResult struct {
	Status string `json:"status"`
	Stream string `json:"stream"`
}

// PublishInput is the body of the publish route. An empty PartitionKey is
// replaced with a random UUID before the request is sent.
type PublishInput struct {
	StreamARN    string `json:"streamArn"`
	PartitionKey string `json:"partitionKey"`
	Data         string `json:"data"`
}

// Validate implements validation.Validatable.
func (in PublishInput) Validate() error {
	return validation.ValidateStruct(&in,
		validation.Field(&in.StreamARN, validation.Required.Error("streamArn and data are required")),
		validation.Field(&in.Data, validation.Required.Error("streamArn and data are required")),
	)
}

// PublishResult is the response of the publish route.
type PublishResult struct {
	ShardID        string `json:"shardId"`
	SequenceNumber string `json:"sequenceNumber"`
	PartitionKey   string `json:"partitionKey"`
}
