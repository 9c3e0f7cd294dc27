// Package kinesis serves the stream routes directly from Amazon Kinesis, so
// the dashboard client can run without an HTTP backend in between.
package kinesis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kinesis"
	"github.com/aws/aws-sdk-go-v2/service/kinesis/types"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/goliatone/go-streamdash/internal/logging"
	"github.com/goliatone/go-streamdash/query"
	"github.com/goliatone/go-streamdash/streams"
)

// DefaultMessagesLimit applies when the messages route is called without a
// positive limit.
const DefaultMessagesLimit = 50

// API is the subset of the Kinesis client used by Backend.
type API interface {
	ListStreams(ctx context.Context, in *kinesis.ListStreamsInput, optFns ...func(*kinesis.Options)) (*kinesis.ListStreamsOutput, error)
	DescribeStream(ctx context.Context, in *kinesis.DescribeStreamInput, optFns ...func(*kinesis.Options)) (*kinesis.DescribeStreamOutput, error)
	GetShardIterator(ctx context.Context, in *kinesis.GetShardIteratorInput, optFns ...func(*kinesis.Options)) (*kinesis.GetShardIteratorOutput, error)
	GetRecords(ctx context.Context, in *kinesis.GetRecordsInput, optFns ...func(*kinesis.Options)) (*kinesis.GetRecordsOutput, error)
	PutRecord(ctx context.Context, in *kinesis.PutRecordInput, optFns ...func(*kinesis.Options)) (*kinesis.PutRecordOutput, error)
	DeleteStream(ctx context.Context, in *kinesis.DeleteStreamInput, optFns ...func(*kinesis.Options)) (*kinesis.DeleteStreamOutput, error)
}

// NewFromConfig builds a Kinesis client from the default AWS credential
// chain. A non-empty endpoint overrides the service endpoint (LocalStack).
func NewFromConfig(ctx context.Context, region, endpoint string) (*kinesis.Client, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return kinesis.NewFromConfig(cfg, func(o *kinesis.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	}), nil
}

type route struct {
	method string
	path   string
}

type handlerFunc func(ctx context.Context, req query.Request) (any, error)

// Backend implements query.Transport on top of the Kinesis API.
type Backend struct {
	api    API
	logger *slog.Logger
	routes map[route]handlerFunc
}

// NewBackend creates a Backend over api.
func NewBackend(api API) *Backend {
	b := &Backend{api: api, logger: logging.Op()}
	b.routes = map[route]handlerFunc{
		{http.MethodGet, streams.PathList}:      b.list,
		{http.MethodGet, streams.PathDescribe}:  b.describe,
		{http.MethodGet, streams.PathMessages}:  b.messages,
		{http.MethodPost, streams.PathPublish}:  b.publish,
		{http.MethodDelete, streams.PathDelete}: b.delete,
	}
	return b
}

// Call implements query.Transport.
func (b *Backend) Call(ctx context.Context, req query.Request) (json.RawMessage, error) {
	h, ok := b.routes[route{req.Method, req.Path}]
	if !ok {
		return nil, &query.TransportError{StatusCode: http.StatusNotFound, Message: "no route for " + req.String()}
	}

	out, err := h(ctx, req)
	if err != nil {
		b.logger.Debug("kinesis call failed", "request", req.String(), "error", err)
		return nil, toTransportError(err)
	}
	raw, err := json.Marshal(out)
	if err != nil {
		return nil, &query.TransportError{StatusCode: http.StatusInternalServerError, Message: err.Error(), Err: err}
	}
	return raw, nil
}

func (b *Backend) list(ctx context.Context, _ query.Request) (any, error) {
	all := []string{}
	in := &kinesis.ListStreamsInput{}
	for {
		out, err := b.api.ListStreams(ctx, in)
		if err != nil {
			return nil, err
		}
		all = append(all, out.StreamNames...)
		if out.NextToken == nil {
			break
		}
		in.NextToken = out.NextToken
	}
	return streams.List{Streams: all, Count: len(all)}, nil
}

func (b *Backend) describe(ctx context.Context, req query.Request) (any, error) {
	name := req.Query.Get("streamName")
	if name == "" {
		return nil, badRequest("streamName required")
	}
	desc, err := b.describeStream(ctx, name)
	if err != nil {
		return nil, err
	}
	return streams.Description{
		StreamName:     aws.ToString(desc.StreamName),
		StreamARN:      aws.ToString(desc.StreamARN),
		Status:         string(desc.StreamStatus),
		RetentionHours: aws.ToInt32(desc.RetentionPeriodHours),
		ShardCount:     len(desc.Shards),
		EncryptionType: string(desc.EncryptionType),
	}, nil
}

func (b *Backend) describeStream(ctx context.Context, name string) (*types.StreamDescription, error) {
	out, err := b.api.DescribeStream(ctx, &kinesis.DescribeStreamInput{StreamName: aws.String(name)})
	if err != nil {
		return nil, err
	}
	if out.StreamDescription == nil {
		return nil, fmt.Errorf("describe %s: empty stream description", name)
	}
	return out.StreamDescription, nil
}

// messages reads the oldest records of every shard, at most limit/shards per
// shard and never fewer than one. Any shard failure fails the whole read.
func (b *Backend) messages(ctx context.Context, req query.Request) (any, error) {
	name := req.Query.Get("streamName")
	if name == "" {
		return nil, badRequest("streamName required")
	}
	limit, _ := strconv.Atoi(req.Query.Get("limit"))
	if limit <= 0 {
		limit = DefaultMessagesLimit
	}

	desc, err := b.describeStream(ctx, name)
	if err != nil {
		return nil, err
	}
	shards := desc.Shards
	if len(shards) == 0 {
		return streams.Messages{Records: []streams.Record{}}, nil
	}
	perShard := max(limit/len(shards), 1)

	perShardRecords := make([][]streams.Record, len(shards))
	g, gctx := errgroup.WithContext(ctx)
	for i, shard := range shards {
		g.Go(func() error {
			recs, err := b.shardRecords(gctx, name, aws.ToString(shard.ShardId), perShard)
			perShardRecords[i] = recs
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	records := []streams.Record{}
	for _, recs := range perShardRecords {
		records = append(records, recs...)
	}
	return streams.Messages{Records: records, Count: len(records), Shards: len(shards)}, nil
}

func (b *Backend) shardRecords(ctx context.Context, stream, shardID string, limit int) ([]streams.Record, error) {
	it, err := b.api.GetShardIterator(ctx, &kinesis.GetShardIteratorInput{
		StreamName:        aws.String(stream),
		ShardId:           aws.String(shardID),
		ShardIteratorType: types.ShardIteratorTypeTrimHorizon,
	})
	if err != nil {
		return nil, fmt.Errorf("get shard iterator failed for shard %s: %w", shardID, err)
	}
	if it.ShardIterator == nil {
		return nil, fmt.Errorf("missing shard iterator for shard %s", shardID)
	}

	out, err := b.api.GetRecords(ctx, &kinesis.GetRecordsInput{ShardIterator: it.ShardIterator})
	if err != nil {
		return nil, fmt.Errorf("get records failed for shard %s: %w", shardID, err)
	}

	recs := make([]streams.Record, 0, min(len(out.Records), limit))
	for _, r := range out.Records {
		if len(recs) >= limit {
			break
		}
		recs = append(recs, streams.Record{
			ShardID:                     shardID,
			PartitionKey:                aws.ToString(r.PartitionKey),
			SequenceNumber:              aws.ToString(r.SequenceNumber),
			ApproximateArrivalTimestamp: r.ApproximateArrivalTimestamp,
			Data:                        string(r.Data),
		})
	}
	return recs, nil
}

func (b *Backend) publish(ctx context.Context, req query.Request) (any, error) {
	var in streams.PublishInput
	if err := decodeBody(req.Body, &in); err != nil {
		return nil, err
	}
	if err := in.Validate(); err != nil {
		return nil, query.NewValidationError(err)
	}
	if in.PartitionKey == "" {
		in.PartitionKey = uuid.NewString()
	}

	out, err := b.api.PutRecord(ctx, &kinesis.PutRecordInput{
		StreamARN:    aws.String(in.StreamARN),
		PartitionKey: aws.String(in.PartitionKey),
		Data:         []byte(in.Data),
	})
	if err != nil {
		return nil, err
	}
	return streams.PublishResult{
		ShardID:        aws.ToString(out.ShardId),
		SequenceNumber: aws.ToString(out.SequenceNumber),
		PartitionKey:   in.PartitionKey,
	}, nil
}

func (b *Backend) delete(ctx context.Context, req query.Request) (any, error) {
	var in streams.DeleteInput
	if err := decodeBody(req.Body, &in); err != nil {
		return nil, err
	}
	if err := in.Validate(); err != nil {
		return nil, query.NewValidationError(err)
	}
	if _, err := b.api.DeleteStream(ctx, &kinesis.DeleteStreamInput{StreamName: aws.String(in.StreamName)}); err != nil {
		return nil, err
	}
	b.logger.Info("stream deleted", "stream", in.StreamName)
	return streams.DeleteResult{Status: "deleted", Stream: in.StreamName}, nil
}

// decodeBody converts an in-process request body into dst through its JSON
// form, so typed inputs and plain maps are accepted alike.
func decodeBody(body any, dst any) error {
	if body == nil {
		return nil
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return badRequest("invalid body: " + err.Error())
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return badRequest("invalid body: " + err.Error())
	}
	return nil
}

func badRequest(msg string) error {
	return &query.TransportError{StatusCode: http.StatusBadRequest, Message: msg}
}

func toTransportError(err error) error {
	var te *query.TransportError
	if errors.As(err, &te) {
		return te
	}

	var ve *query.ValidationError
	if errors.As(err, &ve) {
		return &query.TransportError{StatusCode: http.StatusBadRequest, Message: ve.Message, Err: err}
	}

	var notFound *types.ResourceNotFoundException
	if errors.As(err, &notFound) {
		return &query.TransportError{StatusCode: http.StatusNotFound, Message: notFound.ErrorMessage(), Err: err}
	}

	var invalid *types.InvalidArgumentException
	if errors.As(err, &invalid) {
		return &query.TransportError{StatusCode: http.StatusBadRequest, Message: invalid.ErrorMessage(), Err: err}
	}

	var inUse *types.ResourceInUseException
	if errors.As(err, &inUse) {
		return &query.TransportError{StatusCode: http.StatusConflict, Message: inUse.ErrorMessage(), Err: err}
	}

	return &query.TransportError{StatusCode: http.StatusBadGateway, Message: err.Error(), Err: err}
}
