package serviceimpl

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/getlantern/errors"
	"github.com/getlantern/golog"

	"github.com/getlantern/topicstream/model"
	"github.com/getlantern/topicstream/payload"
	"github.com/getlantern/topicstream/service"
	"github.com/getlantern/topicstream/source"
	"github.com/getlantern/topicstream/stream"
	"github.com/getlantern/topicstream/util"
)

var (
	log = golog.LoggerFor("topicstream.service")

	tracer = otel.Tracer("github.com/getlantern/topicstream/service")
)

type Opts struct {
	// The MessageSource that produces broker messages. Required.
	Source source.MessageSource
	// The Encoder to use for payloads, defaults to payload.DefaultEncoder
	Encoder payload.Encoder
	// How many topics each subscription remembers match results for, defaults to 1024. Set to a negative value to disable.
	MatchCacheSize int
}

func (opts *Opts) ApplyDefaults() {
	if opts.Encoder == nil {
		opts.Encoder = payload.DefaultEncoder{}
		log.Debug("Defaulted to DefaultEncoder")
	}
	if opts.MatchCacheSize == 0 {
		opts.MatchCacheSize = 1024
		log.Debugf("Defaulted MatchCacheSize to: %d", opts.MatchCacheSize)
	} else if opts.MatchCacheSize < 0 {
		opts.MatchCacheSize = 0
		log.Debug("Match cache disabled")
	}
}

type Service struct {
	source         source.MessageSource
	encoder        payload.Encoder
	matchCacheSize int
	registry       *stream.Registry
}

func New(opts *Opts) (*Service, error) {
	opts.ApplyDefaults()
	if opts.Source == nil {
		return nil, errors.New("please specify a Source for this Service")
	}
	return &Service{
		source:         opts.Source,
		encoder:        opts.Encoder,
		matchCacheSize: opts.MatchCacheSize,
		registry:       stream.NewRegistry(),
	}, nil
}

func (srvc *Service) options(req *service.TopicUpdatesRequest) stream.Options {
	return stream.Options{
		Filters:        req.TopicFilters,
		Format:         req.Format,
		Encoder:        srvc.encoder,
		MatchCacheSize: srvc.matchCacheSize,
		Registry:       srvc.registry,
	}
}

// SubscribeTopicUpdates opens a stream of individual updates. Registration errors are returned
// directly and leave nothing behind.
func (srvc *Service) SubscribeTopicUpdates(ctx context.Context, req *service.TopicUpdatesRequest, consumer stream.Consumer[*model.TopicUpdate]) (service.Stream, error) {
	_, span := tracer.Start(ctx, "topicUpdates", trace.WithAttributes(
		attribute.StringSlice("topic_filters", req.TopicFilters),
		attribute.String("format", req.Format.String()),
	))
	defer span.End()

	opts := srvc.options(req)
	sub, err := stream.Open(srvc.source, &opts, consumer)
	if err != nil {
		return nil, srvc.failed(span, err)
	}
	span.SetAttributes(attribute.String("subscription_id", sub.ID()))
	log.Debugf("opened topicUpdates %v for %v", sub.ID(), sub.Filters())
	return sub, nil
}

// SubscribeTopicUpdatesBulk opens a stream of batches. Non-positive TimeoutMs or MaxSize are rejected
// with model.ErrInvalidConfig before anything is registered.
func (srvc *Service) SubscribeTopicUpdatesBulk(ctx context.Context, req *service.BulkRequest, consumer stream.Consumer[*model.TopicUpdateBatch]) (service.Stream, error) {
	_, span := tracer.Start(ctx, "topicUpdatesBulk", trace.WithAttributes(
		attribute.StringSlice("topic_filters", req.TopicFilters),
		attribute.String("format", req.Format.String()),
		attribute.Int("timeout_ms", req.TimeoutMs),
		attribute.Int("max_size", req.MaxSize),
	))
	defer span.End()

	if req.TimeoutMs <= 0 {
		return nil, srvc.failed(span, model.ErrInvalidConfig.WithDescription("timeoutMs must be positive"))
	}
	if req.MaxSize <= 0 {
		return nil, srvc.failed(span, model.ErrInvalidConfig.WithDescription("maxSize must be positive"))
	}

	opts := &stream.BatchOptions{
		Options:  srvc.options(&req.TopicUpdatesRequest),
		MaxCount: req.MaxSize,
		MaxWait:  util.Millis(req.TimeoutMs),
	}
	sub, err := stream.OpenBatch(srvc.source, opts, consumer)
	if err != nil {
		return nil, srvc.failed(span, err)
	}
	span.SetAttributes(attribute.String("subscription_id", sub.ID()))
	log.Debugf("opened topicUpdatesBulk %v for %v, %d updates or %dms", sub.ID(), sub.Filters(), req.MaxSize, req.TimeoutMs)
	return sub, nil
}

func (srvc *Service) failed(span trace.Span, err error) error {
	log.Errorf("unable to open subscription: %v", err)
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

func (srvc *Service) ActiveSubscriptions() int {
	return srvc.registry.Len()
}

// Close cancels every open stream. Streams can't be opened anymore afterwards.
func (srvc *Service) Close(ctx context.Context) error {
	log.Debugf("closing with %d active subscriptions", srvc.registry.Len())
	return srvc.registry.CancelAll(ctx)
}
