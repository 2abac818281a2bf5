package flowbus

import (
	"context"
	"time"

	runtimepkg "github.com/drblury/flowbus/internal/runtime"
	channelpkg "github.com/drblury/flowbus/internal/runtime/channel"
	configpkg "github.com/drblury/flowbus/internal/runtime/config"
	dispatchpkg "github.com/drblury/flowbus/internal/runtime/dispatch"
	endpointpkg "github.com/drblury/flowbus/internal/runtime/endpoint"
	envelopepkg "github.com/drblury/flowbus/internal/runtime/envelope"
	errspkg "github.com/drblury/flowbus/internal/runtime/errors"
	gatewaypkg "github.com/drblury/flowbus/internal/runtime/gateway"
	idspkg "github.com/drblury/flowbus/internal/runtime/ids"
	jsoncodec "github.com/drblury/flowbus/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/flowbus/internal/runtime/logging"
	metadatapkg "github.com/drblury/flowbus/internal/runtime/metadata"
	pipelinepkg "github.com/drblury/flowbus/internal/runtime/pipeline"
	sagapkg "github.com/drblury/flowbus/internal/runtime/saga"
	storepkg "github.com/drblury/flowbus/internal/runtime/store"
	timeoutpkg "github.com/drblury/flowbus/internal/runtime/timeout"
	typeregistrypkg "github.com/drblury/flowbus/internal/runtime/typeregistry"
	"github.com/drblury/flowbus/transport"
)

type (
	Config          = configpkg.Config
	Bus             = runtimepkg.Bus
	Dependencies    = runtimepkg.Dependencies
	EndpointOptions = runtimepkg.EndpointOptions
	Description     = runtimepkg.Description

	Envelope          = envelopepkg.Envelope
	Header            = envelopepkg.Header
	TypeMismatchError = envelopepkg.TypeMismatchError

	Channel                 = channelpkg.Channel
	QueueChannel            = channelpkg.QueueChannel
	PublishSubscribeChannel = channelpkg.PublishSubscribeChannel
	ChannelRegistry         = channelpkg.Registry
	ChannelObserver         = channelpkg.Observer
	LookupError             = channelpkg.LookupError

	Dispatcher    = dispatchpkg.Dispatcher
	DispatchError = dispatchpkg.DispatchError

	Activator  = endpointpkg.Activator
	JobContext = endpointpkg.JobContext
	JobHooks   = endpointpkg.JobHooks

	Pipeline          = pipelinepkg.Pipeline
	PipelineComponent = pipelinepkg.Component
	PipelineFunc      = pipelinepkg.ComponentFunc
	PipelineError     = pipelinepkg.PipelineError
	Direction         = pipelinepkg.Direction

	Saga            = sagapkg.Saga
	SagaMessage     = sagapkg.Message
	SagaData        = sagapkg.Data
	SagaMessageBase = sagapkg.MessageBase
	SagaContext     = sagapkg.Context
	SagaEngine      = sagapkg.Engine
	SagaPersister   = sagapkg.Persister
	SagaNotFound    = sagapkg.NotFoundError

	TimeoutMessage       = timeoutpkg.Message
	TimeoutRequest       = timeoutpkg.Request
	TimeoutCancelRequest = timeoutpkg.CancelRequest
	TimeoutPersister     = timeoutpkg.Persister
	TimeoutService       = timeoutpkg.Service

	Backend      = storepkg.Backend
	TypeRegistry = typeregistrypkg.Registry
	Gateway      = gatewaypkg.Gateway

	Metadata = metadatapkg.Metadata

	LogFields     = loggingpkg.LogFields
	ServiceLogger = loggingpkg.ServiceLogger

	ConfigValidationError = errspkg.ConfigValidationError

	Adapter                  = transport.Adapter
	InboundAdapter           = transport.InboundAdapter
	OutboundAdapter          = transport.OutboundAdapter
	NonDeliveredMessageError = transport.NonDeliveredMessageError
	Transport                = transport.Transport
	TransportBuilder         = transport.Builder
	TransportConfig          = transport.Config
	TransportRegistry        = transport.Registry
	TransportCapabilities    = transport.Capabilities
	RetryConfig              = transport.RetryConfig
)

var (
	NewBus         = runtimepkg.NewBus
	ValidateConfig = configpkg.ValidateConfig

	NewEnvelope  = envelopepkg.New
	NullEnvelope = envelopepkg.Null
	NullChannel  = channelpkg.Null
	NewQueue     = channelpkg.NewQueue

	NewPipeline = pipelinepkg.New
	NamedStep   = pipelinepkg.Named
	OnlyOn      = pipelinepkg.OnlyOn
	FlowThrough = pipelinepkg.FlowThrough

	LoggingHooks  = endpointpkg.LoggingHooks
	AlertingHooks = endpointpkg.AlertingHooks

	NewSagaMemoryPersister    = sagapkg.NewMemoryPersister
	NewTimeoutMemoryPersister = timeoutpkg.NewMemoryPersister

	// Transports are registered by importing their packages, for example
	// _ "github.com/drblury/flowbus/transport/kafka", or all of them via
	// _ "github.com/drblury/flowbus/transport/transports".
	DefaultTransportRegistry = transport.DefaultRegistry
	RegisterTransport        = transport.RegisterWithCapabilities
	BuildTransport           = transport.Build
	GetCapabilities          = transport.GetCapabilities

	Marshal       = jsoncodec.Marshal
	MarshalIndent = jsoncodec.MarshalIndent
	Unmarshal     = jsoncodec.Unmarshal

	ErrConfigRequired  = errspkg.ErrConfigRequired
	ErrLoggerRequired  = errspkg.ErrLoggerRequired
	ErrPayloadRequired = errspkg.ErrPayloadRequired
	ErrNoRoute         = errspkg.ErrNoRoute
	ErrBusClosed       = errspkg.ErrBusClosed
	ErrAlreadyStarted  = errspkg.ErrAlreadyStarted
	ErrSagaNotFound    = sagapkg.ErrSagaNotFound
	ErrReplyTimeout    = gatewaypkg.ErrReplyTimeout
	ErrMessageTooLarge = transport.ErrMessageTooLarge
	ErrAdapterStopped  = transport.ErrAdapterStopped

	NewSlogServiceLogger      = loggingpkg.NewSlogServiceLogger
	NewWatermillServiceLogger = loggingpkg.NewWatermillServiceLogger
	NewNopServiceLogger       = loggingpkg.NewNopServiceLogger

	NewID = idspkg.New
)

// Pipeline directions.
const (
	Send    = pipelinepkg.Send
	Receive = pipelinepkg.Receive
)

// Metadata keys written by the wire codec.
const (
	MetadataKeyID            = metadatapkg.KeyID
	MetadataKeyCorrelationID = metadatapkg.KeyCorrelationID
	MetadataKeyReplyChannel  = metadatapkg.KeyReplyChannel
	MetadataKeyPayloadType   = metadatapkg.KeyPayloadType
)

// As returns the payload of e as T.
func As[T any](e *Envelope) (T, error) {
	return envelopepkg.As[T](e)
}

// FindChannel looks up name on the bus and asserts its kind.
func FindChannel[T Channel](b *Bus, name string) (T, error) {
	return channelpkg.FindAs[T](b.ChannelRegistry(), name)
}

// Initiate registers fn as the handler that starts saga S on message M.
func Initiate[S Saga, M any](b *Bus, fn func(sc *SagaContext, s S, m M) error) error {
	return sagapkg.Initiate(b.Sagas(), fn)
}

// Orchestrate registers fn as the handler of M for running sagas of type S.
func Orchestrate[S Saga, M SagaMessage](b *Bus, fn func(sc *SagaContext, s S, m M) error) error {
	return sagapkg.Orchestrate(b.Sagas(), fn)
}

// Call sends payload through g and waits for a reply of type R.
func Call[R any](ctx context.Context, g *Gateway, payload any) (R, error) {
	return gatewaypkg.CallAs[R](ctx, g, payload)
}

// RequestTimeout builds the message that asks the timeout service to
// publish payload after d. Send it with Bus.Publish.
func RequestTimeout(d time.Duration, payload any) TimeoutRequest {
	return TimeoutRequest{Duration: d, Message: payload}
}

// CancelTimeouts builds the message that cancels pending timeouts matching
// payload.
func CancelTimeouts(payload any) TimeoutCancelRequest {
	return TimeoutCancelRequest{Message: payload}
}
