package events

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/rs/zerolog/log"
)

// TreeEventHandler receives decoded tree events. Implementations only need to
// care about the event types they know, the rest can be ignored.
type TreeEventHandler interface {
	HandleTreeEvent(ctx context.Context, e Event) error
}

type TreeEventHandlerFunc func(ctx context.Context, e Event) error

func (f TreeEventHandlerFunc) HandleTreeEvent(ctx context.Context, e Event) error {
	return f(ctx, e)
}

// EventRouter wires an in-process watermill pub/sub to a router running the
// registered handlers.
type EventRouter struct {
	logger     watermill.LoggerAdapter
	Publisher  message.Publisher
	Subscriber message.Subscriber
	router     *message.Router
	verbose    bool
}

type EventRouterOption func(*EventRouter)

func WithLogger(logger watermill.LoggerAdapter) EventRouterOption {
	return func(r *EventRouter) {
		r.logger = logger
	}
}

func WithVerbose(verbose bool) EventRouterOption {
	return func(r *EventRouter) {
		r.verbose = verbose
		if verbose {
			r.logger = NewWatermillLogger(log.Logger)
		}
	}
}

func NewEventRouter(options ...EventRouterOption) (*EventRouter, error) {
	ret := &EventRouter{
		logger: watermill.NopLogger{},
	}

	for _, o := range options {
		o(ret)
	}

	goPubSub := gochannel.NewGoChannel(gochannel.Config{
		BlockPublishUntilSubscriberAck: true,
	}, ret.logger)
	ret.Publisher = goPubSub
	ret.Subscriber = goPubSub

	router, err := message.NewRouter(message.RouterConfig{}, ret.logger)
	if err != nil {
		return nil, err
	}

	ret.router = router

	return ret, nil
}

// Close closes the publisher first, then the router.
func (e *EventRouter) Close() error {
	log.Debug().Msg("Closing publisher")
	if err := e.Publisher.Close(); err != nil {
		log.Error().Err(err).Msg("Failed to close pubsub")
	}

	log.Debug().Msg("Closing router")
	if err := e.router.Close(); err != nil {
		log.Error().Err(err).Msg("Failed to close router")
	}
	log.Debug().Msg("Router closed")

	return nil
}

func (e *EventRouter) AddHandler(name string, topic string, f func(msg *message.Message) error) {
	e.router.AddNoPublisherHandler(name, topic, e.Subscriber, f)
}

// AddTreeEventHandler subscribes handler to TopicTreeEvents.
func (e *EventRouter) AddTreeEventHandler(name string, handler TreeEventHandler) {
	e.AddHandler(name, TopicTreeEvents, createTreeDispatchHandler(handler))
}

func createTreeDispatchHandler(handler TreeEventHandler) message.NoPublishHandlerFunc {
	return func(msg *message.Message) error {
		logFields := watermill.LogFields{"message_id": msg.UUID, "correlation_id": CorrelationID(msg)}

		ev, err := NewEventFromJSON(msg.Payload)
		if err != nil {
			logFields["payload"] = string(msg.Payload)
			log.Error().Fields(map[string]interface{}(logFields)).Err(err).Msg("Failed to parse tree event")
			// one bad message should not stop the handler
			return nil
		}

		if err := handler.HandleTreeEvent(msg.Context(), ev); err != nil {
			log.Error().Fields(map[string]interface{}(logFields)).Str("event_type", string(ev.Type())).Err(err).Msg("Error processing tree event")
			return err
		}
		return nil
	}
}

// DumpRawEvents returns a handler printing every payload as indented JSON.
func (e *EventRouter) DumpRawEvents(w io.Writer) func(msg *message.Message) error {
	return func(msg *message.Message) error {
		defer msg.Ack()

		var s map[string]interface{}
		if err := json.Unmarshal(msg.Payload, &s); err != nil {
			return err
		}
		if !e.verbose {
			if meta, ok := s["meta"].(map[string]interface{}); ok {
				s["id"] = meta["event_id"]
			}
			delete(s, "meta")
		}
		s_, err := json.MarshalIndent(s, "", "  ")
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(w, string(s_))
		return err
	}
}

func (e *EventRouter) Running() chan struct{} {
	return e.router.Running()
}

func (e *EventRouter) IsRunning() bool {
	return e.router.IsRunning()
}

func (e *EventRouter) Run(ctx context.Context) error {
	return e.router.Run(ctx)
}
