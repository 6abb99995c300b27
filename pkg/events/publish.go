package events

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Publisher is what the tree manager emits its events to.
type Publisher interface {
	Publish(event Event) error
}

// PublisherManager distributes events to a set of watermill publishers.
// A publisher is "subscribed" to a topic and receives every event published
// afterwards on that topic.
//
// The manager also stamps each outgoing message with a sequence number, in
// the order they are handled by Publish.
type PublisherManager struct {
	Publishers     map[string][]message.Publisher
	sequenceNumber uint64
	mutex          sync.Mutex
}

var _ Publisher = (*PublisherManager)(nil)

func NewPublisherManager() *PublisherManager {
	return &PublisherManager{
		Publishers: make(map[string][]message.Publisher),
	}
}

func (s *PublisherManager) SubscribePublisher(topic string, sub message.Publisher) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.Publishers[topic] = append(s.Publishers[topic], sub)
}

// Publish serializes the event to JSON and hands it to every subscribed
// publisher. Failures of individual publishers are logged, not returned.
func (s *PublisherManager) Publish(event Event) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	b, err := json.Marshal(event)
	if err != nil {
		return errors.Wrapf(err, "could not serialize %s event", event.Type())
	}

	seq := s.sequenceNumber
	s.sequenceNumber++

	for topic, subs := range s.Publishers {
		for _, sub := range subs {
			msg := message.NewMessage(watermill.NewUUID(), b)
			msg.Metadata.Set("sequence_number", fmt.Sprintf("%d", seq))
			msg.Metadata.Set("event_type", string(event.Type()))
			msg.Metadata.Set(correlationIDMessageMetadataKey, event.Metadata().TreeID)
			if err := sub.Publish(topic, msg); err != nil {
				log.Warn().Err(err).Str("topic", topic).Str("event_type", string(event.Type())).Msg("failed to publish")
			}
		}
	}

	return nil
}

func (s *PublisherManager) PublishBlind(event Event) {
	if err := s.Publish(event); err != nil {
		log.Warn().Err(err).Msg("failed to publish")
	}
}
