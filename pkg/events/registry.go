package events

import (
	"encoding/json"
	"sync"

	"github.com/pkg/errors"
)

// EventCodec decodes a JSON payload into a concrete Event instance.
type EventCodec func([]byte) (Event, error)

var (
	registryOnce sync.Once
	reg          *eventRegistry
)

type eventRegistry struct {
	mu       sync.RWMutex
	decoders map[string]EventCodec
}

func ensureRegistry() {
	registryOnce.Do(func() {
		reg = &eventRegistry{
			decoders: make(map[string]EventCodec),
		}
	})
}

// RegisterEventCodec registers a decoder for an event type name.
// It returns an error if a decoder is already registered for the type.
func RegisterEventCodec(typeName string, dec EventCodec) error {
	ensureRegistry()
	reg.mu.Lock()
	defer reg.mu.Unlock()
	if _, exists := reg.decoders[typeName]; exists {
		return errors.Errorf("decoder already registered for type %q", typeName)
	}
	reg.decoders[typeName] = dec
	return nil
}

// RegisterEventFactory registers a decoder based on json.Unmarshal.
// The factory must return a pointer to a zero-value event struct.
func RegisterEventFactory(typeName string, factory func() Event) error {
	return RegisterEventCodec(typeName, func(b []byte) (Event, error) {
		ev := factory()
		if err := json.Unmarshal(b, ev); err != nil {
			return nil, err
		}
		return ev, nil
	})
}

func lookupDecoder(typeName string) EventCodec {
	ensureRegistry()
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	return reg.decoders[typeName]
}
