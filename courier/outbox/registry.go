package outbox

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
	"slices"
	"strings"
	"sync"
)

// Decoder turns stored content back into a payload value. A nil payload with a
// nil error means the content carried nothing to publish.
type Decoder func(content []byte) (any, error)

type binding struct {
	goType reflect.Type
	decode Decoder
}

// TypeRegistry maps message type tags to Go payload types. The host
// application builds one at startup and hands it to the Engine; nothing in
// this package keeps a process-wide registry.
type TypeRegistry struct {
	mu     sync.RWMutex
	byName map[string]binding
	byType map[reflect.Type]string
}

// NewTypeRegistry returns an empty registry.
func NewTypeRegistry() *TypeRegistry {
	return &TypeRegistry{
		byName: make(map[string]binding),
		byType: make(map[reflect.Type]string),
	}
}

// Register binds messageType to T using JSON decoding.
func Register[T any](registry *TypeRegistry, messageType string) error {
	if registry == nil {
		return ErrRegistryRequired
	}

	return registry.RegisterDecoder(messageType, reflect.TypeFor[T](), decodeJSON[T])
}

// MustRegister is Register for startup wiring; it panics on error.
func MustRegister[T any](registry *TypeRegistry, messageType string) {
	if err := Register[T](registry, messageType); err != nil {
		panic(err)
	}
}

// RegisterDecoder binds messageType to goType with a custom decoder.
func (registry *TypeRegistry) RegisterDecoder(messageType string, goType reflect.Type, decode Decoder) error {
	messageType = strings.TrimSpace(messageType)
	if messageType == "" {
		return ErrMessageTypeRequired
	}

	if goType == nil || decode == nil {
		return fmt.Errorf("register %q: go type and decoder are required", messageType)
	}

	registry.mu.Lock()
	defer registry.mu.Unlock()

	if _, exists := registry.byName[messageType]; exists {
		return fmt.Errorf("%w: %q", ErrTypeAlreadyBound, messageType)
	}

	if existing, exists := registry.byType[goType]; exists {
		return fmt.Errorf("%w: %s is already bound to %q", ErrTypeAlreadyBound, goType, existing)
	}

	registry.byName[messageType] = binding{goType: goType, decode: decode}
	registry.byType[goType] = messageType

	return nil
}

// RegisterRaw binds messageType to its stored JSON, forwarded unchanged as
// json.RawMessage. Raw bindings take no part in TypeOf, which lets a relay
// forward message types it has no Go definition for.
func (registry *TypeRegistry) RegisterRaw(messageType string) error {
	messageType = strings.TrimSpace(messageType)
	if messageType == "" {
		return ErrMessageTypeRequired
	}

	registry.mu.Lock()
	defer registry.mu.Unlock()

	if _, exists := registry.byName[messageType]; exists {
		return fmt.Errorf("%w: %q", ErrTypeAlreadyBound, messageType)
	}

	registry.byName[messageType] = binding{goType: reflect.TypeFor[json.RawMessage](), decode: decodeRaw}

	return nil
}

// Resolve returns the decoder for messageType.
func (registry *TypeRegistry) Resolve(messageType string) (Decoder, error) {
	registry.mu.RLock()
	b, ok := registry.byName[messageType]
	registry.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrTypeNotRegistered, messageType)
	}

	return b.decode, nil
}

// TypeOf returns the message type payload's Go type was registered under.
// Pointers are dereferenced once, so *OrderPlaced resolves like OrderPlaced.
func (registry *TypeRegistry) TypeOf(payload any) (string, error) {
	goType := reflect.TypeOf(payload)
	if goType == nil {
		return "", ErrPayloadRequired
	}

	registry.mu.RLock()
	defer registry.mu.RUnlock()

	if name, ok := registry.byType[goType]; ok {
		return name, nil
	}

	if goType.Kind() == reflect.Pointer {
		if name, ok := registry.byType[goType.Elem()]; ok {
			return name, nil
		}
	}

	return "", fmt.Errorf("%w: go type %s", ErrTypeNotRegistered, goType)
}

// Types lists registered message types in lexical order.
func (registry *TypeRegistry) Types() []string {
	registry.mu.RLock()
	defer registry.mu.RUnlock()

	names := make([]string, 0, len(registry.byName))
	for name := range registry.byName {
		names = append(names, name)
	}

	slices.Sort(names)

	return names
}

var jsonNull = []byte("null")

func decodeJSON[T any](content []byte) (any, error) {
	trimmed := bytes.TrimSpace(content)
	if len(trimmed) == 0 || bytes.Equal(trimmed, jsonNull) {
		return nil, nil
	}

	var payload T
	if err := json.Unmarshal(trimmed, &payload); err != nil {
		return nil, fmt.Errorf("decode %T: %w", payload, err)
	}

	return payload, nil
}

func decodeRaw(content []byte) (any, error) {
	trimmed := bytes.TrimSpace(content)
	if len(trimmed) == 0 || bytes.Equal(trimmed, jsonNull) {
		return nil, nil
	}

	if !json.Valid(trimmed) {
		return nil, ErrContentNotJSON
	}

	return json.RawMessage(bytes.Clone(trimmed)), nil
}
