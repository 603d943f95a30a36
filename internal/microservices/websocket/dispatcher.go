package websocket

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
)

// DefaultFileName is used when a file_transfer request carries no usable name.
const DefaultFileName = "received_file.txt"

// FileStore persists decoded payloads and returns the name actually used.
type FileStore interface {
	Store(name string, data []byte) (string, error)
}

// HandlerFunc handles one envelope. A nil response means "send nothing".
type HandlerFunc func(ctx context.Context, env Envelope) (*Response, error)

// Dispatcher routes envelopes to handlers by action tag.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[Action]HandlerFunc
	store    FileStore
	strict   bool // report ignored envelopes as errors instead of staying silent
	logger   *slog.Logger
}

// NewDispatcher returns a dispatcher with the echo and file_transfer handlers registered.
func NewDispatcher(store FileStore, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{
		handlers: make(map[Action]HandlerFunc),
		store:    store,
		logger:   logger,
	}
	d.Register(ActionEcho, d.handleEcho)
	d.Register(ActionFileTransfer, d.handleFileTransfer)
	return d
}

// Register adds or replaces the handler for action.
func (d *Dispatcher) Register(action Action, h HandlerFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[action] = h
}

// SetStrict makes envelopes that are normally ignored (no action, unknown
// action, missing file_data) come back as ErrIgnored errors.
func (d *Dispatcher) SetStrict(strict bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.strict = strict
}

func (d *Dispatcher) ignore(reason string, args ...any) (*Response, error) {
	d.logger.Debug(reason, args...)
	d.mu.RLock()
	strict := d.strict
	d.mu.RUnlock()
	if strict {
		return nil, fmt.Errorf("%w: %s", ErrIgnored, strings.ReplaceAll(reason, "_", " "))
	}
	return nil, nil
}

// Dispatch runs the handler for env's action. Missing or unknown actions
// produce no response, and no error unless the dispatcher is strict.
func (d *Dispatcher) Dispatch(ctx context.Context, env Envelope) (*Response, error) {
	action, ok := env.Action()
	if !ok {
		return d.ignore("envelope_without_action")
	}

	d.mu.RLock()
	h, found := d.handlers[action]
	d.mu.RUnlock()
	if !found {
		return d.ignore("unknown_action", "action", string(action))
	}
	return h(ctx, env)
}

func (d *Dispatcher) handleEcho(_ context.Context, env Envelope) (*Response, error) {
	data, ok := env.Raw(FieldData)
	if !ok {
		data = json.RawMessage(`""`)
	}
	return NewEchoResponse(data), nil
}

func (d *Dispatcher) handleFileTransfer(_ context.Context, env Envelope) (*Response, error) {
	if !env.Has(FieldFileData) {
		return d.ignore("file_transfer_without_file_data")
	}
	encoded, ok := env.String(FieldFileData)
	if !ok {
		return nil, fmt.Errorf("%w: file_data is not a string", ErrDecode)
	}

	content, err := decodeBase64(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: file_data: %v", ErrDecode, err)
	}

	name, ok := env.String(FieldFileName)
	if !ok {
		name = DefaultFileName
	}

	used, err := d.store.Store(name, content)
	if err != nil {
		return nil, fmt.Errorf("failed to store %s: %w", name, err)
	}
	return NewFileReceivedResponse(used), nil
}

// decodeBase64 accepts standard base64, tolerating line breaks and other
// whitespace that encoders like to insert.
func decodeBase64(s string) ([]byte, error) {
	s = strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\t', '\r', '\n':
			return -1
		}
		return r
	}, s)
	return base64.StdEncoding.DecodeString(s)
}
