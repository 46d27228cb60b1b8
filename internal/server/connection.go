package server

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/matt-riley/flagedge/internal/core"
	"github.com/matt-riley/flagedge/internal/etag"
	"github.com/matt-riley/flagedge/internal/service"
	"github.com/matt-riley/flagedge/internal/stream"
)

// Event names sent on a feature stream.
const (
	eventAck           = "ack"
	eventBye           = "bye"
	eventFailure       = "failure"
	eventFeatures      = "features"
	eventFeature       = "feature"
	eventDeleteFeature = "delete_feature"
)

// streamWriteTimeout bounds a single event write so a stalled client cannot
// hold a push worker.
const streamWriteTimeout = 10 * time.Second

var errConnectionClosed = errors.New("connection closed")

type statusPayload struct {
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}

// sseConnection is a stream.Connection writing server-sent events to one
// HTTP response. Writes are serialised; once closed every write is refused.
type sseConnection struct {
	id      uuid.UUID
	key     core.Key
	evalCtx core.EvaluationContext
	tags    etag.Holder
	logger  *slog.Logger
	onHit   func(result string)

	mu           sync.Mutex
	w            io.Writer
	rc           *http.ResponseController
	writeTimeout time.Duration
	initialised  bool
	held         []core.FeatureUpdate
	closed       bool
	ejections    map[uuid.UUID]func(stream.Connection)
	done         chan struct{}
}

var _ stream.Connection = (*sseConnection)(nil)

func newSSEConnection(w http.ResponseWriter, key core.Key, evalCtx core.EvaluationContext, tags etag.Holder, logger *slog.Logger) *sseConnection {
	if logger == nil {
		logger = slog.Default()
	}
	return &sseConnection{
		id:        uuid.New(),
		key:       key,
		evalCtx:   evalCtx,
		tags:      tags,
		logger:    logger,
		onHit:        func(string) {},
		w:            w,
		rc:           http.NewResponseController(w),
		writeTimeout: streamWriteTimeout,
		ejections:    map[uuid.UUID]func(stream.Connection){},
		done:         make(chan struct{}),
	}
}

func (c *sseConnection) ID() uuid.UUID { return c.id }
func (c *sseConnection) Key() core.Key { return c.key }
func (c *sseConnection) EvaluationContext() core.EvaluationContext { return c.evalCtx }
func (c *sseConnection) CachedETags() etag.Holder { return c.tags }

// Done is closed once the connection is closed from any side.
func (c *sseConnection) Done() <-chan struct{} {
	return c.done
}

func (c *sseConnection) InitialResponse(response service.Response) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if err := c.initialiseLocked(response); err != nil {
		c.mu.Unlock()
		c.logger.Debug("initial response write failed", "connection_id", c.id.String(), "error", err)
		c.Close(false)
		return
	}
	c.mu.Unlock()
}

func (c *sseConnection) initialiseLocked(response service.Response) error {
	c.onHit(strings.ToLower(string(response.Outcome)))
	if response.Outcome == service.OutcomeSuccess {
		features := response.Features
		if features == nil {
			features = []core.FeatureState{}
		}
		id := etag.Join(c.tags, []string{response.ETag})
		if err := c.writeJSONEventLocked(id, eventFeatures, features); err != nil {
			return err
		}
	}

	c.initialised = true
	held := c.held
	c.held = nil
	for _, update := range held {
		if err := c.writeUpdateLocked(update); err != nil {
			return err
		}
	}
	return nil
}

// NotifyFeature writes update, or holds it until the initial response has
// been sent. A failed write closes the connection.
func (c *sseConnection) NotifyFeature(update core.FeatureUpdate) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errConnectionClosed
	}
	if !c.initialised {
		c.held = append(c.held, update)
		c.mu.Unlock()
		return nil
	}
	err := c.writeUpdateLocked(update)
	c.mu.Unlock()
	if err != nil {
		c.Close(false)
	}
	return err
}

func (c *sseConnection) writeUpdateLocked(update core.FeatureUpdate) error {
	for _, change := range update.Changes {
		event := eventFeature
		if change.Action == core.ActionDelete || change.Feature.Retired {
			event = eventDeleteFeature
		}

		var payload any
		if event == eventDeleteFeature {
			payload = core.FeatureState{
				ID:      change.Feature.ID,
				Key:     change.Feature.Key,
				Version: change.Feature.Version,
			}
		} else {
			payload = core.TransformFeature(change.Feature, c.evalCtx)
		}

		if err := c.writeJSONEventLocked("", event, payload); err != nil {
			return err
		}
	}
	return nil
}

// Ack acknowledges the connection, telling the SDK whether it must discover
// its state afresh or may keep what it holds.
func (c *sseConnection) Ack(status string) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	err := c.writeJSONEventLocked("", eventAck, statusPayload{Status: status})
	c.mu.Unlock()
	if err != nil {
		c.Close(false)
	}
}

func (c *sseConnection) Failed(reason string) {
	c.mu.Lock()
	if !c.closed {
		c.onHit("failed")
		_ = c.writeJSONEventLocked("", eventFailure, statusPayload{Status: "failed", Reason: reason})
	}
	c.mu.Unlock()
	c.Close(false)
}

// Close ends the stream, optionally saying goodbye first, and runs every
// registered ejection handler once.
func (c *sseConnection) Close(sayBye bool) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if sayBye {
		_ = c.writeJSONEventLocked("", eventBye, statusPayload{Status: "closed"})
	}
	c.closed = true
	handlers := make([]func(stream.Connection), 0, len(c.ejections))
	for _, handler := range c.ejections {
		handlers = append(handlers, handler)
	}
	clear(c.ejections)
	c.held = nil
	close(c.done)
	c.mu.Unlock()

	for _, handler := range handlers {
		handler(c)
	}
}

func (c *sseConnection) RegisterEjection(handler func(stream.Connection)) uuid.UUID {
	id := uuid.New()
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		handler(c)
		return id
	}
	c.ejections[id] = handler
	c.mu.Unlock()
	return id
}

func (c *sseConnection) DeregisterEjection(id uuid.UUID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.ejections, id)
}

func (c *sseConnection) writeJSONEventLocked(id, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if err := c.rc.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return err
	}
	if err := writeSSEEvent(c.w, id, event, data); err != nil {
		return err
	}
	if err := c.rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return err
	}
	return nil
}
