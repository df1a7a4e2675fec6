// Package gatewaytest provides a scripted in-memory gateway for tests.
package gatewaytest

import (
	"context"
	"fmt"
	"sync"

	"github.com/ashita-ai/kenkyu/internal/gateway"
	"github.com/ashita-ai/kenkyu/internal/model"
)

// Script controls how one interaction behaves.
type Script struct {
	// Polls is how many GetInteraction calls report running before the
	// terminal status is returned.
	Polls int
	// Status is the terminal status. Zero means completed.
	Status model.InteractionStatus
	Text   string
	Error  string
}

// Operation names accepted by FailNext.
const (
	OpCreate   = "create"
	OpGet      = "get"
	OpCancel   = "cancel"
	OpGenerate = "generate"
)

type interaction struct {
	req    gateway.CreateRequest
	script Script
	polls  int
	status model.InteractionStatus
}

// Fake implements gateway.Client.
type Fake struct {
	// Responder picks a script for each submission. Nil completes on the
	// first poll with empty text.
	Responder func(req gateway.CreateRequest) Script
	// GenerateFunc answers Generate. Nil returns an empty string.
	GenerateFunc func(model, prompt string) (string, error)

	mu            sync.Mutex
	seq           int
	interactions  map[string]*interaction
	failures      map[string][]error
	created       []gateway.CreateRequest
	cancelled     []string
	deletedStores []string
	gets          int
}

var _ gateway.Client = (*Fake)(nil)

// New creates a fake with the given responder.
func New(responder func(req gateway.CreateRequest) Script) *Fake {
	return &Fake{
		Responder:    responder,
		interactions: make(map[string]*interaction),
		failures:     make(map[string][]error),
	}
}

// FailNext queues err to be returned by the next call of op.
func (f *Fake) FailNext(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[op] = append(f.failures[op], err)
}

func (f *Fake) popFailure(op string) error {
	q := f.failures[op]
	if len(q) == 0 {
		return nil
	}
	f.failures[op] = q[1:]
	return q[0]
}

// CreateInteraction implements gateway.Client.
func (f *Fake) CreateInteraction(_ context.Context, req gateway.CreateRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.popFailure(OpCreate); err != nil {
		return "", err
	}
	f.seq++
	id := fmt.Sprintf("ia-%d", f.seq)
	var s Script
	if f.Responder != nil {
		s = f.Responder(req)
	}
	if s.Status == "" {
		s.Status = model.InteractionCompleted
	}
	f.interactions[id] = &interaction{req: req, script: s, status: model.InteractionRunning}
	f.created = append(f.created, req)
	return id, nil
}

// GetInteraction implements gateway.Client.
func (f *Fake) GetInteraction(_ context.Context, id string) (gateway.Interaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gets++
	if err := f.popFailure(OpGet); err != nil {
		return gateway.Interaction{}, err
	}
	ia, ok := f.interactions[id]
	if !ok {
		return gateway.Interaction{}, fmt.Errorf("gatewaytest: unknown interaction %s", id)
	}
	if ia.status == model.InteractionRunning {
		if ia.polls < ia.script.Polls {
			ia.polls++
			return gateway.Interaction{ID: id, Status: model.InteractionRunning}, nil
		}
		ia.status = ia.script.Status
	}
	out := gateway.Interaction{ID: id, Status: ia.status, Error: ia.script.Error}
	if ia.status == model.InteractionCompleted {
		out.Outputs = []gateway.Output{{Type: "text", Text: ia.script.Text}}
	}
	return out, nil
}

// CancelInteraction implements gateway.Client.
func (f *Fake) CancelInteraction(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.popFailure(OpCancel); err != nil {
		return err
	}
	f.cancelled = append(f.cancelled, id)
	if ia, ok := f.interactions[id]; ok && ia.status == model.InteractionRunning {
		ia.status = model.InteractionCancelled
	}
	return nil
}

// DeleteTransientStore implements gateway.Client.
func (f *Fake) DeleteTransientStore(_ context.Context, storeID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletedStores = append(f.deletedStores, storeID)
	return nil
}

// Generate implements gateway.Client.
func (f *Fake) Generate(_ context.Context, model, prompt string) (string, error) {
	f.mu.Lock()
	err := f.popFailure(OpGenerate)
	fn := f.GenerateFunc
	f.mu.Unlock()
	if err != nil {
		return "", err
	}
	if fn == nil {
		return "", nil
	}
	return fn(model, prompt)
}

// Created returns every submission in order.
func (f *Fake) Created() []gateway.CreateRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]gateway.CreateRequest(nil), f.created...)
}

// Cancelled returns the ids passed to CancelInteraction.
func (f *Fake) Cancelled() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.cancelled...)
}

// DeletedStores returns the ids passed to DeleteTransientStore.
func (f *Fake) DeletedStores() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.deletedStores...)
}

// Gets returns how many GetInteraction calls were made.
func (f *Fake) Gets() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.gets
}
