package coap

import (
	"context"
	"strings"
	"sync"

	"github.com/backkem/coap/pkg/message"
	"github.com/backkem/coap/pkg/observe"
)

// Resource renders responses to requests.
//
// Render runs on its own goroutine and may block. It returns the response
// with at least a code set; token, type, message ID and remote are filled
// in by the context. Returning NoResponse suppresses the response, and an
// *Error is answered with its code.
type Resource interface {
	Render(ctx context.Context, req *message.Message) (*message.Message, error)

	// NeedsBlockwiseAssembly reports whether Block1 uploads to req are put
	// together before Render is called. Resources returning false see
	// every block as a separate request.
	NeedsBlockwiseAssembly(req *message.Message) bool
}

// ObservableResource is a Resource that accepts observations.
//
// AddObservation runs on the context loop and must not block. The
// resource calls h.Accept to take the observation; a handle that is not
// accepted before AddObservation returns is discarded and the response
// carries no Observe option.
type ObservableResource interface {
	Resource
	AddObservation(req *message.Message, h *observe.Handle)
}

// RenderFunc adapts a function to the Resource interface. Uploads are
// always assembled.
type RenderFunc func(ctx context.Context, req *message.Message) (*message.Message, error)

// Render implements Resource.
func (f RenderFunc) Render(ctx context.Context, req *message.Message) (*message.Message, error) {
	return f(ctx, req)
}

// NeedsBlockwiseAssembly implements Resource.
func (f RenderFunc) NeedsBlockwiseAssembly(req *message.Message) bool {
	return true
}

// Site routes requests to resources by their exact Uri-Path.
type Site struct {
	mu        sync.RWMutex
	resources map[string]Resource
}

// NewSite creates an empty site.
func NewSite() *Site {
	return &Site{resources: make(map[string]Resource)}
}

// Add serves r at path, replacing what was there.
func (s *Site) Add(path string, r Resource) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resources[normalizePath(path)] = r
}

// Remove stops serving path.
func (s *Site) Remove(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.resources, normalizePath(path))
}

// Paths returns the served paths.
func (s *Site) Paths() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	paths := make([]string, 0, len(s.resources))
	for p := range s.resources {
		paths = append(paths, p)
	}
	return paths
}

func (s *Site) lookup(req *message.Message) Resource {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.resources[req.Options.Path()]
}

// Render implements Resource. Unknown paths are answered 4.04.
func (s *Site) Render(ctx context.Context, req *message.Message) (*message.Message, error) {
	r := s.lookup(req)
	if r == nil {
		return nil, NewError(message.NotFound, "")
	}
	return r.Render(ctx, req)
}

// NeedsBlockwiseAssembly implements Resource.
func (s *Site) NeedsBlockwiseAssembly(req *message.Message) bool {
	r := s.lookup(req)
	if r == nil {
		return true
	}
	return r.NeedsBlockwiseAssembly(req)
}

// AddObservation implements ObservableResource by handing the observation
// to the resource at the request path, if it is observable.
func (s *Site) AddObservation(req *message.Message, h *observe.Handle) {
	if r, ok := s.lookup(req).(ObservableResource); ok {
		r.AddObservation(req, h)
	}
}

func normalizePath(path string) string {
	return "/" + strings.Trim(path, "/")
}

// Observers keeps the accepted observations of one resource and triggers
// them together. Embed it to make a resource observable.
type Observers struct {
	mu      sync.Mutex
	handles map[*observe.Handle]struct{}
}

// AddObservation implements ObservableResource.
func (o *Observers) AddObservation(req *message.Message, h *observe.Handle) {
	o.mu.Lock()
	if o.handles == nil {
		o.handles = make(map[*observe.Handle]struct{})
	}
	o.handles[h] = struct{}{}
	o.mu.Unlock()

	h.Accept(func() {
		o.mu.Lock()
		delete(o.handles, h)
		o.mu.Unlock()
	})
}

// Trigger asks for a notification to every observer. Safe to call from
// any goroutine.
func (o *Observers) Trigger() {
	for _, h := range o.snapshot() {
		h.Trigger()
	}
}

// End ends every observation.
func (o *Observers) End() {
	for _, h := range o.snapshot() {
		h.End()
	}
}

// Count returns the number of active observations.
func (o *Observers) Count() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.handles)
}

func (o *Observers) snapshot() []*observe.Handle {
	o.mu.Lock()
	defer o.mu.Unlock()
	handles := make([]*observe.Handle, 0, len(o.handles))
	for h := range o.handles {
		handles = append(handles, h)
	}
	return handles
}
