// Package functions hosts the pipeline's triggers: HTTP routes, the stream
// trigger and the change-feed processor. Bindings are declared in a Registry
// at startup.
package functions

import (
	"context"
	"fmt"
	"net/http"
	"sort"

	"github.com/gorilla/mux"

	"github.com/yairfalse/eventpipe/pkg/domain"
)

// TriggerKind names the source that invokes a handler.
type TriggerKind string

const (
	TriggerHTTP       TriggerKind = "http"
	TriggerStream     TriggerKind = "stream"
	TriggerChangeFeed TriggerKind = "changefeed"
)

// StreamHandlerFunc handles one batch of stream events.
type StreamHandlerFunc func(ctx context.Context, events []domain.StreamEvent) error

// ChangeFeedHandlerFunc handles one batch of changed documents.
type ChangeFeedHandlerFunc func(ctx context.Context, docs []domain.Document) error

// Binding describes one registered handler.
type Binding struct {
	Kind    TriggerKind
	Name    string
	Methods []string
}

type route struct {
	path    string
	methods []string
	handler http.HandlerFunc
}

// Registry is the table of trigger bindings.
type Registry struct {
	routes     []route
	paths      map[string]bool
	stream     map[string]StreamHandlerFunc
	changeFeed map[string]ChangeFeedHandlerFunc
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		paths:      make(map[string]bool),
		stream:     make(map[string]StreamHandlerFunc),
		changeFeed: make(map[string]ChangeFeedHandlerFunc),
	}
}

// HTTP binds handler to path for the given methods.
func (r *Registry) HTTP(path string, handler http.HandlerFunc, methods ...string) error {
	if handler == nil {
		return fmt.Errorf("http handler for %s cannot be nil", path)
	}
	if r.paths[path] {
		return fmt.Errorf("http route %s already registered", path)
	}
	r.paths[path] = true
	r.routes = append(r.routes, route{path: path, methods: methods, handler: handler})
	return nil
}

// Stream binds a stream trigger under name.
func (r *Registry) Stream(name string, handler StreamHandlerFunc) error {
	if handler == nil {
		return fmt.Errorf("stream handler %s cannot be nil", name)
	}
	if _, ok := r.stream[name]; ok {
		return fmt.Errorf("stream trigger %s already registered", name)
	}
	r.stream[name] = handler
	return nil
}

// ChangeFeed binds a change-feed processor under name.
func (r *Registry) ChangeFeed(name string, handler ChangeFeedHandlerFunc) error {
	if handler == nil {
		return fmt.Errorf("change feed handler %s cannot be nil", name)
	}
	if _, ok := r.changeFeed[name]; ok {
		return fmt.Errorf("change feed processor %s already registered", name)
	}
	r.changeFeed[name] = handler
	return nil
}

// StreamHandler returns the stream trigger bound under name.
func (r *Registry) StreamHandler(name string) (StreamHandlerFunc, bool) {
	h, ok := r.stream[name]
	return h, ok
}

// ChangeFeedHandler returns the change-feed processor bound under name.
func (r *Registry) ChangeFeedHandler(name string) (ChangeFeedHandlerFunc, bool) {
	h, ok := r.changeFeed[name]
	return h, ok
}

// Router builds a router serving every HTTP binding.
func (r *Registry) Router() *mux.Router {
	router := mux.NewRouter()
	for _, rt := range r.routes {
		h := router.HandleFunc(rt.path, rt.handler)
		if len(rt.methods) > 0 {
			h.Methods(rt.methods...)
		}
	}
	return router
}

// Bindings lists every registered handler, sorted by kind and name.
func (r *Registry) Bindings() []Binding {
	var out []Binding
	for _, rt := range r.routes {
		out = append(out, Binding{Kind: TriggerHTTP, Name: rt.path, Methods: rt.methods})
	}
	for name := range r.stream {
		out = append(out, Binding{Kind: TriggerStream, Name: name})
	}
	for name := range r.changeFeed {
		out = append(out, Binding{Kind: TriggerChangeFeed, Name: name})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Kind != out[j].Kind {
			return out[i].Kind < out[j].Kind
		}
		return out[i].Name < out[j].Name
	})
	return out
}
