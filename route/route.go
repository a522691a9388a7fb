// Package route implements the route table: the registry mapping a route
// name to its handler and declared payload shapes.
//
// A table is scoped to one server instance. Registration normally completes
// before the server starts accepting connections, but the table is safe for
// concurrent registration, removal and lookup, so nothing precludes dynamic
// changes while serving.
package route

import (
	"context"
	"sort"
	"sync"

	"github.com/zakharfsk/ipcx-typed/ipcerr"
	"github.com/zakharfsk/ipcx-typed/schema"
)

// Handler executes one call. input is a pointer to the route's decoded input
// shape; the returned value must conform to the route's output shape.
type Handler func(ctx context.Context, input any) (any, error)

// Route is one named, schema-typed operation.
type Route struct {
	Name    string
	Input   *schema.Schema
	Output  *schema.Schema
	Handler Handler
}

// Table maps route names to routes. The read/write lock keeps lookups cheap
// on the hot dispatch path while still allowing concurrent registration.
type Table struct {
	mu     sync.RWMutex
	routes map[string]*Route
}

func NewTable() *Table {
	return &Table{routes: make(map[string]*Route)}
}

// Register adds a route under a unique name. A second registration with the
// same name fails here, at registration time, leaving the original intact.
func (t *Table) Register(name string, input, output *schema.Schema, handler Handler) error {
	return t.Add(&Route{Name: name, Input: input, Output: output, Handler: handler})
}

// Add registers a pre-built route, validating it first.
func (t *Table) Add(r *Route) error {
	if r.Name == "" {
		return ipcerr.New(ipcerr.KindValidation, "route name must not be empty")
	}
	if r.Input == nil || r.Output == nil {
		return ipcerr.Newf(ipcerr.KindValidation, "route %q must declare input and output schemas", r.Name)
	}
	if r.Handler == nil {
		return ipcerr.Newf(ipcerr.KindValidation, "route %q must have a handler", r.Name)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.routes[r.Name]; exists {
		return ipcerr.Newf(ipcerr.KindDuplicateRoute, "route %q is already registered", r.Name)
	}
	t.routes[r.Name] = r
	return nil
}

// Lookup resolves a route by name.
func (t *Table) Lookup(name string) (*Route, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	r, ok := t.routes[name]
	if !ok {
		return nil, ipcerr.Newf(ipcerr.KindRouteNotFound, "no route registered under %q", name)
	}
	return r, nil
}

// Remove deletes a route, reporting whether it existed.
func (t *Table) Remove(name string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.routes[name]
	delete(t.routes, name)
	return ok
}

// Names returns the registered route names in sorted order.
func (t *Table) Names() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	names := make([]string, 0, len(t.routes))
	for name := range t.routes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// New builds a route from a typed handler function, deriving both schemas
// from the type parameters:
//
//	r := route.New("add", func(ctx context.Context, in *AddArgs) (*AddReply, error) { ... })
func New[In, Out any](name string, fn func(ctx context.Context, in *In) (*Out, error)) *Route {
	return &Route{
		Name:   name,
		Input:  schema.For[In](),
		Output: schema.For[Out](),
		Handler: func(ctx context.Context, input any) (any, error) {
			return fn(ctx, input.(*In))
		},
	}
}
