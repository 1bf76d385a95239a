package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
)

// Route is one method and path bound to a handler.
type Route struct {
	Name    string
	Method  string
	Path    string
	Handler http.Handler
}

// RouteSet is a group of domain routes mounted together.
type RouteSet interface {
	Routes() []Route
}

// Routes adapts a plain slice to RouteSet.
type Routes []Route

func (r Routes) Routes() []Route { return r }

// Mount registers every route of every set on router at the root prefix,
// paths unchanged. It fails before registering anything when a route is
// invalid or a method and path pair appears twice.
func Mount(router *mux.Router, sets ...RouteSet) error {
	if router == nil {
		return errors.New("mount: router is nil")
	}

	var routes []Route
	seen := make(map[string]string)
	for _, set := range sets {
		if set == nil {
			continue
		}
		for _, route := range set.Routes() {
			method := strings.ToUpper(strings.TrimSpace(route.Method))
			switch {
			case method == "":
				return fmt.Errorf("mount: route %q has no method", route.Path)
			case !strings.HasPrefix(route.Path, "/"):
				return fmt.Errorf("mount: path %q must start with /", route.Path)
			case route.Handler == nil:
				return fmt.Errorf("mount: %s %s has no handler", method, route.Path)
			}

			key := method + " " + route.Path
			if prev, dup := seen[key]; dup {
				return fmt.Errorf("mount: duplicate route %s (%q and %q)", key, prev, route.Name)
			}
			seen[key] = route.Name
			route.Method = method
			routes = append(routes, route)
		}
	}

	for _, route := range routes {
		r := router.Handle(route.Path, route.Handler).Methods(route.Method)
		if route.Name != "" {
			r.Name(route.Name)
		}
	}
	return nil
}
