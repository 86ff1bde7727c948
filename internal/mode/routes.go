package mode

import (
	"context"
	"log/slog"
	"sort"
	"strings"
)

// RouteResolver maps a screen path to the mode it requires. ok is false when
// the screen works in either mode.
type RouteResolver interface {
	RequiredMode(path string) (mode Mode, ok bool)
}

// Route binds a path prefix to a required mode.
type Route struct {
	Prefix string
	Mode   Mode
}

// PrefixResolver resolves by longest matching path prefix.
type PrefixResolver struct {
	routes []Route
}

// NewPrefixResolver builds a resolver. Prefixes match whole path segments:
// "/live" matches "/live" and "/live/orders" but not "/lively".
func NewPrefixResolver(routes []Route) *PrefixResolver {
	sorted := make([]Route, len(routes))
	copy(sorted, routes)
	sort.SliceStable(sorted, func(i, j int) bool {
		return len(sorted[i].Prefix) > len(sorted[j].Prefix)
	})
	return &PrefixResolver{routes: sorted}
}

// RequiredMode implements RouteResolver.
func (r *PrefixResolver) RequiredMode(path string) (Mode, bool) {
	for _, route := range r.routes {
		if matchPrefix(path, route.Prefix) {
			return route.Mode, true
		}
	}
	return "", false
}

func matchPrefix(path, prefix string) bool {
	prefix = strings.TrimSuffix(prefix, "/")
	if prefix == "" {
		return true
	}
	if !strings.HasPrefix(path, prefix) {
		return false
	}
	rest := path[len(prefix):]
	return rest == "" || rest[0] == '/' || rest[0] == '?'
}

// Navigation is the outcome of a route change.
type Navigation struct {
	Path      string
	Required  Mode // empty when the screen has no requirement
	Effective Mode
	Pending   *Pending // open confirmation, if the switch needs one
	Mismatch  bool     // screen requires a mode the session is not in
}

// RouteSync requests mode switches as the user moves between screens. It
// never confirms: a screen needing Live stays mismatched until the user
// confirms or cancels.
type RouteSync struct {
	machine  *Machine
	resolver RouteResolver
	logger   *slog.Logger
}

// NewRouteSync creates a RouteSync.
func NewRouteSync(machine *Machine, resolver RouteResolver, logger *slog.Logger) *RouteSync {
	if logger == nil {
		logger = slog.Default()
	}
	return &RouteSync{
		machine:  machine,
		resolver: resolver,
		logger:   logger,
	}
}

// Navigate reports that the user is now on path.
func (r *RouteSync) Navigate(ctx context.Context, path string) (Navigation, error) {
	nav := Navigation{Path: path}

	required, ok := r.resolver.RequiredMode(path)
	if !ok {
		nav.Effective = r.machine.Mode()
		return nav, nil
	}
	nav.Required = required

	state := r.machine.State()
	needsSwitch := state.Mode() != required ||
		(required == Paper && state == StateLivePendingConfirmation)

	var err error
	if needsSwitch {
		r.logger.Debug("route requires mode switch",
			"path", path,
			"required", required,
			"state", state,
		)
		nav.Pending, err = r.machine.RequestSwitch(ctx, required)
	}

	nav.Effective = r.machine.Mode()
	nav.Mismatch = nav.Effective != required
	if nav.Mismatch {
		r.logger.Info("screen mode mismatch", "path", path, "required", required, "effective", nav.Effective)
	}
	return nav, err
}
