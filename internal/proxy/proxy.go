// Package proxy programs the shared reverse proxy that fronts every tenant's
// in-VM gateway. Two backends exist: caddy driven over its admin API (the
// default) and nginx driven through a generated site config.
package proxy

// Route is one host → upstream mapping.
type Route struct {
	Name         string
	Host         string
	UpstreamPort int
}

// Driver is the surface the lifecycle engine programs routes through.
// Implementations must make RemoveRoute idempotent and AddRoute safe to
// re-run with identical arguments.
type Driver interface {
	AddRoute(name, host string, upstreamPort int) error
	RemoveRoute(name string) error
	ListRoutes() ([]Route, error)
	HasRoute(name string) (bool, error)
	WriteBaseConfig() error
}
