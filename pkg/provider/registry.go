package provider

import (
	"github.com/stratusiac/stratus/pkg/engine"
)

// builtinKinds lists the resource kinds the local backend simulates, with
// the attributes that force replacement when changed.
var builtinKinds = map[string][]string{
	"network":                 {"cidr", "region"},
	"subnet":                  {"cidr", "network", "zone"},
	"gateway":                 {"network"},
	"load-balancer":           {"network", "scheme"},
	"listener":                {"load_balancer", "port", "protocol"},
	"cluster":                 {"network", "region"},
	"node-group":              {"cluster", "instance_type"},
	"database":                {"engine", "network"},
	"cache-replication-group": {"engine", "network"},
	"bucket":                  {"name", "region"},
	"certificate":             {"domain"},
	"dns-zone":                {"domain"},
	"dns-record":              {"zone", "name", "type"},
	"oidc-provider":           {"issuer_url"},
	"iam-role":                {"name"},
	"policy":                  {"name"},
	"helm-release":            {"cluster", "chart"},
	"queue":                   {"name"},
	"alarm":                   {"metric"},
}

// DefaultRegistry returns a registry with the built-in in-memory
// providers registered for every simulated kind.
func DefaultRegistry() *engine.Registry {
	registry := engine.NewRegistry()
	for kind, immutable := range builtinKinds {
		registry.Register(NewMemory(kind, immutable...))
	}
	return registry
}
