// Package adapter defines the uniform storage contract that every tenant backend
// implements, and the Registry that builds, connects and caches adapters per
// tenant and resource.
//
// # Architecture
//
//   - Adapter: the operation contract (Query, QueryOne, Insert, InsertMany, Update,
//     Upsert, Delete, Count, ExecuteRaw) implemented once per backend family
//   - Factory: constructs an unconnected Adapter from a Config
//   - Registry: maps BackendType to Factory and caches one connected Adapter per
//     (tenant, resource) key
//   - TenantConfigProvider: resolves a tenant's backend type and connection parameters
//
// # Usage
//
// Register the backends the process supports, then resolve adapters per request:
//
//	reg := adapter.NewRegistry(tenants, log)
//	reg.RegisterFactory(adapter.PostgreSQL, postgres.NewAdapter)
//	reg.RegisterFactory(adapter.REST, rest.NewAdapter)
//
//	a, err := reg.GetAdapter(ctx, "tenant-a", "leads", "")
//	if err != nil {
//	    return err
//	}
//	rows, err := a.Query(ctx, "leads", adapter.QueryParams{Limit: 20})
//
// Requests that carry a per-call credential get a fresh adapter that is never
// cached; the caller owns it and must Disconnect it.
//
// On shutdown call DisconnectAll.
//
// # Error Handling
//
// Adapters return sentinel errors (ErrNotConnected, ErrPermissionDenied, ...) wrapped
// in typed errors (DatabaseError, ConnectionError, ConfigurationError). Use errors.Is
// and errors.As to inspect them:
//
//	if adapter.IsConfigurationError(err) {
//	    // not retryable
//	}
package adapter
