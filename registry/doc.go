// Package registry holds the catalog of agent definitions and resolves the
// ordered agent list for a task.
//
// Selection prefers a ranked hint (typically the predictive engine's agent
// ranking) filtered by required capabilities, and falls back to a
// deterministic per-task-type default mapping:
//
//	reg := registry.New()
//	agents, err := reg.Select("security_scan", nil, prediction.AgentIDs())
//
// Catalogs can be loaded from YAML and reloaded on change with WatchCatalog.
package registry
