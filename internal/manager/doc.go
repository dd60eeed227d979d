// Package manager is the composition root. It owns one instance each of the
// engine registry, resource monitor, crash reporter and request router, and
// exposes the caller surface. It is structured into small files by concern:
//
//   - config.go: Config and the mapping from the service configuration.
//   - manager.go: Manager construction, dispatch and shutdown.
//   - status.go: engine listings and model statistics.
//
// There are no package-level singletons: every collaborator is reached
// through the Manager that built it.
package manager
