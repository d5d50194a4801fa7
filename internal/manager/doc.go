// Package manager supervises the lifecycle of model backends. It is
// structured into small files by concern:
//
//   - manager.go: Supervisor type, constructor, registry reads and Register/Forget.
//   - config.go: Config, collaborator interfaces and package defaults.
//   - types.go: Phase, ModelSpec and the internal record.
//   - errors.go: error types and predicates used by the HTTP layer.
//   - ensure.go: Start/StartAsync and the download -> launch -> probe sequence.
//   - unload.go: Stop, Shutdown and process teardown.
//   - watch.go: per-process exit watcher.
//   - usage.go: periodic resource-usage polling and Refresh.
//   - status_report.go: projection of records onto types.ModelStatus.
//   - events.go, eventpub_memory.go: lifecycle event publishing.
//   - metrics.go: Prometheus collectors.
//
// The Supervisor is the only writer of the registry. Each record has an op
// slot that serializes its start and stop sequences, so different models
// progress fully in parallel. The backing process and its port/slot lease are
// owned by exactly one actor at a time; whoever takes them out of the record
// under the registry lock is responsible for tearing them down.
package manager
