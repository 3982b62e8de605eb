// Package task holds the data model shared by the graph builder and the
// scheduler: task identity, resource request, dependency set and the status
// lifecycle pending -> running -> {done, error}, pending -> unsatisfiable.
package task
