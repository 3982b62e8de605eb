// Package engine ties the pipeline loader, graph builder, completion
// protocol, script renderer and scheduler together. It turns a pipeline or
// job-list file into a plan, skips work that is already complete, and either
// executes the rest under the local resource budget or describes it for an
// external batch scheduler.
package engine
