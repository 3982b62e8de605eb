// Package scheduler drives a task set to completion under a fixed CPU and
// memory budget. A single control loop ticks at a fixed interval: it
// propagates failures to dependents, admits pending tasks greedily in
// declaration order and polls running processes without blocking. It can
// also describe the remaining work for an external cluster scheduler
// instead of running it.
package scheduler
