// Package graph turns task declarations into a dependency DAG. Edges come
// from input references to other tasks' outputs, from literal input paths
// that match a declared output, and from explicit dependencies. Building
// fails on duplicate ids, cycles and missing external inputs.
package graph
