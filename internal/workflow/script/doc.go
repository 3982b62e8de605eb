// Package script renders the per-task execution script. All shell quoting
// happens here.
package script
