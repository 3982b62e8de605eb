// Package workflow loads declarative pipelines (YAML or HCL) and expands
// their task templates, one instance per replicate, into a graph builder.
// Every string field is a text/template rendered against the pipeline
// params; commands are rendered last so they can refer to resolved input
// and output paths.
package workflow
