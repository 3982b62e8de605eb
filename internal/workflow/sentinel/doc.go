// Package sentinel implements the completion protocol: small marker files in
// each task workdir record success, failure and in-progress state so that a
// re-run can skip work that is already valid.
package sentinel
