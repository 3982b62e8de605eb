//go:build !linux && !darwin

package config

import "errors"

func hostMemBytes() (uint64, error) {
	return 0, errors.New("config: memory detection unsupported on this platform")
}
