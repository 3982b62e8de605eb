package config

import "runtime"

// memMarginGB is held back from the detected host memory.
const memMarginGB = 0.1

// HostCPUs returns the number of logical CPUs.
func HostCPUs() int {
	return runtime.NumCPU()
}

// HostMemGB returns total host memory in GiB minus a safety margin, floored
// and never below 1.
func HostMemGB() int {
	total, err := hostMemBytes()
	if err != nil || total == 0 {
		return 1
	}
	gb := float64(total)/(1<<30) - memMarginGB
	if gb < 1 {
		return 1
	}
	return int(gb)
}
