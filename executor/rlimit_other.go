//go:build !linux

package executor

// applyLimits is a no-op off Linux; only the wall-clock timeout
// constrains the worker there.
func applyLimits(pid int, l Limits) error {
	return nil
}
