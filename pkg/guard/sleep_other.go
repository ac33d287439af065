//go:build !linux && !darwin && !windows

package guard

func platformInhibitor() Inhibitor {
	return nil
}
