//go:build darwin

package guard

func platformInhibitor() Inhibitor {
	return CommandInhibitor{Name: "caffeinate", Args: []string{"-i"}}
}
