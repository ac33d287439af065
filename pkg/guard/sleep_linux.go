//go:build linux

package guard

func platformInhibitor() Inhibitor {
	return CommandInhibitor{
		Name: "systemd-inhibit",
		Args: []string{"--what=sleep:idle", "--who=hotspot-imager", "--why=Building hotspot image", "--mode=block", "cat"},
	}
}
