//go:build linux

package main

import "tinygo.org/x/bluetooth"

// openAdapter selects a BlueZ adapter by name, such as "hci1".
func openAdapter(id string) *bluetooth.Adapter {
	if id == "" {
		return bluetooth.DefaultAdapter
	}
	return bluetooth.NewAdapter(id)
}
