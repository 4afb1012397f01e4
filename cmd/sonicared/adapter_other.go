//go:build !linux

package main

import "tinygo.org/x/bluetooth"

// openAdapter returns the system adapter; only BlueZ supports selecting one.
func openAdapter(string) *bluetooth.Adapter {
	return bluetooth.DefaultAdapter
}
