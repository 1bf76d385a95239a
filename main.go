// Package main is the entry point for the ride service.
package main

import "ride/cmd"

func main() {
	cmd.Main()
}
