package main

import "github.com/jmcleod/regate/cmd/regate/cmd"

func main() {
	cmd.Execute()
}
