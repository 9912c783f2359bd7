package main

import "github.com/dropwire/dropwire/cmd"

func main() {
	cmd.Execute()
}
