package main

import "github.com/entitleio/beam/cmd"

func main() {
	cmd.Execute()
}
