package main

import "github.com/dhtscout/metadl/cmd"

func main() {
	cmd.Execute()
}
