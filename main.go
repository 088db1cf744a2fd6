package main

import "github.com/quarrylabs/quarry/cmd"

func main() {
	cmd.Execute()
}
