package main

import "github.com/astromechza/canvas-sync/cmd/canvasctl/cmd"

func main() {
	cmd.Execute()
}
