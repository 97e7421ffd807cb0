package main

import "github.com/CosmoTheDev/ctrlscan-orchestrator/cmd"

func main() {
	cmd.Execute()
}
