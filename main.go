package main

import "github.com/caracal-pipeline/stimela/cmd"

func main() {
	cmd.Execute()
}
