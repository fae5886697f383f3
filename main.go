package main

import "github.com/KKKKjl/pushkit/cmd"

func main() {
	cmd.Execute()
}
