package main

import "github.com/example/courtkeeper/cmd"

func main() {
	cmd.Execute()
}
