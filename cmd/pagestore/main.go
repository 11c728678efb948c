package main

import "github.com/aweris/pagestore/cmd/pagestore/cmd"

func main() {
	cmd.Execute()
}
