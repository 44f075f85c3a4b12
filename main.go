package main

import "github.com/elysia-ai/elysia/cmd"

func main() {
	cmd.Execute()
}
