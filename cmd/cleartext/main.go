package main

import "github.com/23skdu/longbow-cleartext/cmd/cleartext/cmd"

func main() {
	cmd.Execute()
}
