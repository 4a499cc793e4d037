package main

import "github.com/holmes89/harbor-seal/cmd"

func main() {
	cmd.Execute()
}
