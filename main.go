package main

import "github.com/nextlevelbuilder/memoclaw/cmd"

func main() {
	cmd.Execute()
}
