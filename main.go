package main

import "github.com/wooks1998/simplessd/cmd"

func main() {
	cmd.Execute()
}
