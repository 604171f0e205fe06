package main

import (
	"github.com/vinlin24/tacobot-public/cmd"
)

func main() {
	cmd.Execute()
}
