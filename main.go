package main

import (
	"github.com/reportbridge/reportd/cmd"
)

func main() {
	cmd.Execute()
}
