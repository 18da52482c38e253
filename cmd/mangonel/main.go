package main

import (
	"mangonel/internal/cli"
)

func main() {
	cli.Execute()
}
