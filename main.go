package main

import (
	"github.com/sveltereader/satmeter/cmd"
)

func main() {
	cmd.Execute()
}
