// The main package for the chatfeed executable.
package main

import (
	"github.com/meridian-data/chatfeed/cmd"
)

func main() {
	cmd.Execute()
}
