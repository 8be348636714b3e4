// The main package for the iiif-harvest executable.
package main

import (
	"github.com/openglam/iiif-harvest/cmd"
)

func main() {
	cmd.Execute()
}
