// Command whalgebra-node is the controller: it starts an execution unit and
// evaluates calculator commands read from stdin.
package main

import "os"

func main() {
	os.Exit(run(ParseFlags(os.Args[1:])))
}
