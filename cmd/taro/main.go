// Command taro launches, monitors, and tracks the lifecycle of arbitrary
// commands on a single host.
package main

import (
	"os"

	"github.com/tarotech/taro/internal/cli"
)

func main() {
	os.Exit(cli.Run(os.Args[1:]))
}
