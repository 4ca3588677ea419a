// vpn-client supervises an OpenVPN session from an unprivileged user
// account. Privileged work goes through vpn-helper unless the client itself
// runs as root.
package main

import (
	"context"
	"fmt"
	"os"
)

func main() {
	if err := newRootCommand().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
