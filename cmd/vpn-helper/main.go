// vpn-helper is the privileged half of vpn-client. It owns the engine
// process and the firewall table and serves unprivileged clients over a
// local socket.
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
