// Command remoteman-line is an exec handler that keeps a single line present in,
// or absent from, a text file. Install it into the handler directory as "line":
//
//	jobs:
//	  ssh-banner:
//	    component: line
//	    path: /etc/ssh/sshd_config
//	    line: Banner /etc/issue.net
//	    regexp: ^#?Banner\s
//
// It reads one APPLY request on stdin and answers with DONE or ERROR on stdout.
package main

import (
	"fmt"
	"os"

	"github.com/remoteman/remoteman/pkg/protocol"
)

func main() {
	if err := protocol.Serve(os.Stdin, os.Stdout, apply); err != nil {
		fmt.Fprintf(os.Stderr, "remoteman-line: %v\n", err)
		os.Exit(1)
	}
}
