// Command creditctl is the operator CLI for the credit ledger. It talks to
// the database directly using the same configuration as the server.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/tbourn/go-credit-backend/internal/sysutil"
)

func main() {
	ctx, stop := sysutil.SignalContext(context.Background())
	defer stop()

	if err := newRootCmd(openFromEnv).ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", exitMessage(err))
		stop()
		os.Exit(1)
	}
}
