package main

import (
	"context"
	"fmt"
	"os"

	"github.com/meidoworks/nekoq-notifyrelay/notify/relaycmd"
)

func main() {
	if err := relaycmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
