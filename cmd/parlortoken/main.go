// Command parlortoken generates signing keys and mints access tokens for
// local development against a parlor server.
package main

import (
	"errors"
	"fmt"
	"os"

	"parlor/cmd/internal/tokentool"
)

func main() {
	if err := tokentool.Run(os.Args[1:], os.Stdout, nil, nil); err != nil {
		if !errors.Is(err, tokentool.ErrUsage) {
			fmt.Fprintln(os.Stderr, "parlortoken:", err)
		} else {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(2)
	}
}
