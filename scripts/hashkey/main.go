// hashkey produces the Argon2id hash of an API key for KIROKU_API_KEY_HASH.
//
// Usage (run from the repo root):
//
//	go run scripts/hashkey/main.go <api-key>
//
// Prints the hash to stdout. Put it in .env as KIROKU_API_KEY_HASH and hand
// the plaintext key to agents; the server never stores the plaintext.
package main

import (
	"fmt"
	"os"

	"github.com/ashita-ai/kiroku/internal/auth"
)

func main() {
	if len(os.Args) != 2 || os.Args[1] == "" {
		fmt.Fprintln(os.Stderr, "usage: hashkey <api-key>")
		os.Exit(2)
	}

	hash, err := auth.HashAPIKey(os.Args[1])
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: hash key: %v\n", err)
		os.Exit(1)
	}

	fmt.Println(hash)
}
