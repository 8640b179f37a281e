package main

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"

	"github.com/tjfontaine/autonomic-gateway/internal/auth"
)

func main() {
	var adminKey string
	switch len(os.Args) {
	case 1:
		buf := make([]byte, 24)
		if _, err := rand.Read(buf); err != nil {
			fmt.Fprintf(os.Stderr, "failed to generate key: %v\n", err)
			os.Exit(1)
		}
		adminKey = "ak-" + hex.EncodeToString(buf)
	case 2:
		adminKey = os.Args[1]
	default:
		fmt.Println("Usage: go run cmd/keygen/main.go [admin-key]")
		fmt.Println("Generates a SHA-256 hash of the admin key for use in config.yaml.")
		fmt.Println("A random key is generated when none is given.")
		os.Exit(1)
	}

	keyHash := auth.HashAPIKey(adminKey)

	fmt.Printf("Admin Key: %s\n", adminKey)
	fmt.Printf("SHA-256 Hash: %s\n", keyHash)
	fmt.Println("\nAdd this to your config.yaml:")
	fmt.Printf("  admin:\n")
	fmt.Printf("    key_hash: \"%s\"\n", keyHash)
	fmt.Println("\nor set it in the environment:")
	fmt.Printf("  AUTONOMIC_ADMIN__KEY_HASH=%s\n", keyHash)
}
