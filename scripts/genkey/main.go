// genkey generates the credentials a Shinrai deployment needs before first
// launch: an Ed25519 key pair for JWT session signing and, optionally, a
// bootstrap operator key.
//
// Usage (run from the repo root):
//
//	go run scripts/genkey/main.go [-dir data] [-operator]
//
// Writes:
//
//	<dir>/jwt_private.pem  (mode 0600, keep this secret)
//	<dir>/jwt_public.pem   (mode 0600)
//
// Point SHINRAI_JWT_PRIVATE_KEY and SHINRAI_JWT_PUBLIC_KEY at them. The
// server auto-generates ephemeral keys when SHINRAI_JWT_PRIVATE_KEY is
// unset, but those are discarded on every restart, invalidating all existing
// tokens and SDK sessions. Persistent keys prevent that.
//
// With -operator it also prints a fresh operator key for
// SHINRAI_OPERATOR_API_KEY. The key is shown once and stored only as an
// argon2 hash after the server seeds it.
package main

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/shinrai-ai/shinrai/internal/auth"
)

func main() {
	dir := flag.String("dir", "data", "directory for the PEM files")
	operator := flag.Bool("operator", false, "also generate a bootstrap operator key")
	flag.Parse()

	privPath := filepath.Join(*dir, "jwt_private.pem")
	pubPath := filepath.Join(*dir, "jwt_public.pem")

	if err := os.MkdirAll(*dir, 0700); err != nil {
		fatalf("cannot create %s: %v", *dir, err)
	}

	// Refuse to overwrite existing keys, which would invalidate live tokens.
	for _, path := range []string{privPath, pubPath} {
		if _, err := os.Stat(path); err == nil {
			fatalf("%s already exists; delete it first if you want to rotate keys", path)
		}
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		fatalf("generate key: %v", err)
	}

	privDER, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		fatalf("marshal private key: %v", err)
	}
	writePEM(privPath, "PRIVATE KEY", privDER)

	pubDER, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		fatalf("marshal public key: %v", err)
	}
	writePEM(pubPath, "PUBLIC KEY", pubDER)

	fmt.Println("Keys are ready. Set SHINRAI_JWT_PRIVATE_KEY and SHINRAI_JWT_PUBLIC_KEY to use them.")

	if *operator {
		key, prefix, err := auth.GenerateOperatorKey()
		if err != nil {
			fatalf("generate operator key: %v", err)
		}
		fmt.Printf("\nOperator key (prefix %s), shown once:\n\n    %s\n\n", prefix, key)
		fmt.Println("Set SHINRAI_OPERATOR_API_KEY to it before first launch; the server stores only its hash.")
	}
}

func writePEM(path, blockType string, der []byte) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		fatalf("create %s: %v", path, err)
	}
	defer f.Close()
	if err := pem.Encode(f, &pem.Block{Type: blockType, Bytes: der}); err != nil {
		fatalf("write %s: %v", path, err)
	}
	fmt.Printf("wrote %s\n", path)
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "error: "+format+"\n", args...)
	os.Exit(1)
}
