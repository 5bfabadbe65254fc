package main

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"flag"
	"fmt"
	"os"
	"time"
)

// b64u is base64url no padding
func b64u(b []byte) string {
	return base64.RawURLEncoding.EncodeToString(b)
}

func must(err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}
}

// tokengen produces a local dev keypair for fleetadmin: a PEM public-key file
// to point FLEETADMIN_AUTH_KEYS_FILE at, and a signed bearer token carrying
// the write scope.
func main() {
	scope := flag.String("scope", "fleetadmin.write", "scope claim for the token")
	keysOut := flag.String("keys-out", "devops/certs/fleetadmin_keys.pem", "public key PEM output path")
	tokenOut := flag.String("token-out", "devops/certs/dev_token.txt", "token output path")
	expSecs := flag.Int("exp-secs", 3600, "token expiry in seconds")
	flag.Parse()

	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	must(err)

	pubASN1, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	must(err)
	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubASN1})

	must(os.MkdirAll(dirOf(*keysOut), 0o755))
	must(os.WriteFile(*keysOut, pemBytes, 0o644))
	fmt.Printf("wrote public key -> %s\n", *keysOut)

	// Build JWT header + payload and sign with RS256
	header := map[string]interface{}{"alg": "RS256", "typ": "JWT"}
	now := time.Now().Unix()
	payload := map[string]interface{}{
		"iss":   "fleetadmin-tokengen",
		"sub":   "dev-user",
		"exp":   now + int64(*expSecs),
		"iat":   now,
		"scope": *scope,
	}

	hb, err := json.Marshal(header)
	must(err)
	pb, err := json.Marshal(payload)
	must(err)

	signingInput := b64u(hb) + "." + b64u(pb)
	hashed := sha256.Sum256([]byte(signingInput))

	sig, err := rsa.SignPKCS1v15(rand.Reader, priv, crypto.SHA256, hashed[:])
	must(err)

	token := signingInput + "." + b64u(sig)

	must(os.MkdirAll(dirOf(*tokenOut), 0o755))
	must(os.WriteFile(*tokenOut, []byte(token+"\n"), 0o600))
	fmt.Printf("wrote token -> %s\n", *tokenOut)
}

// dirOf returns the directory part of a path (or "." if none)
func dirOf(p string) string {
	for i := len(p) - 1; i >= 0; i-- {
		if p[i] == '/' {
			if i == 0 {
				return "/"
			}
			return p[:i]
		}
	}
	return "."
}
