// Command vanity-onion brute-forces Tor v3 onion addresses with a chosen
// prefix. It is an offline tool, independent of the gateway.
//
// A v3 address is base32(pubkey || checksum || version) where checksum is
// the first two bytes of SHA3-256(".onion checksum" || pubkey || version)
// and version is 0x03.
package main

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha512"
	"encoding/base32"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/crypto/sha3"
)

const (
	onionVersion   = 0x03
	checksumPrefix = ".onion checksum"
)

var b32 = base32.StdEncoding.WithPadding(base32.NoPadding)

func main() {
	prefix := flag.String("prefix", "", "prefix to search for (base32 chars only: a-z, 2-7)")
	threads := flag.Int("threads", 0, "worker count (0 = all cores)")
	count := flag.Int("count", 1, "stop after finding this many addresses")
	maxAttempts := flag.Uint64("max-attempts", 0, "give up after this many attempts (0 = unlimited)")
	timeout := flag.Int("timeout", 0, "give up after this many seconds (0 = unlimited)")
	output := flag.String("output", "", "directory to write key files into")
	flag.Parse()

	p := strings.ToLower(*prefix)
	if p == "" {
		fmt.Fprintln(os.Stderr, "error: --prefix is required")
		os.Exit(1)
	}
	for _, c := range p {
		if (c < 'a' || c > 'z') && (c < '2' || c > '7') {
			fmt.Fprintln(os.Stderr, "error: prefix must contain only base32 characters (a-z, 2-7)")
			os.Exit(1)
		}
	}

	workers := *threads
	if workers <= 0 {
		workers = runtime.NumCPU()
	}

	difficulty := uint64(1)
	for range p {
		difficulty *= 32
	}
	fmt.Printf("prefix: %s\ndifficulty: 1 in %d\nthreads: %d\n\n", p, difficulty, workers)

	var (
		attempts atomic.Uint64
		found    atomic.Int64
		done     = make(chan struct{})
		once     sync.Once
		wg       sync.WaitGroup
	)

	deadline := time.Time{}
	if *timeout > 0 {
		deadline = time.Now().Add(time.Duration(*timeout) * time.Second)
	}

	start := time.Now()
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-done:
					return
				default:
				}

				n := attempts.Add(1)
				if *maxAttempts > 0 && n > *maxAttempts {
					once.Do(func() { close(done) })
					return
				}
				if !deadline.IsZero() && n%4096 == 0 && time.Now().After(deadline) {
					once.Do(func() { close(done) })
					return
				}

				pub, priv, err := ed25519.GenerateKey(rand.Reader)
				if err != nil {
					continue
				}
				addr := onionAddress(pub)
				if !strings.HasPrefix(addr, p) {
					continue
				}

				fmt.Printf("found %s.onion after %d attempts (%.1fs)\n",
					addr, n, time.Since(start).Seconds())
				if *output != "" {
					if err := writeKeys(*output, addr, priv); err != nil {
						fmt.Fprintf(os.Stderr, "error: writing keys: %v\n", err)
					}
				}
				if found.Add(1) >= int64(*count) {
					once.Do(func() { close(done) })
					return
				}
			}
		}()
	}
	wg.Wait()

	if found.Load() < int64(*count) {
		fmt.Fprintf(os.Stderr, "limit reached after %d attempts without enough results\n", attempts.Load())
		os.Exit(2)
	}
}

// onionAddress derives the v3 address (without the .onion suffix) for a
// public key.
func onionAddress(pub ed25519.PublicKey) string {
	h := sha3.New256()
	h.Write([]byte(checksumPrefix))
	h.Write(pub)
	h.Write([]byte{onionVersion})
	checksum := h.Sum(nil)[:2]

	addr := make([]byte, 0, len(pub)+3)
	addr = append(addr, pub...)
	addr = append(addr, checksum...)
	addr = append(addr, onionVersion)
	return strings.ToLower(b32.EncodeToString(addr))
}

// writeKeys stores the keypair in Tor's hidden-service layout under a
// directory named after the address.
func writeKeys(dir, addr string, priv ed25519.PrivateKey) error {
	target := filepath.Join(dir, addr)
	if err := os.MkdirAll(target, 0o700); err != nil {
		return err
	}

	// Tor wants the expanded (hashed and clamped) secret scalar.
	expanded := sha512.Sum512(priv.Seed())
	expanded[0] &= 248
	expanded[31] &= 127
	expanded[31] |= 64

	secret := append([]byte("== ed25519v1-secret: type0 ==\x00\x00\x00"), expanded[:]...)
	if err := os.WriteFile(filepath.Join(target, "hs_ed25519_secret_key"), secret, 0o600); err != nil {
		return err
	}

	pub := priv.Public().(ed25519.PublicKey)
	public := append([]byte("== ed25519v1-public: type0 ==\x00\x00\x00"), pub...)
	if err := os.WriteFile(filepath.Join(target, "hs_ed25519_public_key"), public, 0o600); err != nil {
		return err
	}

	return os.WriteFile(filepath.Join(target, "hostname"), []byte(addr+".onion\n"), 0o600)
}
