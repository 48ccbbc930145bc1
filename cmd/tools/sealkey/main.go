// Command sealkey generates vault keys and seals platform stream keys for
// the destination catalog.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"relaycast/internal/catalog"
	"relaycast/internal/vault"
)

func main() {
	var (
		generate    bool
		postgresDSN string
		streamID    int64
		platform    string
		rtmpURL     string
		displayName string
	)

	flag.BoolVar(&generate, "generate", false, "print a fresh ENCRYPTION_KEY and exit")
	flag.StringVar(&postgresDSN, "postgres-dsn", "", "insert the sealed key as a destination in this catalog")
	flag.Int64Var(&streamID, "stream-id", 0, "stream the destination belongs to")
	flag.StringVar(&platform, "platform", "", "destination platform (twitch, youtube, facebook, custom)")
	flag.StringVar(&rtmpURL, "rtmp-url", "", "override the platform ingest URL")
	flag.StringVar(&displayName, "name", "", "display name for the destination")
	flag.Parse()

	if generate {
		key, err := vault.GenerateKey()
		if err != nil {
			fatalf("%v", err)
		}
		fmt.Println(key)
		return
	}

	v, err := vault.NewFromEnv()
	if err != nil {
		fatalf("%v", err)
	}
	plaintext, err := readSecret(os.Stdin)
	if err != nil {
		fatalf("read stream key: %v", err)
	}
	sealed, err := v.Encrypt(plaintext)
	if err != nil {
		fatalf("seal stream key: %v", err)
	}

	if strings.TrimSpace(postgresDSN) == "" {
		fmt.Println(sealed)
		return
	}

	dest, err := buildDestination(streamID, platform, rtmpURL, displayName, sealed)
	if err != nil {
		fatalf("%v", err)
	}
	store, err := catalog.NewPostgresStore(postgresDSN)
	if err != nil {
		fatalf("open catalog: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	defer store.Close(ctx)

	created, err := store.CreateDestination(ctx, dest)
	if err != nil {
		fatalf("create destination: %v", err)
	}
	fmt.Printf("Destination %d (%s) added to stream %d.\n", created.ID, created.Platform, created.StreamID)
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

// readSecret takes the first line of r.
func readSecret(r io.Reader) (string, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	secret := strings.TrimSpace(line)
	if secret == "" {
		return "", errors.New("no stream key on stdin")
	}
	return secret, nil
}

func buildDestination(streamID int64, platform, rtmpURL, displayName, sealed string) (catalog.Destination, error) {
	if streamID <= 0 {
		return catalog.Destination{}, errors.New("--stream-id is required")
	}
	p, err := catalog.ParsePlatform(platform)
	if err != nil {
		return catalog.Destination{}, err
	}
	resolved, err := catalog.ResolveRTMPURL(p, rtmpURL)
	if err != nil {
		return catalog.Destination{}, err
	}
	return catalog.Destination{
		StreamID:           streamID,
		Platform:           p,
		RTMPURL:            resolved,
		EncryptedStreamKey: sealed,
		Enabled:            true,
		DisplayName:        strings.TrimSpace(displayName),
	}, nil
}
