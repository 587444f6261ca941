// stream-push drives a running veil worker endpoint: it fetches the
// certificate hash from the REST API, dials the QUIC endpoint, creates a
// group, and pushes synthetic frames through the encrypting pipeline.
//
// Usage:
//
//	go run ./test/tools/stream-push --addr 127.0.0.1:4443 --api https://127.0.0.1:4444 --frames 100
package main

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/zsiec/veil/media"
	"github.com/zsiec/veil/transport"
)

func main() {
	addrFlag := flag.String("addr", "127.0.0.1:4443", "Worker QUIC endpoint")
	apiFlag := flag.String("api", "https://127.0.0.1:4444", "REST API base URL")
	framesFlag := flag.Int("frames", 100, "Number of synthetic frames to push")
	flag.Parse()

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	fingerprint, err := fetchCertHash(*apiFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fetch cert hash: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	client, err := transport.Dial(ctx, *addrFlag, fingerprint, log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "dial: %v\n", err)
		os.Exit(1)
	}
	defer client.Close()

	if _, err := client.InitializeAndCreateGroup(ctx, "stream-push"); err != nil {
		fmt.Fprintf(os.Stderr, "create group: %v\n", err)
		os.Exit(1)
	}

	in := make(chan *media.Frame, *framesFlag)
	out := make(chan *media.Frame, *framesFlag)
	for i := 0; i < *framesFlag; i++ {
		kind := media.KindAudio
		if i%2 == 0 {
			kind = media.KindVideo
		}
		in <- media.NewFrame(kind, []byte(fmt.Sprintf("synthetic frame %d", i)), media.Meta{
			PTS:      int64(i) * 3000,
			Keyframe: i%30 == 0,
		})
	}
	close(in)

	start := time.Now()
	if err := client.EncryptStream(ctx, media.SourceChan(in), media.SinkChan(out)); err != nil {
		fmt.Fprintf(os.Stderr, "encrypt stream: %v\n", err)
		os.Exit(1)
	}
	close(out)

	var count, bytes int
	for f := range out {
		count++
		bytes += f.PayloadLen()
	}
	fmt.Printf("pushed %d frames, received %d encrypted frames (%d bytes) in %v\n",
		*framesFlag, count, bytes, time.Since(start).Round(time.Millisecond))
}

func fetchCertHash(apiBase string) ([32]byte, error) {
	var fingerprint [32]byte

	httpClient := &http.Client{
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true}, // local test tool
		},
		Timeout: 5 * time.Second,
	}
	resp, err := httpClient.Get(apiBase + "/api/cert-hash")
	if err != nil {
		return fingerprint, err
	}
	defer resp.Body.Close()

	var body struct {
		Hash string `json:"hash"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fingerprint, err
	}
	raw, err := base64.StdEncoding.DecodeString(body.Hash)
	if err != nil {
		return fingerprint, err
	}
	if len(raw) != len(fingerprint) {
		return fingerprint, fmt.Errorf("cert hash is %d bytes, want %d", len(raw), len(fingerprint))
	}
	copy(fingerprint[:], raw)
	return fingerprint, nil
}
