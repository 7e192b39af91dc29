package certbridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/coder/websocket"
)

// maxFeedFrameBytes caps one feed frame: a base64 CRL plus JSON framing.
const maxFeedFrameBytes = 2 * defaultMaxCRLBytes

// feedPingInterval keeps idle feed connections alive.
const feedPingInterval = 30 * time.Second

// FeedMessage is one CRL update pushed by a distribution feed. CRL carries
// the list bytes (DER or PEM), base64-encoded on the wire.
type FeedMessage struct {
	URL string `json:"url"`
	CRL []byte `json:"crl"`
}

// Feed subscribes to a websocket CRL distribution feed and mirrors every
// update into a Store. Malformed frames and rejected lists are logged and
// skipped; the subscription survives them.
type Feed struct {
	URL   string
	Store *Store

	// DialOptions customizes the websocket dial, nil for defaults.
	DialOptions *websocket.DialOptions
}

// NewFeed creates a feed subscription for the given websocket URL.
func NewFeed(feedURL string, store *Store) *Feed {
	return &Feed{URL: feedURL, Store: store}
}

// Run connects to the feed and consumes updates until the context is
// canceled or the connection fails. It returns ctx.Err() on cancellation
// and the read or dial error otherwise; reconnecting is the caller's call.
func (f *Feed) Run(ctx context.Context) error {
	if f.Store == nil {
		return fmt.Errorf("feed: store must not be nil")
	}

	conn, _, err := websocket.Dial(ctx, f.URL, f.DialOptions)
	if err != nil {
		return fmt.Errorf("feed: dialing %s: %w", f.URL, err)
	}
	conn.SetReadLimit(maxFeedFrameBytes)
	defer conn.CloseNow()

	pingCtx, stopPing := context.WithCancel(ctx)
	defer stopPing()
	go func() {
		ticker := time.NewTicker(feedPingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-pingCtx.Done():
				return
			case <-ticker.C:
				callCtx, cancel := context.WithTimeout(pingCtx, 10*time.Second)
				err := conn.Ping(callCtx)
				cancel()
				if err != nil {
					return
				}
			}
		}
	}()

	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				_ = conn.Close(websocket.StatusNormalClosure, "shutting down")
				return ctx.Err()
			}
			return fmt.Errorf("feed: reading from %s: %w", f.URL, err)
		}
		if typ != websocket.MessageText {
			log.Printf("certbridge: feed %s: skipping non-text frame", f.URL)
			continue
		}

		var msg FeedMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Printf("certbridge: feed %s: skipping malformed frame: %v", f.URL, err)
			continue
		}
		if msg.URL == "" || len(msg.CRL) == 0 {
			log.Printf("certbridge: feed %s: skipping frame with missing url or crl", f.URL)
			continue
		}

		if err := f.Store.Put(msg.URL, msg.CRL); err != nil {
			log.Printf("certbridge: feed %s: rejecting update for %s: %v", f.URL, msg.URL, err)
		}
	}
}
