package viewer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/hperssn/modtrack/internal/broadcast"
	"github.com/hperssn/modtrack/internal/clock"
)

// Follow connects to the board stream at url and applies every event to b
// until the stream ends or ctx is cancelled. onEvent, if set, is called
// after each applied event.
func Follow(ctx context.Context, client *http.Client, url string, b *Board, clk clock.Clock, onEvent func(broadcast.Event)) error {
	if client == nil {
		client = http.DefaultClient
	}
	if clk == nil {
		clk = clock.Real()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("connect: unexpected status %s", resp.Status)
	}

	dec := NewDecoder(resp.Body)
	for {
		ev, err := dec.Next()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		b.Apply(ev, clk.Now())
		if onEvent != nil {
			onEvent(ev)
		}
	}
}
