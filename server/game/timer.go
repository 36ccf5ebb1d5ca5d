package game

import (
	"context"
	"log"
	"strings"
)

// WatchExpirations consumes the state store's expired-key stream and turns
// each key back into a game event: a turn marker expiring folds the head
// seat, a session expiring reaps its broadcast consumer. One malformed key
// or failed handler is logged and skipped; the loop runs until ctx ends.
func (g *Game) WatchExpirations(ctx context.Context) error {
	keys, err := g.State.Expirations(ctx)
	if err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case key, ok := <-keys:
			if !ok {
				return nil
			}
			if err := g.handleExpiredKey(ctx, key); err != nil {
				log.Printf("game: expired key %s: %v", key, err)
			}
		}
	}
}

func (g *Game) handleExpiredKey(ctx context.Context, key string) error {
	parts := strings.Split(key, ":")
	if len(parts) != 4 || parts[0] != "board" {
		return nil
	}
	boardID := parts[1]
	switch parts[2] {
	case "turn":
		return g.HandleTurnExpired(ctx, boardID, parts[3])
	case "session":
		return g.HandleSessionExpired(ctx, boardID, parts[3])
	}
	return nil
}

// HandleSessionExpired removes the broadcast consumer of a client that
// stopped pinging.
func (g *Game) HandleSessionExpired(ctx context.Context, boardID, consumer string) error {
	return g.Bus.RemoveBoardConsumer(ctx, boardID, consumer)
}
