package state

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis implements Store on go-redis. Multi-key writes go through TxPipeline
// so they land all-or-nothing.
type Redis struct {
	rdb *redis.Client
	sub *redis.Client // dedicated connection for keyspace notifications
}

func OpenRedis(addr, username, password string) *Redis {
	opts := func() *redis.Options {
		return &redis.Options{Addr: addr, Username: username, Password: password}
	}
	return &Redis{rdb: redis.NewClient(opts()), sub: redis.NewClient(opts())}
}

func (r *Redis) Ping(ctx context.Context) error { return r.rdb.Ping(ctx).Err() }

func (r *Redis) Close() error {
	_ = r.sub.Close()
	return r.rdb.Close()
}

func (r *Redis) InitBoard(ctx context.Context, boardID string, limit int64) error {
	pl := r.rdb.TxPipeline()
	pl.Set(ctx, potKey(boardID), "0", 0)
	pl.Set(ctx, roundKey(boardID), "0", 0)
	pl.HSet(ctx, settingsKey(boardID), "limit", strconv.FormatInt(limit, 10))
	_, err := pl.Exec(ctx)
	return err
}

func (r *Redis) BoardLimit(ctx context.Context, boardID string) (int64, error) {
	v, err := r.rdb.HGet(ctx, settingsKey(boardID), "limit").Result()
	if err == redis.Nil {
		return 0, fmt.Errorf("board %s has no settings", boardID)
	}
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(v, 10, 64)
}

func (r *Redis) Seat(ctx context.Context, boardID, seatKey string) (*Seat, error) {
	raw, err := r.rdb.HGet(ctx, seatsKey(boardID), seatKey).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return decodeSeat([]byte(raw))
}

func decodeSeat(raw []byte) (*Seat, error) {
	var s Seat
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("decode seat: %w", err)
	}
	if err := s.validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *Redis) PutSeat(ctx context.Context, boardID, seatKey string, seat *Seat) error {
	seat.V = SeatSchemaVersion
	raw, err := json.Marshal(seat)
	if err != nil {
		return err
	}
	return r.rdb.HSet(ctx, seatsKey(boardID), seatKey, string(raw)).Err()
}

func (r *Redis) DeleteSeat(ctx context.Context, boardID, seatKey string) error {
	return r.rdb.HDel(ctx, seatsKey(boardID), seatKey).Err()
}

func (r *Redis) Seats(ctx context.Context, boardID string) (map[string]*Seat, error) {
	raw, err := r.rdb.HGetAll(ctx, seatsKey(boardID)).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[string]*Seat, len(raw))
	for k, v := range raw {
		s, err := decodeSeat([]byte(v))
		if err != nil {
			return nil, fmt.Errorf("seat %s: %w", k, err)
		}
		out[k] = s
	}
	return out, nil
}

func (r *Redis) SeatCount(ctx context.Context, boardID string) (int, error) {
	n, err := r.rdb.HLen(ctx, seatsKey(boardID)).Result()
	return int(n), err
}

func (r *Redis) SetOwnerSeat(ctx context.Context, owner, boardID, seatKey string) error {
	return r.rdb.HSet(ctx, ownerKey(owner), boardID, seatKey).Err()
}

func (r *Redis) OwnerSeat(ctx context.Context, owner, boardID string) (string, error) {
	v, err := r.rdb.HGet(ctx, ownerKey(owner), boardID).Result()
	if err == redis.Nil {
		return "", nil
	}
	return v, err
}

func (r *Redis) DeleteOwnerSeat(ctx context.Context, owner, boardID string) error {
	return r.rdb.HDel(ctx, ownerKey(owner), boardID).Err()
}

func (r *Redis) Admit(ctx context.Context, boardID, seatKey string, at time.Time) error {
	return r.rdb.ZAdd(ctx, eligibleKey(boardID), redis.Z{
		Score:  float64(at.UnixMilli()),
		Member: seatKey,
	}).Err()
}

func (r *Redis) Evict(ctx context.Context, boardID, seatKey string) error {
	return r.rdb.ZRem(ctx, eligibleKey(boardID), seatKey).Err()
}

func (r *Redis) EligibleSeats(ctx context.Context, boardID string) ([]string, error) {
	return r.rdb.ZRange(ctx, eligibleKey(boardID), 0, -1).Result()
}

func (r *Redis) ParkBroke(ctx context.Context, boardID, seatKey string) error {
	return r.rdb.SAdd(ctx, brokeKey(boardID), seatKey).Err()
}

func (r *Redis) SetDeck(ctx context.Context, boardID string, cards []int) error {
	vals := make([]interface{}, len(cards))
	for i, c := range cards {
		vals[i] = c
	}
	pl := r.rdb.TxPipeline()
	pl.Del(ctx, cardsKey(boardID))
	if len(vals) > 0 {
		pl.RPush(ctx, cardsKey(boardID), vals...)
	}
	_, err := pl.Exec(ctx)
	return err
}

func (r *Redis) DrawCard(ctx context.Context, boardID string) (int, error) {
	v, err := r.rdb.LPop(ctx, cardsKey(boardID)).Result()
	if err == redis.Nil {
		return 0, ErrDeckEmpty
	}
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(v)
}

func (r *Redis) DeckCount(ctx context.Context, boardID string) (int, error) {
	n, err := r.rdb.LLen(ctx, cardsKey(boardID)).Result()
	return int(n), err
}

func (r *Redis) Pot(ctx context.Context, boardID string) (int64, error) {
	v, err := r.rdb.Get(ctx, potKey(boardID)).Result()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(v, 10, 64)
}

func (r *Redis) AddPot(ctx context.Context, boardID string, delta int64) (int64, error) {
	return r.rdb.IncrBy(ctx, potKey(boardID), delta).Result()
}

func (r *Redis) NextRound(ctx context.Context, boardID string) (int64, error) {
	return r.rdb.Incr(ctx, roundKey(boardID)).Result()
}

func (r *Redis) NextStateSeq(ctx context.Context, boardID string) (int64, error) {
	return r.rdb.Incr(ctx, seqKey(boardID)).Result()
}

func (r *Redis) SetQueue(ctx context.Context, boardID string, seatKeys []string) error {
	vals := make([]interface{}, len(seatKeys))
	for i, k := range seatKeys {
		vals[i] = k
	}
	pl := r.rdb.TxPipeline()
	pl.Del(ctx, queueKey(boardID))
	if len(vals) > 0 {
		pl.RPush(ctx, queueKey(boardID), vals...)
	}
	_, err := pl.Exec(ctx)
	return err
}

func (r *Redis) Queue(ctx context.Context, boardID string) ([]string, error) {
	return r.rdb.LRange(ctx, queueKey(boardID), 0, -1).Result()
}

func (r *Redis) QueueHead(ctx context.Context, boardID string) (string, error) {
	v, err := r.rdb.LIndex(ctx, queueKey(boardID), 0).Result()
	if err == redis.Nil {
		return "", nil
	}
	return v, err
}

func (r *Redis) RemoveQueued(ctx context.Context, boardID, seatKey string) error {
	return r.rdb.LRem(ctx, queueKey(boardID), 0, seatKey).Err()
}

func (r *Redis) SetTurn(ctx context.Context, boardID, instance, seatKey string, ttl time.Duration) error {
	deadline := time.Now().Add(ttl)
	pl := r.rdb.TxPipeline()
	pl.HSet(ctx, turnKey(boardID),
		"seatKey", seatKey,
		"deadline", strconv.FormatInt(deadline.UnixMilli(), 10))
	pl.Set(ctx, TurnMarkerKey(boardID, instance), seatKey, ttl)
	_, err := pl.Exec(ctx)
	return err
}

func (r *Redis) Turn(ctx context.Context, boardID string) (string, time.Time, error) {
	m, err := r.rdb.HGetAll(ctx, turnKey(boardID)).Result()
	if err != nil {
		return "", time.Time{}, err
	}
	if m["seatKey"] == "" {
		return "", time.Time{}, ErrNoTurn
	}
	ms, _ := strconv.ParseInt(m["deadline"], 10, 64)
	return m["seatKey"], time.UnixMilli(ms), nil
}

func (r *Redis) ClearTurn(ctx context.Context, boardID, instance string) error {
	pl := r.rdb.TxPipeline()
	pl.Del(ctx, turnKey(boardID))
	pl.Del(ctx, TurnMarkerKey(boardID, instance))
	_, err := pl.Exec(ctx)
	return err
}

func (r *Redis) ArmIdleTimer(ctx context.Context, boardID, instance string, ttl time.Duration) error {
	return r.rdb.Set(ctx, TurnMarkerKey(boardID, instance), "", ttl).Err()
}

func (r *Redis) LockSeat(ctx context.Context, seatKey string, ttl time.Duration) (bool, error) {
	return r.rdb.SetNX(ctx, seatLockKey(seatKey), "1", ttl).Result()
}

func (r *Redis) UnlockSeat(ctx context.Context, seatKey string) error {
	return r.rdb.Del(ctx, seatLockKey(seatKey)).Err()
}

func (r *Redis) AcquireTimerLease(ctx context.Context, boardID, instance string, ttl time.Duration) (string, error) {
	ok, err := r.rdb.SetNX(ctx, leaseKey(boardID), instance, ttl).Result()
	if err != nil {
		return "", err
	}
	if ok {
		return instance, nil
	}
	owner, err := r.rdb.Get(ctx, leaseKey(boardID)).Result()
	if err == redis.Nil {
		// lease expired between SetNX and Get; retry once
		if ok, err := r.rdb.SetNX(ctx, leaseKey(boardID), instance, ttl).Result(); err != nil {
			return "", err
		} else if ok {
			return instance, nil
		}
		owner, err = r.rdb.Get(ctx, leaseKey(boardID)).Result()
		if err == redis.Nil {
			// still free; claim outright
			return instance, r.rdb.Set(ctx, leaseKey(boardID), instance, ttl).Err()
		}
		if err != nil {
			return "", err
		}
	} else if err != nil {
		return "", err
	}
	if owner == instance {
		// refresh our own lease
		_ = r.rdb.Expire(ctx, leaseKey(boardID), ttl).Err()
	}
	return owner, nil
}

func (r *Redis) PutSession(ctx context.Context, sessionID, owner string, ttl time.Duration) error {
	return r.rdb.Set(ctx, sessionID, owner, ttl).Err()
}

func (r *Redis) TouchSession(ctx context.Context, sessionID string, ttl time.Duration) error {
	return r.rdb.Expire(ctx, sessionID, ttl).Err()
}

// Expirations enables keyspace expiry notifications and streams expired key
// names until ctx is done.
func (r *Redis) Expirations(ctx context.Context) (<-chan string, error) {
	if err := r.rdb.ConfigSet(ctx, "notify-keyspace-events", "Ex").Err(); err != nil {
		return nil, fmt.Errorf("enable keyspace notifications: %w", err)
	}
	pubsub := r.sub.PSubscribe(ctx, "__keyevent@*__:expired")
	out := make(chan string, 64)
	go func() {
		defer close(out)
		defer func() {
			if err := pubsub.Close(); err != nil {
				log.Printf("state: close expiry subscription: %v", err)
			}
		}()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				select {
				case out <- msg.Payload:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}
