package questions

import (
	"context"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/lsat-prep/adaptive/internal/logger"
)

// Notifier broadcasts newly published pool versions so other server
// replicas reload their snapshot from the repository.
type Notifier struct {
	log     *logger.Logger
	rdb     *goredis.Client
	channel string
}

func NewNotifier(addr, channel string, log *logger.Logger) (*Notifier, error) {
	if addr == "" {
		return nil, fmt.Errorf("missing redis address")
	}
	if channel == "" {
		channel = "item-pool"
	}
	if log == nil {
		log = logger.Nop()
	}

	rdb := goredis.NewClient(&goredis.Options{
		Addr:        addr,
		DialTimeout: 5 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return &Notifier{
		log:     log.With("component", "pool-notifier"),
		rdb:     rdb,
		channel: channel,
	}, nil
}

// Announce publishes version on the pool channel.
func (n *Notifier) Announce(ctx context.Context, version int64) error {
	if n == nil || n.rdb == nil {
		return nil
	}
	return n.rdb.Publish(ctx, n.channel, strconv.FormatInt(version, 10)).Err()
}

// Listen calls onVersion for every announced version until ctx is done.
func (n *Notifier) Listen(ctx context.Context, onVersion func(version int64)) error {
	if n == nil || n.rdb == nil {
		return fmt.Errorf("pool notifier not initialized")
	}
	sub := n.rdb.Subscribe(ctx, n.channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return fmt.Errorf("subscribe %s: %w", n.channel, err)
	}

	go func() {
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				v, err := strconv.ParseInt(msg.Payload, 10, 64)
				if err != nil {
					n.log.Warn("ignoring malformed pool announcement", "payload", msg.Payload)
					continue
				}
				onVersion(v)
			}
		}
	}()
	return nil
}

func (n *Notifier) Close() error {
	if n == nil || n.rdb == nil {
		return nil
	}
	return n.rdb.Close()
}

// FollowAnnouncements reloads pool from repo whenever another replica
// announces a version newer than the one being served.
func FollowAnnouncements(ctx context.Context, n *Notifier, pool *Pool, repo ItemRepository, log *logger.Logger) error {
	if log == nil {
		log = logger.Nop()
	}
	return n.Listen(ctx, reloadOnAnnouncement(ctx, pool, repo, log))
}

func reloadOnAnnouncement(ctx context.Context, pool *Pool, repo ItemRepository, log *logger.Logger) func(version int64) {
	return func(version int64) {
		if cur := pool.Current(); cur != nil && cur.Version() >= version {
			return
		}
		snap, err := pool.Reload(ctx, repo)
		if err != nil {
			log.Error("pool reload after announcement failed", "announced_version", version, "error", err)
			return
		}
		log.Info("pool reloaded", "version", snap.Version(), "items", snap.Len())
	}
}
