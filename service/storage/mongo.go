package storage

import (
	"context"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"chatrelay/logger"
	"chatrelay/tools/errs"
)

// MongoConfig holds the MongoDB connection settings.
type MongoConfig struct {
	URI         string
	Database    string
	Username    string
	Password    string
	AuthSource  string
	MaxPoolSize uint64
}

// Mongo owns the database handle. StartMongo connects in the background with
// exponential backoff and keeps reconnecting if the health check fails, so a
// database restart does not require a relay restart.
type Mongo struct {
	mu        sync.RWMutex
	db        *mongo.Database
	cli       *mongo.Client
	readyCh   chan struct{} // closed once on first successful connect
	readyOnce sync.Once
	lastErr   atomic.Value // error
}

// StartMongo launches the connect/health loop and returns immediately.
// Use WaitReady before issuing queries.
func StartMongo(ctx context.Context, cfg MongoConfig) *Mongo {
	m := &Mongo{readyCh: make(chan struct{})}

	go func() {
		const (
			baseBackoff = 200 * time.Millisecond
			maxBackoff  = 5 * time.Second
			healthEvery = 10 * time.Second
			failThresh  = 3
		)

		for {
			// Connect phase, with backoff and jitter.
			attempt := 0
			for {
				select {
				case <-ctx.Done():
					return
				default:
				}

				cli, err := connectMongo(ctx, cfg)
				if err == nil {
					m.mu.Lock()
					m.cli = cli
					m.db = cli.Database(cfg.Database)
					m.mu.Unlock()
					m.readyOnce.Do(func() { close(m.readyCh) })
					break
				}
				m.lastErr.Store(err)

				backoff := baseBackoff << attempt
				if backoff > maxBackoff {
					backoff = maxBackoff
				}
				jitter := time.Duration(rand.Int63n(int64(backoff / 5)))
				timer := time.NewTimer(backoff - jitter/2)
				select {
				case <-ctx.Done():
					timer.Stop()
					return
				case <-timer.C:
				}
				if attempt < 6 {
					attempt++
				}
			}

			// Health phase: ping periodically, drop back to connect phase
			// after consecutive failures.
			fail := 0
			ticker := time.NewTicker(healthEvery)
			func() {
				defer ticker.Stop()
				for {
					select {
					case <-ctx.Done():
						m.disconnect()
						return
					case <-ticker.C:
						m.mu.RLock()
						cli := m.cli
						m.mu.RUnlock()
						if cli == nil {
							return
						}
						if err := cli.Ping(ctx, nil); err != nil {
							fail++
							m.lastErr.Store(err)
							if fail >= failThresh {
								logger.Warnf("[mongo] health check failed %d times, reconnecting: %v", fail, err)
								m.disconnect()
								return
							}
						} else {
							fail = 0
						}
					}
				}
			}()

			select {
			case <-ctx.Done():
				return
			default:
			}
		}
	}()

	return m
}

func connectMongo(ctx context.Context, cfg MongoConfig) (*mongo.Client, error) {
	if cfg.URI == "" {
		return nil, errs.New("mongo uri is required")
	}
	opts := options.Client().ApplyURI(cfg.URI)
	if cfg.MaxPoolSize > 0 {
		opts.SetMaxPoolSize(cfg.MaxPoolSize)
	}
	if cfg.Username != "" {
		opts.SetAuth(options.Credential{
			Username:   cfg.Username,
			Password:   cfg.Password,
			AuthSource: cfg.AuthSource,
		})
	}
	cli, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, errs.WrapMsg(err, "mongo connect")
	}
	if err := cli.Ping(ctx, nil); err != nil {
		_ = cli.Disconnect(context.Background())
		return nil, errs.WrapMsg(err, "mongo ping")
	}
	return cli, nil
}

func (m *Mongo) disconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cli != nil {
		_ = m.cli.Disconnect(context.Background())
		m.cli = nil
		m.db = nil
	}
}

// WaitReady blocks until the first successful connect or ctx expiry.
func (m *Mongo) WaitReady(ctx context.Context) error {
	m.mu.RLock()
	connected := m.db != nil
	m.mu.RUnlock()
	if connected {
		return nil
	}
	select {
	case <-m.readyCh:
		return nil
	case <-ctx.Done():
		if err := m.Err(); err != nil {
			return errs.WrapMsg(err, "mongo not ready")
		}
		return ctx.Err()
	}
}

// DB returns the database handle, or nil while disconnected.
func (m *Mongo) DB() *mongo.Database {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.db
}

// Ready reports whether a connection is currently established.
func (m *Mongo) Ready() bool {
	return m.DB() != nil
}

// Err returns the most recent connection error.
func (m *Mongo) Err() error {
	if v := m.lastErr.Load(); v != nil {
		return v.(error)
	}
	return nil
}
