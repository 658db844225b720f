// Package cluster decides which replica runs the round scheduler.
package cluster

import (
	"context"
	"database/sql"
	"sync"
	"sync/atomic"
	"time"

	"relay-distribution/internal/metrics"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"golang.org/x/xerrors"
	"gorm.io/gorm"
)

var leaderGauge = prometheus.NewGauge(prometheus.GaugeOpts{
	Name: "distributor_cluster_leader",
	Help: "1 when this replica is the leader",
})

func init() {
	metrics.Add(leaderGauge)
}

// Static is a fixed leadership decision, taken from configuration.
type Static struct {
	leader bool
}

func NewStatic(leader bool) Static {
	if leader {
		leaderGauge.Set(1)
	} else {
		leaderGauge.Set(0)
	}
	return Static{leader: leader}
}

func (s Static) IsLeader() bool {
	return s.leader
}

// AdvisoryLock elects the replica holding a postgres session advisory lock.
// The lock lives as long as the dedicated connection does.
type AdvisoryLock struct {
	db  *sql.DB
	key int64
	log zerolog.Logger

	mu   sync.Mutex
	conn *sql.Conn
	held atomic.Bool
}

func NewAdvisoryLock(db *gorm.DB, key int64, log zerolog.Logger) (*AdvisoryLock, error) {
	if db == nil {
		return nil, xerrors.New("advisory lock requires a database")
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, xerrors.Errorf("failed to get sql db: %v", err)
	}
	return &AdvisoryLock{db: sqlDB, key: key, log: log}, nil
}

func (l *AdvisoryLock) IsLeader() bool {
	return l.held.Load()
}

// TryAcquire attempts to take the lock once.
func (l *AdvisoryLock) TryAcquire(ctx context.Context) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.held.Load() {
		return true, nil
	}
	if l.conn == nil {
		conn, err := l.db.Conn(ctx)
		if err != nil {
			return false, xerrors.Errorf("failed to open lock connection: %v", err)
		}
		l.conn = conn
	}

	var ok bool
	err := l.conn.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", l.key).Scan(&ok)
	if err != nil {
		l.dropConn()
		return false, xerrors.Errorf("failed to try advisory lock: %v", err)
	}
	if ok {
		l.held.Store(true)
		leaderGauge.Set(1)
	}
	return ok, nil
}

// Campaign retries the lock every interval. onElected runs each time this
// replica becomes leader; leadership is dropped when the lock connection
// dies.
func (l *AdvisoryLock) Campaign(ctx context.Context, interval time.Duration, onElected func(ctx context.Context)) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if l.IsLeader() {
			if err := l.ping(ctx); err != nil {
				l.log.Warn().Err(err).Msg("lost leader lock connection")
			}
		} else {
			ok, err := l.TryAcquire(ctx)
			switch {
			case err != nil:
				l.log.Warn().Err(err).Msg("leader election attempt failed")
			case ok:
				l.log.Info().Int64("key", l.key).Msg("elected leader")
				onElected(ctx)
			default:
				l.log.Debug().Msg("another replica is the leader")
			}
		}

		select {
		case <-ctx.Done():
			return l.Release(context.Background())
		case <-ticker.C:
		}
	}
}

func (l *AdvisoryLock) ping(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn == nil {
		return nil
	}
	if err := l.conn.PingContext(ctx); err != nil {
		l.dropConn()
		return err
	}
	return nil
}

// Release gives up the lock and its connection.
func (l *AdvisoryLock) Release(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn == nil {
		return nil
	}
	var err error
	if l.held.Load() {
		var ok bool
		err = l.conn.QueryRowContext(ctx, "SELECT pg_advisory_unlock($1)", l.key).Scan(&ok)
	}
	l.dropConn()
	return err
}

// dropConn must be called with mu held.
func (l *AdvisoryLock) dropConn() {
	if l.conn != nil {
		_ = l.conn.Close()
		l.conn = nil
	}
	l.held.Store(false)
	leaderGauge.Set(0)
}
