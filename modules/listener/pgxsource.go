package listener

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pkgerrors "github.com/pkg/errors"
)

// PoolSource subscribes over a connection held out of the shared pool for
// the lifetime of the session.
type PoolSource struct {
	pool        *pgxpool.Pool
	channel     string
	waitTimeout time.Duration
}

func NewPoolSource(pool *pgxpool.Pool, channel string, waitTimeout time.Duration) *PoolSource {
	return &PoolSource{pool: pool, channel: channel, waitTimeout: waitTimeout}
}

func (s *PoolSource) Connect(ctx context.Context) (Session, error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "acquiring listen connection")
	}
	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{s.channel}.Sanitize()); err != nil {
		conn.Release()
		return nil, pkgerrors.Wrap(err, "subscribing to channel")
	}
	return &poolSession{conn: conn, waitTimeout: s.waitTimeout}, nil
}

type poolSession struct {
	conn        *pgxpool.Conn
	waitTimeout time.Duration
}

// Next waits in short slices so a dead connection is noticed even when
// the channel is quiet.
func (s *poolSession) Next(ctx context.Context) (string, error) {
	for {
		waitCtx, cancel := context.WithTimeout(ctx, s.waitTimeout)
		n, err := s.conn.Conn().WaitForNotification(waitCtx)
		cancel()
		if err == nil {
			return n.Payload, nil
		}
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			continue
		}
		return "", err
	}
}

func (s *poolSession) Close() {
	s.conn.Release()
}
