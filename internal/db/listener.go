package db

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/jackc/pgx/v5"
)

// SignatureChannel is the postgres notification channel external writers
// raise after inserting a queue row. The payload is informational only; the
// wrappers always re-query the database.
const SignatureChannel = "tse_signature"

// Listener holds a dedicated postgres connection in LISTEN mode and invokes
// a callback for every notification. gorm's pooled connections cannot be
// used for LISTEN, so this speaks pgx directly.
type Listener struct {
	dsn    string
	notify func()
}

// NewListener creates a listener on the tse_signature channel. notify is
// called once per received notification and must not block.
func NewListener(dsn string, notify func()) *Listener {
	return &Listener{dsn: dsn, notify: notify}
}

// Run connects and listens until ctx is cancelled. Connection loss is
// retried with a fixed pause; a missed notification is harmless because the
// wrappers also wake on a periodic timer.
func (l *Listener) Run(ctx context.Context) {
	for {
		if err := l.listen(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("notification listener error: %v; reconnecting", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(2 * time.Second):
		}
	}
}

func (l *Listener) listen(ctx context.Context) error {
	conn, err := pgx.Connect(ctx, l.dsn)
	if err != nil {
		return fmt.Errorf("connect for listen: %w", err)
	}
	defer conn.Close(context.Background())

	if _, err := conn.Exec(ctx, "listen "+SignatureChannel); err != nil {
		return fmt.Errorf("listen %s: %w", SignatureChannel, err)
	}
	log.Printf("listening on channel %q", SignatureChannel)

	for {
		if _, err := conn.WaitForNotification(ctx); err != nil {
			return err
		}
		l.notify()
	}
}
