package scheduler

import (
	"time"

	"github.com/lib/pq"
	"go.uber.org/zap"
)

// Waker nudges the loop to tick before its poll interval elapses.
type Waker interface {
	C() <-chan struct{}
	Close() error
}

// PQWaker listens on a Postgres NOTIFY channel. Notifications are coalesced:
// a burst wakes the loop once.
type PQWaker struct {
	listener *pq.Listener
	wake     chan struct{}
	done     chan struct{}
}

func NewPQWaker(dsn, channel string) (*PQWaker, error) {
	l := pq.NewListener(dsn, 10*time.Second, time.Minute, func(ev pq.ListenerEventType, err error) {
		if err != nil {
			zap.L().Warn("schedule listener event", zap.Int("event", int(ev)), zap.Error(err))
		}
	})
	if err := l.Listen(channel); err != nil {
		_ = l.Close()
		return nil, err
	}

	w := &PQWaker{
		listener: l,
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	go w.loop()

	zap.L().Info("listening for due schedules", zap.String("channel", channel))
	return w, nil
}

func (w *PQWaker) loop() {
	ping := time.NewTicker(90 * time.Second)
	defer ping.Stop()

	for {
		select {
		case <-w.done:
			return
		case _, ok := <-w.listener.Notify:
			if !ok {
				return
			}
			select {
			case w.wake <- struct{}{}:
			default:
			}
		case <-ping.C:
			if err := w.listener.Ping(); err != nil {
				zap.L().Warn("schedule listener ping failed", zap.Error(err))
			}
		}
	}
}

func (w *PQWaker) C() <-chan struct{} { return w.wake }

func (w *PQWaker) Close() error {
	close(w.done)
	return w.listener.Close()
}
