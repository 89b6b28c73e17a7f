package audit

/*
Файл logger.go — буфер журнала аудита с пакетной записью в Sink.

- Log кладет в память редактированную копию записи и никогда не блокируется на I/O.
- Flush пишет накопленное в Sink и удаляет из буфера только то, что записалось:
  упавшая запись оставляет данные для следующей попытки (at-least-once).
- Start/Stop: фоновый сброс по таймеру и финальный сброс при остановке (Drain Pattern).
*/

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const DefaultFlushInterval = 2 * time.Second

// Sink определяет, куда физически сохраняются записи.
type Sink interface {
	// WriteBatch сохраняет пачку записей за один раз
	WriteBatch(ctx context.Context, entries []Entry) error
}

// BufferObserver получает размер буфера и ошибки сброса (реализуется engine.Metrics).
type BufferObserver interface {
	ObserveAuditBuffer(size int)
	ObserveAuditFlushError()
}

type Option func(*Logger)

func WithFlushInterval(d time.Duration) Option {
	return func(l *Logger) {
		if d > 0 {
			l.interval = d
		}
	}
}

func WithObserver(o BufferObserver) Option {
	return func(l *Logger) { l.observer = o }
}

type Logger struct {
	mu  sync.Mutex
	buf []Entry

	flushMu sync.Mutex // один Flush за раз
	sink    Sink

	interval time.Duration
	observer BufferObserver
	logger   *zap.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewLogger: sink может быть nil, тогда журнал живет только в памяти.
func NewLogger(sink Sink, logger *zap.Logger, opts ...Option) *Logger {
	if logger == nil {
		logger = zap.NewNop()
	}
	l := &Logger{
		sink:     sink,
		interval: DefaultFlushInterval,
		logger:   logger.With(zap.String("mod", "audit")),
		stopCh:   make(chan struct{}),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Log сохраняет редактированную копию. Переданная запись не изменяется и не удерживается.
func (l *Logger) Log(e Entry) {
	rec := e
	rec.Params = Redact(e.Params)
	if e.Confirmed != nil {
		rec.Confirmed = Bool(*e.Confirmed)
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}

	l.mu.Lock()
	l.buf = append(l.buf, rec)
	n := len(l.buf)
	l.mu.Unlock()

	if l.observer != nil {
		l.observer.ObserveAuditBuffer(n)
	}
}

// Entries — снимок буфера.
func (l *Logger) Entries() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Entry(nil), l.buf...)
}

func (l *Logger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buf)
}

// Flush — no-op при пустом буфере или без Sink.
func (l *Logger) Flush(ctx context.Context) error {
	if l.sink == nil {
		return nil
	}
	l.flushMu.Lock()
	defer l.flushMu.Unlock()

	l.mu.Lock()
	batch := append([]Entry(nil), l.buf...)
	l.mu.Unlock()
	if len(batch) == 0 {
		return nil
	}

	if err := l.sink.WriteBatch(ctx, batch); err != nil {
		if l.observer != nil {
			l.observer.ObserveAuditFlushError()
		}
		return fmt.Errorf("audit flush: %w", err)
	}

	// Пока писали, могли прийти новые записи: срезаем только записанный префикс
	l.mu.Lock()
	l.buf = append(l.buf[:0:0], l.buf[len(batch):]...)
	n := len(l.buf)
	l.mu.Unlock()

	if l.observer != nil {
		l.observer.ObserveAuditBuffer(n)
	}
	l.logger.Debug("audit flushed", zap.Int("entries", len(batch)))
	return nil
}

func (l *Logger) Start() {
	l.wg.Add(1)
	go l.worker()
}

// Stop останавливает фоновый сброс и делает финальный Flush.
func (l *Logger) Stop(ctx context.Context) error {
	l.stopOnce.Do(func() { close(l.stopCh) })
	l.wg.Wait()

	l.logger.Info("stopping auditor: flushing buffer...")
	if err := l.Flush(ctx); err != nil {
		l.logger.Error("final audit flush failed", zap.Error(err), zap.Int("pending", l.Len()))
		return err
	}
	l.logger.Info("auditor stopped gracefully")
	return nil
}

func (l *Logger) worker() {
	defer l.wg.Done()

	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), l.interval)
			if err := l.Flush(ctx); err != nil {
				l.logger.Error("audit flush failed", zap.Error(err))
			}
			cancel()
		}
	}
}
