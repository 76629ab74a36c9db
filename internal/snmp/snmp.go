// Package snmp periodically dumps session/device stats to a CSV file,
// grounded on std/snmp.go's SnmpLogger: same "split path into dir+file,
// format the filename with the current timestamp, write a header into an
// empty file, append one row per tick" shape. Two things change from the
// teacher's version: the counters are this module's own session/device
// counters instead of kcp.DefaultSnmp, and the bare time.Ticker loop is
// replaced with github.com/robfig/cron/v3 so a declarative schedule (not
// just a fixed interval) can be configured, per SPEC_FULL.md §2.
package snmp

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
)

// Counters holds the session/device-level counters this module tracks.
// Every field is updated via the atomic package so it can be touched from
// any goroutine (the event-loop thread updates device/session counts, the
// dump itself reads them from the cron goroutine).
type Counters struct {
	sessionsTotal       int64
	clientsActive       int64
	bytesToClients      int64
	bytesFromClients    int64
	overflowDisconnects int64
	migrationsStarted   int64
}

// NewCounters returns a zeroed Counters.
func NewCounters() *Counters { return &Counters{} }

func (c *Counters) IncSessionsTotal()         { atomic.AddInt64(&c.sessionsTotal, 1) }
func (c *Counters) IncClientsActive()         { atomic.AddInt64(&c.clientsActive, 1) }
func (c *Counters) DecClientsActive()         { atomic.AddInt64(&c.clientsActive, -1) }
func (c *Counters) AddBytesToClients(n int64)   { atomic.AddInt64(&c.bytesToClients, n) }
func (c *Counters) AddBytesFromClients(n int64) { atomic.AddInt64(&c.bytesFromClients, n) }
func (c *Counters) IncOverflowDisconnects()   { atomic.AddInt64(&c.overflowDisconnects, 1) }
func (c *Counters) IncMigrationsStarted()     { atomic.AddInt64(&c.migrationsStarted, 1) }

// Header names the columns ToSlice emits, in order, mirroring
// kcp.Snmp.Header()'s role in the teacher's SnmpLogger.
func (c *Counters) Header() []string {
	return []string{
		"SessionsTotal",
		"ClientsActive",
		"BytesToClients",
		"BytesFromClients",
		"OverflowDisconnects",
		"MigrationsStarted",
	}
}

// ToSlice snapshots the counters as strings, in Header order.
func (c *Counters) ToSlice() []string {
	return []string{
		fmt.Sprint(atomic.LoadInt64(&c.sessionsTotal)),
		fmt.Sprint(atomic.LoadInt64(&c.clientsActive)),
		fmt.Sprint(atomic.LoadInt64(&c.bytesToClients)),
		fmt.Sprint(atomic.LoadInt64(&c.bytesFromClients)),
		fmt.Sprint(atomic.LoadInt64(&c.overflowDisconnects)),
		fmt.Sprint(atomic.LoadInt64(&c.migrationsStarted)),
	}
}

// Logger periodically appends a row of Counters to a CSV file.
type Logger struct {
	path     string
	period   time.Duration
	counters *Counters
	cron     *cron.Cron
	onError  func(error)
}

// NewLogger builds a Logger dumping counters to path every period. It
// returns nil if path is empty or period is non-positive, mirroring
// SnmpLogger's "path == "" || interval == 0" early return — a disabled
// logger has nothing to Start. Periods under one second are rounded up to
// one second.
func NewLogger(path string, period time.Duration, counters *Counters, onError func(error)) *Logger {
	if path == "" || period <= 0 {
		return nil
	}
	if onError == nil {
		onError = func(error) {}
	}
	return &Logger{
		path:     path,
		period:   period,
		counters: counters,
		cron:     cron.New(),
		onError:  onError,
	}
}

// Start schedules the periodic dump and starts the cron scheduler.
func (l *Logger) Start() error {
	spec := fmt.Sprintf("@every %s", durationSpec(l.period))
	if _, err := l.cron.AddFunc(spec, l.dump); err != nil {
		return err
	}
	l.cron.Start()
	return nil
}

// Stop drains any in-flight dump and stops the scheduler, waiting up to
// ctx's deadline.
func (l *Logger) Stop(ctx context.Context) {
	stopCtx := l.cron.Stop()
	select {
	case <-stopCtx.Done():
	case <-ctx.Done():
	}
}

// dump appends one CSV row to the current log file, formatting the
// filename portion with the current timestamp exactly as std/snmp.go
// does, and writing a header row only into an empty file.
func (l *Logger) dump() {
	logdir, logfile := filepath.Split(l.path)
	f, err := os.OpenFile(logdir+time.Now().Format(logfile), os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
	if err != nil {
		l.onError(err)
		return
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if stat, err := f.Stat(); err == nil && stat.Size() == 0 {
		if err := w.Write(append([]string{"Unix"}, l.counters.Header()...)); err != nil {
			l.onError(err)
		}
	}
	if err := w.Write(append([]string{fmt.Sprint(time.Now().Unix())}, l.counters.ToSlice()...)); err != nil {
		l.onError(err)
	}
	w.Flush()
}

func durationSpec(d time.Duration) string {
	if d < time.Second {
		d = time.Second
	}
	return d.String()
}
