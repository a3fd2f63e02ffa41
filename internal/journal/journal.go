// Package journal keeps a bounded in-memory tail of log lines per account,
// so the layer above can show each user their own recent activity without a
// log pipeline. It plugs into slog as a handler that tees every record into
// the ring buffers while delegating to the real handler.
package journal

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

const (
	perAccountLimit = 200
	globalLimit     = 500
)

type ring struct {
	lines []string
	limit int
}

func (r *ring) push(line string) {
	r.lines = append(r.lines, line)
	if len(r.lines) > r.limit {
		r.lines = r.lines[len(r.lines)-r.limit:]
	}
}

func (r *ring) tail(n int) []string {
	if n <= 0 || n > len(r.lines) {
		n = len(r.lines)
	}
	out := make([]string, n)
	copy(out, r.lines[len(r.lines)-n:])
	return out
}

type Journal struct {
	mu       sync.Mutex
	accounts map[string]*ring
	global   ring
}

func New() *Journal {
	return &Journal{
		accounts: make(map[string]*ring),
		global:   ring{limit: globalLimit},
	}
}

// Append records one line, globally and (when account is non-empty) under
// that account.
func (j *Journal) Append(account, line string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.global.push(line)
	if account == "" {
		return
	}
	r, ok := j.accounts[account]
	if !ok {
		r = &ring{limit: perAccountLimit}
		j.accounts[account] = r
	}
	r.push(line)
}

// Recent returns up to n of the newest lines for account, oldest first.
// An empty account reads the global journal.
func (j *Journal) Recent(account string, n int) []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	if account == "" {
		return j.global.tail(n)
	}
	r, ok := j.accounts[account]
	if !ok {
		return nil
	}
	return r.tail(n)
}

// Handler tees slog records into a Journal, routing on the "account" attr,
// and forwards everything to next.
type Handler struct {
	next    slog.Handler
	journal *Journal
	account string // bound by WithAttrs
}

func NewHandler(next slog.Handler, j *Journal) *Handler {
	return &Handler{next: next, journal: j}
}

func (h *Handler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *Handler) Handle(ctx context.Context, rec slog.Record) error {
	account := h.account
	line := rec.Message
	rec.Attrs(func(a slog.Attr) bool {
		if a.Key == "account" {
			account = a.Value.String()
			return true
		}
		line += fmt.Sprintf(" %s=%v", a.Key, a.Value)
		return true
	})
	h.journal.Append(account, fmt.Sprintf("[%s] %s", rec.Time.Format(time.TimeOnly), line))
	return h.next.Handle(ctx, rec)
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	nh := &Handler{next: h.next.WithAttrs(attrs), journal: h.journal, account: h.account}
	for _, a := range attrs {
		if a.Key == "account" {
			nh.account = a.Value.String()
		}
	}
	return nh
}

func (h *Handler) WithGroup(name string) slog.Handler {
	return &Handler{next: h.next.WithGroup(name), journal: h.journal, account: h.account}
}
