package kv

import (
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Open opens a Store from a database URI:
//
//	badger:///var/lib/idx          on-disk badger
//	badger://?inmemory=true        in-memory badger
//	bolt:///var/lib/idx/index.db   bbolt file
//	memory+kv://                   Memory
//
// Query parameters: "sync" (badger SyncWrites), "timeout" (bolt file-lock
// wait, Go duration).
func Open(rawURL string, logger *slog.Logger) (Store, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("kv: parse %q: %w", rawURL, err)
	}
	q := u.Query()
	path := u.Host + u.Path
	switch strings.ToLower(u.Scheme) {
	case "badger":
		inMem, _ := strconv.ParseBool(q.Get("inmemory"))
		sync, _ := strconv.ParseBool(q.Get("sync"))
		return NewBadger(BadgerOptions{
			Dir:        path,
			InMemory:   inMem,
			SyncWrites: sync,
			Logger:     logger,
		})
	case "bolt":
		var timeout time.Duration
		if s := q.Get("timeout"); s != "" {
			if timeout, err = time.ParseDuration(s); err != nil {
				return nil, fmt.Errorf("kv: bad timeout %q: %w", s, err)
			}
		}
		return NewBolt(BoltOptions{Path: path, Timeout: timeout})
	case "memory+kv":
		return NewMemory(nil), nil
	default:
		return nil, fmt.Errorf("kv: unsupported database scheme %q", u.Scheme)
	}
}
