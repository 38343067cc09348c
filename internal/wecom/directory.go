package wecom

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"time"
)

// Cache is the key/value store the directory keeps lookups in.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// Lookup is the API surface the directory reads through.
type Lookup interface {
	GetUser(ctx context.Context, userID string) (*User, error)
	GetDepartment(ctx context.Context, id int) (*Department, error)
}

type DirectoryConfig struct {
	Lookup Lookup
	Cache  Cache         // nil disables caching
	TTL    time.Duration // default 1h
	Logger *slog.Logger
}

// Directory resolves users and departments, caching results. Cache failures
// only degrade to uncached lookups.
type Directory struct {
	lookup Lookup
	cache  Cache
	ttl    time.Duration
	logger *slog.Logger
}

func NewDirectory(cfg DirectoryConfig) *Directory {
	if cfg.TTL <= 0 {
		cfg.TTL = time.Hour
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Directory{lookup: cfg.Lookup, cache: cfg.Cache, ttl: cfg.TTL, logger: cfg.Logger}
}

func (d *Directory) User(ctx context.Context, userID string) (*User, error) {
	var u User
	key := "wecom:user:" + userID
	if d.cached(ctx, key, &u) {
		return &u, nil
	}
	user, err := d.lookup.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	d.store(ctx, key, user)
	return user, nil
}

func (d *Directory) Department(ctx context.Context, id int) (*Department, error) {
	var dep Department
	key := "wecom:department:" + strconv.Itoa(id)
	if d.cached(ctx, key, &dep) {
		return &dep, nil
	}
	dept, err := d.lookup.GetDepartment(ctx, id)
	if err != nil {
		return nil, err
	}
	d.store(ctx, key, dept)
	return dept, nil
}

// DisplayName returns the user's name, or the id itself if the lookup fails.
func (d *Directory) DisplayName(ctx context.Context, userID string) string {
	u, err := d.User(ctx, userID)
	if err != nil || u.Name == "" {
		if err != nil {
			d.logger.Debug("user lookup failed", "user", userID, "err", err)
		}
		return userID
	}
	return u.Name
}

func (d *Directory) cached(ctx context.Context, key string, out any) bool {
	if d.cache == nil {
		return false
	}
	data, ok, err := d.cache.Get(ctx, key)
	if err != nil {
		d.logger.Warn("directory cache read failed", "key", key, "err", err)
		return false
	}
	if !ok {
		return false
	}
	if err := json.Unmarshal(data, out); err != nil {
		d.logger.Warn("directory cache entry corrupt", "key", key, "err", err)
		return false
	}
	return true
}

func (d *Directory) store(ctx context.Context, key string, v any) {
	if d.cache == nil {
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	if err := d.cache.Set(ctx, key, data, d.ttl); err != nil {
		d.logger.Warn("directory cache write failed", "key", key, "err", err)
	}
}
