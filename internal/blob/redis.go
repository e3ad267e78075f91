package blob

import (
	"context"

	"github.com/pkg/errors"
	r "github.com/redis/go-redis/v9"
)

// Redis stores payloads as redis string values under "blob:{name}" keys.
// Suited to small payloads and deployments that already run redis; not a
// durable backend.
type Redis struct {
	rdb *r.Client
}

func NewRedis(rdb *r.Client) *Redis { return &Redis{rdb: rdb} }

func (s *Redis) PutFile(ctx context.Context, name string, data []byte) error {
	return errors.Wrapf(s.rdb.Set(ctx, "blob:"+name, data, 0).Err(), "storing %s", name)
}

func (s *Redis) GetFile(ctx context.Context, name string) ([]byte, error) {
	data, err := s.rdb.Get(ctx, "blob:"+name).Bytes()
	if errors.Is(err, r.Nil) {
		return nil, ErrNotFound
	}
	return data, errors.Wrapf(err, "fetching %s", name)
}

func (s *Redis) DeleteFile(ctx context.Context, name string) error {
	return errors.Wrapf(s.rdb.Del(ctx, "blob:"+name).Err(), "removing %s", name)
}
