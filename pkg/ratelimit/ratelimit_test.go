package ratelimit

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	extratelimit "github.com/vnmchuo/ratelimiter"
)

type fakeStore struct {
	allowed bool
	err     error
	keys    []string
	tokens  []int
}

func (f *fakeStore) AllowN(_ context.Context, key string, n int) (*extratelimit.Result, error) {
	f.keys = append(f.keys, key)
	f.tokens = append(f.tokens, n)
	return &extratelimit.Result{Allowed: f.allowed}, f.err
}

func (f *fakeStore) Allow(ctx context.Context, key string) (*extratelimit.Result, error) {
	return f.AllowN(ctx, key, 1)
}

func (f *fakeStore) Status(_ context.Context, key string) (*extratelimit.Result, error) {
	f.keys = append(f.keys, key)
	return &extratelimit.Result{Allowed: f.allowed}, f.err
}

func TestLimiter_KeysBySession(t *testing.T) {
	store := &fakeStore{allowed: true}
	l := NewWithStore(store)

	ok, err := l.Allow(context.Background(), "s-1", 500)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = l.Allow(context.Background(), "", 10)
	require.NoError(t, err)
	assert.True(t, ok)

	assert.Equal(t, []string{"tokenspy:ratelimit:s-1", "tokenspy:ratelimit:anonymous"}, store.keys)
	assert.Equal(t, []int{500, 10}, store.tokens)
}

func TestLimiter_Denied(t *testing.T) {
	l := NewWithStore(&fakeStore{allowed: false})
	ok, err := l.Allow(context.Background(), "s-1", 1)
	require.NoError(t, err)
	assert.False(t, ok)

	l = NewWithStore(&fakeStore{err: errors.New("redis down")})
	ok, err = l.Allow(context.Background(), "s-1", 1)
	assert.Error(t, err)
	assert.False(t, ok)
}

func TestLimiter_NilAllows(t *testing.T) {
	var l *Limiter
	ok, err := l.Allow(context.Background(), "s-1", 1_000_000)
	require.NoError(t, err)
	assert.True(t, ok)
}
