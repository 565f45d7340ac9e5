package settings

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingStore struct {
	values map[string]string
	calls  int
}

func (s *countingStore) Get(ctx context.Context, key string) (string, error) {
	s.calls++
	if v, ok := s.values[key]; ok {
		return v, nil
	}
	return "", ErrNotFound
}

type failingStore struct{}

func (failingStore) Get(ctx context.Context, key string) (string, error) {
	return "", errors.New("connection refused")
}

func TestServiceCachesReads(t *testing.T) {
	ctx := context.Background()
	store := &countingStore{values: map[string]string{"MODEL_CHOICE": "gpt-4o-mini"}}
	svc := NewService(store)

	v, ok := svc.Get(ctx, "MODEL_CHOICE")
	require.True(t, ok)
	assert.Equal(t, "gpt-4o-mini", v)

	svc.Get(ctx, "MODEL_CHOICE")
	svc.Get(ctx, "MODEL_CHOICE")
	assert.Equal(t, 1, store.calls, "repeat reads within the TTL hit the cache")
}

func TestServiceCachesMisses(t *testing.T) {
	ctx := context.Background()
	store := &countingStore{values: map[string]string{}}
	svc := NewService(store)

	_, ok := svc.Get(ctx, "ABSENT")
	assert.False(t, ok)
	_, ok = svc.Get(ctx, "ABSENT")
	assert.False(t, ok)
	assert.Equal(t, 1, store.calls, "absence is cached too")
}

func TestServiceInvalidate(t *testing.T) {
	ctx := context.Background()
	store := &countingStore{values: map[string]string{"K": "one"}}
	svc := NewService(store)

	svc.Get(ctx, "K")
	store.values["K"] = "two"
	svc.Invalidate("K")

	v, _ := svc.Get(ctx, "K")
	assert.Equal(t, "two", v)
	assert.Equal(t, 2, store.calls)
}

func TestServiceFailsOpenToEnvironment(t *testing.T) {
	ctx := context.Background()
	svc := NewService(failingStore{})

	t.Setenv("FALLBACK_KEY", "from-env")
	v, ok := svc.Get(ctx, "FALLBACK_KEY")
	require.True(t, ok)
	assert.Equal(t, "from-env", v)

	_, ok = svc.Get(ctx, "TRULY_ABSENT_KEY")
	assert.False(t, ok)
}

func TestServiceTypedAccessors(t *testing.T) {
	ctx := context.Background()
	svc := NewService(NewMapStore(map[string]string{
		"NAME":       "archon",
		"EMPTY":      "",
		"BATCH":      " 50 ",
		"BAD_INT":    "not-a-number",
		"THRESHOLD":  "0.75",
		"FLAG_ON":    "Yes",
		"FLAG_OFF":   "0",
		"FLAG_NOISE": "maybe",
	}))

	assert.Equal(t, "archon", svc.String(ctx, "NAME", "def"))
	assert.Equal(t, "def", svc.String(ctx, "EMPTY", "def"))
	assert.Equal(t, "def", svc.String(ctx, "MISSING", "def"))

	assert.Equal(t, 50, svc.Int(ctx, "BATCH", 10))
	assert.Equal(t, 10, svc.Int(ctx, "BAD_INT", 10))
	assert.Equal(t, 10, svc.Int(ctx, "MISSING", 10))

	assert.Equal(t, 0.75, svc.Float(ctx, "THRESHOLD", 0.5))
	assert.Equal(t, 0.5, svc.Float(ctx, "MISSING", 0.5))

	assert.True(t, svc.Bool(ctx, "FLAG_ON", false))
	assert.False(t, svc.Bool(ctx, "FLAG_OFF", true))
	assert.True(t, svc.Bool(ctx, "FLAG_NOISE", true), "unparseable values keep the default")
	assert.False(t, svc.Bool(ctx, "MISSING", false))
}

func TestEnvStore(t *testing.T) {
	t.Setenv("ENV_STORE_KEY", "value")

	v, err := EnvStore{}.Get(context.Background(), "ENV_STORE_KEY")
	require.NoError(t, err)
	assert.Equal(t, "value", v)

	_, err = EnvStore{}.Get(context.Background(), "ENV_STORE_MISSING")
	assert.ErrorIs(t, err, ErrNotFound)
}
