package settings

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iamwavecut/ngguard/internal/db"
	ngerrors "github.com/iamwavecut/ngguard/internal/errors"
)

type settingsStoreStub struct {
	mu    sync.Mutex
	data  map[string][]byte
	reads atomic.Int32
	err   error
}

func newSettingsStoreStub() *settingsStoreStub {
	return &settingsStoreStub{data: map[string][]byte{}}
}

func (s *settingsStoreStub) GetSetting(_ context.Context, chatID int64, key string) ([]byte, error) {
	s.reads.Add(1)
	if s.err != nil {
		return nil, s.err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data[cacheKey(chatID, key)], nil
}

func (s *settingsStoreStub) SetSetting(_ context.Context, chatID int64, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[cacheKey(chatID, key)] = value
	return nil
}

func (s *settingsStoreStub) DeleteSetting(_ context.Context, chatID int64, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, cacheKey(chatID, key))
	return nil
}

func TestDefaultsWhenMissing(t *testing.T) {
	t.Parallel()

	svc := NewService(newSettingsStoreStub(), 16, time.Minute)
	ctx := context.Background()

	assert.Equal(t, db.DefaultAntispamSettings(), svc.Antispam(ctx, 1))
	assert.Equal(t, db.ActionDelete, svc.LinkPolicy(ctx, 1).DefaultAction())
	assert.Equal(t, db.DefaultNightWindow(), svc.Night(ctx, 1))
	assert.Equal(t, 3, svc.Moderation(ctx, 1).WarnLimit)
	assert.Equal(t, db.ActionWarn, svc.GlobalBlacklist(ctx).Action)
}

func TestSetInvalidatesCache(t *testing.T) {
	t.Parallel()

	store := newSettingsStoreStub()
	svc := NewService(store, 16, time.Minute)
	ctx := context.Background()

	_ = svc.Antispam(ctx, 7)
	_ = svc.Antispam(ctx, 7)
	assert.Equal(t, int32(1), store.reads.Load(), "second read should hit the cache")

	preset, err := svc.ApplyPreset(ctx, 7, db.PresetStrict)
	require.NoError(t, err)
	assert.Equal(t, 5, preset.Threshold)
	assert.Equal(t, 180, svc.Antispam(ctx, 7).MuteSeconds)
}

func TestInvalidBlobFallsBackToDefaults(t *testing.T) {
	t.Parallel()

	store := newSettingsStoreStub()
	require.NoError(t, store.SetSetting(context.Background(), 3, db.SettingsKeyNight, []byte(`{"enabled":true,"from_h":25,"to_h":6}`)))
	require.NoError(t, store.SetSetting(context.Background(), 3, db.SettingsKeyAntispam, []byte(`{not json`)))

	svc := NewService(store, 16, time.Minute)
	ctx := context.Background()

	assert.Equal(t, db.DefaultNightWindow(), svc.Night(ctx, 3))
	assert.Equal(t, db.DefaultAntispamSettings(), svc.Antispam(ctx, 3))
}

func TestSetRejectsInvalidValues(t *testing.T) {
	t.Parallel()

	svc := NewService(newSettingsStoreStub(), 16, time.Minute)
	ctx := context.Background()

	err := svc.Set(ctx, 1, db.SettingsKeyLinks, db.LinkPolicy{
		Action: db.ActionDelete,
		Types:  map[db.LinkCategory]db.Action{"bogus": db.ActionBan},
	})
	assert.True(t, errors.Is(err, ngerrors.ErrInvalidConfig), "got %v", err)

	_, err = svc.ApplyPreset(ctx, 1, "paranoid")
	assert.True(t, errors.Is(err, ngerrors.ErrInvalidInput), "got %v", err)
}

func TestStoreErrorKeepsDefaults(t *testing.T) {
	t.Parallel()

	store := newSettingsStoreStub()
	store.err = errors.New("db down")
	svc := NewService(store, 16, time.Minute)

	assert.Equal(t, db.DefaultModerationSettings(), svc.Moderation(context.Background(), 1))
}
