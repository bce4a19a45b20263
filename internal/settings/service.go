package settings

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/hashicorp/golang-lru/v2/expirable"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/iamwavecut/ngguard/internal/db"
	ngerrors "github.com/iamwavecut/ngguard/internal/errors"
)

// Service reads and writes typed per-chat settings blobs. Reads go through an
// expiring LRU; concurrent misses for one blob share a single store read.
type Service struct {
	store    db.SettingsStore
	cache    *expirable.LRU[string, []byte]
	group    singleflight.Group
	validate *validator.Validate
}

func NewService(store db.SettingsStore, cacheSize int, ttl time.Duration) *Service {
	return &Service{
		store:    store,
		cache:    expirable.NewLRU[string, []byte](cacheSize, nil, ttl),
		validate: validator.New(),
	}
}

func (s *Service) getLogEntry() *log.Entry {
	return log.WithField("object", "SettingsService")
}

func (s *Service) Antispam(ctx context.Context, chatID int64) db.AntispamSettings {
	cfg := db.DefaultAntispamSettings()
	s.load(ctx, chatID, db.SettingsKeyAntispam, &cfg, db.DefaultAntispamSettings())
	return cfg
}

func (s *Service) LinkPolicy(ctx context.Context, chatID int64) db.LinkPolicy {
	cfg := db.DefaultLinkPolicy()
	s.load(ctx, chatID, db.SettingsKeyLinks, &cfg, db.DefaultLinkPolicy())
	return cfg
}

func (s *Service) Night(ctx context.Context, chatID int64) db.NightWindow {
	cfg := db.DefaultNightWindow()
	s.load(ctx, chatID, db.SettingsKeyNight, &cfg, db.DefaultNightWindow())
	return cfg
}

func (s *Service) Moderation(ctx context.Context, chatID int64) db.ModerationSettings {
	cfg := db.DefaultModerationSettings()
	s.load(ctx, chatID, db.SettingsKeyModeration, &cfg, db.DefaultModerationSettings())
	return cfg
}

func (s *Service) Locks(ctx context.Context, chatID int64) db.LockSettings {
	cfg := db.LockSettings{}
	s.load(ctx, chatID, db.SettingsKeyLocks, &cfg, db.LockSettings{})
	return cfg
}

func (s *Service) GlobalBlacklist(ctx context.Context) db.GlobalBlacklist {
	cfg := db.DefaultGlobalBlacklist()
	s.load(ctx, db.GlobalSettingsChat, db.SettingsKeyGlobalBlacklist, &cfg, db.DefaultGlobalBlacklist())
	return cfg
}

// Set validates value and stores it under key for chatID.
func (s *Service) Set(ctx context.Context, chatID int64, key string, value any) error {
	if err := s.validate.Struct(value); err != nil {
		return fmt.Errorf("%w: %s: %v", ngerrors.ErrInvalidConfig, key, err)
	}
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	if err := s.store.SetSetting(ctx, chatID, key, data); err != nil {
		return err
	}
	s.cache.Remove(cacheKey(chatID, key))
	return nil
}

func (s *Service) Reset(ctx context.Context, chatID int64, key string) error {
	if err := s.store.DeleteSetting(ctx, chatID, key); err != nil {
		return err
	}
	s.cache.Remove(cacheKey(chatID, key))
	return nil
}

// ApplyPreset stores one of the named antispam presets.
func (s *Service) ApplyPreset(ctx context.Context, chatID int64, name string) (db.AntispamSettings, error) {
	preset, err := db.AntispamPreset(name)
	if err != nil {
		return db.AntispamSettings{}, fmt.Errorf("%w: %v", ngerrors.ErrInvalidInput, err)
	}
	return preset, s.Set(ctx, chatID, db.SettingsKeyAntispam, preset)
}

// load fills target from the stored blob. Missing, unreadable or invalid blobs leave
// fallback in place.
func (s *Service) load(ctx context.Context, chatID int64, key string, target any, fallback any) {
	entry := s.getLogEntry().WithFields(log.Fields{
		"method":  "load",
		"chat_id": chatID,
		"key":     key,
	})

	data, err := s.raw(ctx, chatID, key)
	if err != nil {
		entry.WithField("error", err.Error()).Error("failed to read settings")
		return
	}
	if len(data) == 0 {
		return
	}
	if err := json.Unmarshal(data, target); err != nil {
		entry.WithField("error", err.Error()).Warn("malformed settings blob, using defaults")
		resetTo(target, fallback)
		return
	}
	if err := s.validate.Struct(target); err != nil {
		entry.WithField("error", fmt.Errorf("%w: %v", ngerrors.ErrInvalidConfig, err).Error()).Warn("invalid settings blob, using defaults")
		resetTo(target, fallback)
	}
}

func (s *Service) raw(ctx context.Context, chatID int64, key string) ([]byte, error) {
	ck := cacheKey(chatID, key)
	if data, ok := s.cache.Get(ck); ok {
		return data, nil
	}
	v, err, _ := s.group.Do(ck, func() (any, error) {
		data, err := s.store.GetSetting(ctx, chatID, key)
		if err != nil {
			return nil, err
		}
		s.cache.Add(ck, data)
		return data, nil
	})
	if err != nil {
		return nil, err
	}
	data, _ := v.([]byte)
	return data, nil
}

func resetTo(target any, fallback any) {
	reflect.ValueOf(target).Elem().Set(reflect.ValueOf(fallback))
}

func cacheKey(chatID int64, key string) string {
	return strconv.FormatInt(chatID, 10) + "/" + key
}
