package moderation

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/iamwavecut/ngguard/internal/db"
)

type gatewayStub struct {
	mu      sync.Mutex
	calls   []string
	texts   []string
	until   []time.Time
	failOps map[string]error
}

func (g *gatewayStub) add(op string, call string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, call)
	return g.failOps[op]
}

func (g *gatewayStub) Calls() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.calls...)
}

func (g *gatewayStub) Texts() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.texts...)
}

func (g *gatewayStub) DeleteMessage(_ context.Context, chatID int64, messageID int) error {
	return g.add("delete", fmt.Sprintf("delete:%d:%d", chatID, messageID))
}

func (g *gatewayStub) RestrictMember(_ context.Context, chatID, userID int64, canSend bool, until time.Time) error {
	g.mu.Lock()
	g.until = append(g.until, until)
	g.mu.Unlock()
	return g.add("restrict", fmt.Sprintf("restrict:%d:%d:%t", chatID, userID, canSend))
}

func (g *gatewayStub) RestoreMember(_ context.Context, chatID, userID int64) error {
	return g.add("restore", fmt.Sprintf("restore:%d:%d", chatID, userID))
}

func (g *gatewayStub) BanMember(_ context.Context, chatID, userID int64, until time.Time) error {
	g.mu.Lock()
	g.until = append(g.until, until)
	g.mu.Unlock()
	return g.add("ban", fmt.Sprintf("ban:%d:%d", chatID, userID))
}

func (g *gatewayStub) UnbanMember(_ context.Context, chatID, userID int64, onlyIfBanned bool) error {
	return g.add("unban", fmt.Sprintf("unban:%d:%d:%t", chatID, userID, onlyIfBanned))
}

func (g *gatewayStub) SendMessage(_ context.Context, chatID int64, text string) (int, error) {
	g.mu.Lock()
	g.texts = append(g.texts, text)
	g.mu.Unlock()
	return 1, g.add("send", fmt.Sprintf("send:%d", chatID))
}

func (g *gatewayStub) ReplyMessage(_ context.Context, chatID int64, replyTo int, text string) (int, error) {
	g.mu.Lock()
	g.texts = append(g.texts, text)
	g.mu.Unlock()
	return 1, g.add("reply", fmt.Sprintf("reply:%d:%d", chatID, replyTo))
}

func (g *gatewayStub) ApproveJoinRequest(_ context.Context, chatID, userID int64) error {
	return g.add("approve", fmt.Sprintf("approve:%d:%d", chatID, userID))
}

func (g *gatewayStub) DeclineJoinRequest(_ context.Context, chatID, userID int64) error {
	return g.add("decline", fmt.Sprintf("decline:%d:%d", chatID, userID))
}

type settingsStub struct {
	antispam   db.AntispamSettings
	links      db.LinkPolicy
	night      db.NightWindow
	moderation db.ModerationSettings
	locks      db.LockSettings
	blacklist  db.GlobalBlacklist
}

func newSettingsStub() *settingsStub {
	return &settingsStub{
		antispam:   db.DefaultAntispamSettings(),
		links:      db.DefaultLinkPolicy(),
		moderation: db.DefaultModerationSettings(),
		blacklist:  db.DefaultGlobalBlacklist(),
	}
}

func (s *settingsStub) Antispam(context.Context, int64) db.AntispamSettings     { return s.antispam }
func (s *settingsStub) LinkPolicy(context.Context, int64) db.LinkPolicy         { return s.links }
func (s *settingsStub) Night(context.Context, int64) db.NightWindow             { return s.night }
func (s *settingsStub) Moderation(context.Context, int64) db.ModerationSettings { return s.moderation }
func (s *settingsStub) Locks(context.Context, int64) db.LockSettings            { return s.locks }
func (s *settingsStub) GlobalBlacklist(context.Context) db.GlobalBlacklist      { return s.blacklist }

type warnStoreStub struct {
	mu    sync.Mutex
	warns map[[2]int64]int
}

func newWarnStoreStub() *warnStoreStub {
	return &warnStoreStub{warns: map[[2]int64]int{}}
}

func (s *warnStoreStub) AddWarn(_ context.Context, chatID, userID int64, _ time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.warns[[2]int64{chatID, userID}]++
	return s.warns[[2]int64{chatID, userID}], nil
}

func (s *warnStoreStub) CountWarns(_ context.Context, chatID, userID int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.warns[[2]int64{chatID, userID}], nil
}

func (s *warnStoreStub) RemoveLatestWarn(_ context.Context, chatID, userID int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := [2]int64{chatID, userID}
	if s.warns[key] == 0 {
		return false, nil
	}
	s.warns[key]--
	return true, nil
}

func (s *warnStoreStub) ResetWarns(_ context.Context, chatID, userID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.warns, [2]int64{chatID, userID})
	return nil
}

type violatorStoreStub struct {
	mu   sync.Mutex
	recs map[int64]*db.GlobalViolator
}

func newViolatorStoreStub() *violatorStoreStub {
	return &violatorStoreStub{recs: map[int64]*db.GlobalViolator{}}
}

func (s *violatorStoreStub) UpsertViolator(_ context.Context, userID int64, merge db.ViolatorMerge) (*db.GlobalViolator, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := merge(s.recs[userID])
	next.UserID = userID
	s.recs[userID] = next
	return next, nil
}

func (s *violatorStoreStub) GetViolator(_ context.Context, userID int64) (*db.GlobalViolator, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recs[userID], nil
}

func (s *violatorStoreStub) DeleteViolator(_ context.Context, userID int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.recs[userID]
	delete(s.recs, userID)
	return ok, nil
}

func (s *violatorStoreStub) ListViolators(_ context.Context, limit int) ([]*db.GlobalViolator, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*db.GlobalViolator, 0, len(s.recs))
	for _, rec := range s.recs {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *violatorStoreStub) DeleteExpiredViolators(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, rec := range s.recs {
		if rec.Expired(now) {
			delete(s.recs, id)
			n++
		}
	}
	return n, nil
}

func (s *violatorStoreStub) ClearViolators(context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := int64(len(s.recs))
	s.recs = map[int64]*db.GlobalViolator{}
	return n, nil
}

type auditStub struct {
	mu      sync.Mutex
	entries []*db.AuditEntry
}

func (a *auditStub) AddAudit(_ context.Context, entry *db.AuditEntry) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, entry)
	return nil
}

func (a *auditStub) ListAudit(_ context.Context, chatID int64, limit int) ([]*db.AuditEntry, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []*db.AuditEntry
	for _, e := range a.entries {
		if e.ChatID == chatID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (a *auditStub) Actions() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.entries))
	for _, e := range a.entries {
		out = append(out, e.Action)
	}
	return out
}

type fixture struct {
	gateway   *gatewayStub
	settings  *settingsStub
	warnStore *warnStoreStub
	violStore *violatorStoreStub
	audit     *auditStub
	warns     *WarnTracker
	executor  *Executor
	violators *Violators
}

func newFixture() *fixture {
	f := &fixture{
		gateway:   &gatewayStub{},
		settings:  newSettingsStub(),
		warnStore: newWarnStoreStub(),
		violStore: newViolatorStoreStub(),
		audit:     &auditStub{},
	}
	f.warns = NewWarnTracker(f.warnStore, f.settings, f.gateway)
	f.executor = NewExecutor(f.gateway, f.settings, f.warns, f.audit)
	f.violators = NewViolators(f.violStore, f.executor)
	f.violators.sleep = func(context.Context, time.Duration) error { return nil }
	return f
}
