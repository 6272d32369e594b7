package website

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

var _ Store = (*MemoryStore)(nil)

// MemoryStore is an in-memory website-state store for tests.
type MemoryStore struct {
	mu     sync.Mutex
	nextID int64

	usersByName map[string]int64

	auths map[int64]*memAuth

	permsByName map[string]*Permission
	grants      map[int64]map[int64]bool // authID -> set of permissionIDs

	tokensByUser map[int64]int

	mods map[int64]int64 // userID -> moderatorID

	onboardingMessages []OnboardingMessage
	progress           map[int64]int

	responses map[string]Response
	settings  map[int64]Settings

	// Events and History record audit writes for assertions.
	Events  []AuditEvent
	History []LetterHistory
}

type memAuth struct {
	id      int64
	userID  int64
	human   bool
	deleted bool
}

// AuditEvent is one recorded permission change.
type AuditEvent struct {
	AuthID       int64
	Type         string
	Reason       string
	ActorUserID  int64
	PermissionID int64
}

// LetterHistory is one recorded letter send.
type LetterHistory struct {
	UserID    int64
	TitleName string
	BodyName  string
}

// NewMemoryStore creates an empty in-memory website store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		nextID:       1,
		usersByName:  map[string]int64{},
		auths:        map[int64]*memAuth{},
		permsByName:  map[string]*Permission{},
		grants:       map[int64]map[int64]bool{},
		tokensByUser: map[int64]int{},
		mods:         map[int64]int64{},
		progress:     map[int64]int{},
		responses:    map[string]Response{},
		settings:     map[int64]Settings{},
	}
}

func (m *MemoryStore) id() int64 {
	id := m.nextID
	m.nextID++
	return id
}

func (m *MemoryStore) FindOrCreateUser(_ context.Context, username string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	username = strings.ToLower(username)
	if id, ok := m.usersByName[username]; ok {
		return id, nil
	}
	id := m.id()
	m.usersByName[username] = id
	return id, nil
}

// AddAuth seeds a password authentication for tests and returns its id.
func (m *MemoryStore) AddAuth(userID int64, human bool) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.id()
	m.auths[id] = &memAuth{id: id, userID: userID, human: human}
	return id
}

// AddToken seeds n active sessions for the user.
func (m *MemoryStore) AddToken(userID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokensByUser[userID]++
}

// TokenCount reports the user's active sessions.
func (m *MemoryStore) TokenCount(userID int64) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tokensByUser[userID]
}

func (m *MemoryStore) HumanAuth(_ context.Context, userID int64) (int64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var best int64
	for _, a := range m.auths {
		if a.userID == userID && a.human && !a.deleted && a.id > best {
			best = a.id
		}
	}
	return best, best != 0, nil
}

func (m *MemoryStore) AuthsForUser(_ context.Context, userID int64) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []int64
	for _, a := range m.auths {
		if a.userID == userID && !a.deleted {
			ids = append(ids, a.id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (m *MemoryStore) EnsurePermission(_ context.Context, name, description string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.permsByName[name]; ok {
		return p.ID, nil
	}
	p := &Permission{ID: m.id(), Name: name, Description: description}
	m.permsByName[name] = p
	return p.ID, nil
}

func (m *MemoryStore) AllPermissions(_ context.Context) ([]Permission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var perms []Permission
	for _, p := range m.permsByName {
		perms = append(perms, *p)
	}
	sort.Slice(perms, func(i, j int) bool { return perms[i].ID < perms[j].ID })
	return perms, nil
}

func (m *MemoryStore) PermissionNamesOnAuth(_ context.Context, authID int64) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var names []string
	for name, p := range m.permsByName {
		if m.grants[authID][p.ID] {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}

func (m *MemoryStore) GrantPermission(_ context.Context, authID, permissionID, actorUserID int64, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.grants[authID] == nil {
		m.grants[authID] = map[int64]bool{}
	}
	if m.grants[authID][permissionID] {
		return nil
	}
	m.grants[authID][permissionID] = true
	m.Events = append(m.Events, AuditEvent{
		AuthID: authID, Type: EventPermissionGranted, Reason: reason,
		ActorUserID: actorUserID, PermissionID: permissionID,
	})
	return nil
}

func (m *MemoryStore) RevokePermission(_ context.Context, authID, permissionID, actorUserID int64, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.grants[authID][permissionID] {
		return nil
	}
	delete(m.grants[authID], permissionID)
	m.Events = append(m.Events, AuditEvent{
		AuthID: authID, Type: EventPermissionRevoked, Reason: reason,
		ActorUserID: actorUserID, PermissionID: permissionID,
	})
	return nil
}

func (m *MemoryStore) DeleteAuthTokens(_ context.Context, userID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tokensByUser, userID)
	return nil
}

func (m *MemoryStore) IsModerator(_ context.Context, userID int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.mods[userID]
	return ok, nil
}

func (m *MemoryStore) AddModerator(_ context.Context, userID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.mods[userID]; !ok {
		m.mods[userID] = m.id()
	}
	return nil
}

func (m *MemoryStore) RemoveModerator(_ context.Context, userID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.mods, userID)
	return nil
}

func (m *MemoryStore) ListModerators(_ context.Context) ([]Moderator, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	byID := map[int64]string{}
	for name, id := range m.usersByName {
		byID[id] = name
	}
	var mods []Moderator
	for userID, modID := range m.mods {
		mods = append(mods, Moderator{ID: modID, UserID: userID, Username: byID[userID]})
	}
	sort.Slice(mods, func(i, j int) bool { return mods[i].ID < mods[j].ID })
	return mods, nil
}

// AddOnboardingMessage seeds one campaign letter for tests.
func (m *MemoryStore) AddOnboardingMessage(order int, titleName, title, bodyName, body string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	titleID, bodyID := m.id(), m.id()
	m.responses[titleName] = Response{ID: titleID, Name: titleName, Body: title}
	m.responses[bodyName] = Response{ID: bodyID, Name: bodyName, Body: body}
	m.onboardingMessages = append(m.onboardingMessages, OnboardingMessage{
		MsgOrder: order,
		TitleID:  titleID, TitleName: titleName, Title: title,
		BodyID: bodyID, BodyName: bodyName, Body: body,
	})
	sort.Slice(m.onboardingMessages, func(i, j int) bool {
		return m.onboardingMessages[i].MsgOrder < m.onboardingMessages[j].MsgOrder
	})
}

func (m *MemoryStore) MaxOnboardingOrder(_ context.Context) (int, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.onboardingMessages) == 0 {
		return 0, false, nil
	}
	return m.onboardingMessages[len(m.onboardingMessages)-1].MsgOrder, true, nil
}

func (m *MemoryStore) OnboardingProgress(_ context.Context, moderatorID int64) (int, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	order, ok := m.progress[moderatorID]
	return order, ok, nil
}

func (m *MemoryStore) SetOnboardingProgress(_ context.Context, moderatorID int64, order int, _ time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.progress[moderatorID] = order
	return nil
}

func (m *MemoryStore) NextOnboardingMessage(_ context.Context, afterOrder int) (*OnboardingMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.onboardingMessages {
		if m.onboardingMessages[i].MsgOrder > afterOrder {
			cp := m.onboardingMessages[i]
			return &cp, nil
		}
	}
	return nil, nil
}

// AddResponse seeds a template row for tests.
func (m *MemoryStore) AddResponse(name, body string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses[name] = Response{ID: m.id(), Name: name, Body: body}
}

func (m *MemoryStore) ResponseByName(_ context.Context, name string) (Response, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.responses[name]
	return r, ok, nil
}

func (m *MemoryStore) InsertLetterHistory(_ context.Context, userID int64, _ int64, titleName string, _ int64, bodyName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.History = append(m.History, LetterHistory{UserID: userID, TitleName: titleName, BodyName: bodyName})
	return nil
}

// SetSettings seeds a user's settings row for tests.
func (m *MemoryStore) SetSettings(userID int64, s Settings) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settings[userID] = s
}

func (m *MemoryStore) UserSettings(_ context.Context, userID int64) (Settings, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.settings[userID], nil
}
