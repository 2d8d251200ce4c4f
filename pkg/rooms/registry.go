// Package rooms tracks ephemeral jam rooms: who is in them, what role they
// hold, the chat history, the metronome and the room settings. Empty rooms
// are deleted after a grace period unless someone joins again.
package rooms

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/NicolasHaas/gojam/pkg/logging"
	"github.com/NicolasHaas/gojam/pkg/model"
	"github.com/NicolasHaas/gojam/pkg/rbac"
)

// DeleteAfter is how long an empty room survives.
const DeleteAfter = 5 * time.Minute

var (
	ErrInvalidName       = errors.New("rooms: invalid room name")
	ErrRoomExists        = errors.New("rooms: room already exists")
	ErrNotFound          = errors.New("rooms: room not found")
	ErrWrongPassword     = errors.New("rooms: wrong room password")
	ErrRoomFull          = errors.New("rooms: room is full")
	ErrDuplicateUsername = errors.New("rooms: username already in room")
	ErrNotMember         = errors.New("rooms: not a member of this room")
	ErrForbidden         = errors.New("rooms: forbidden")
	ErrInvalidMessage    = errors.New("rooms: invalid chat message")
	ErrInvalidRole       = errors.New("rooms: invalid role")
	ErrInvalidBPM        = errors.New("rooms: bpm out of range")
	ErrUnknownSetting    = errors.New("rooms: unknown setting")
	ErrInvalidSetting    = errors.New("rooms: invalid setting value")
)

// Timer is the part of *time.Timer the registry uses.
type Timer interface {
	Stop() bool
}

// AfterFunc schedules f after d. time.AfterFunc satisfies it once wrapped.
type AfterFunc func(d time.Duration, f func()) Timer

func realAfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

// Member is one connection in a room.
type Member struct {
	ConnID   string     `json:"id"`
	Username string     `json:"username"`
	Avatar   string     `json:"avatar,omitempty"`
	Role     model.Role `json:"role"`
}

// Metronome is the shared click state of a room.
type Metronome struct {
	BPM       int       `json:"bpm"`
	Playing   bool      `json:"playing"`
	StartedAt time.Time `json:"startedAt,omitzero"`
}

// CreateOptions are the caller-supplied settings for a new room.
type CreateOptions struct {
	MaxUsers  int
	IsPrivate bool
}

// Snapshot is a copy of a room's state, as sent to a client after joining.
type Snapshot struct {
	Name              string              `json:"name"`
	Creator           string              `json:"creator"`
	HasPassword       bool                `json:"hasPassword"`
	Members           []Member            `json:"members"`
	Chat              []model.ChatMessage `json:"chat"`
	Metronome         Metronome           `json:"metronome"`
	Settings          Settings            `json:"settings"`
	DelayCompensation bool                `json:"delayCompensation"`
	SFU               bool                `json:"sfu"`
}

// Summary is a room as shown in the lobby listing.
type Summary struct {
	Name        string `json:"name"`
	Users       int    `json:"users"`
	MaxUsers    int    `json:"maxUsers"`
	HasPassword bool   `json:"hasPassword"`
	IsPrivate   bool   `json:"isPrivate"`
	Creator     string `json:"creator"`
	AudioMode   string `json:"audioMode"`
}

type room struct {
	name         string
	passwordHash []byte
	creatorID    string
	creatorName  string

	members map[string]*Member // connID -> member; the role lives on the member

	chat      []model.ChatMessage
	nextMsgID uint64
	metronome Metronome
	settings  Settings
	delayComp bool
	sfu       bool

	deleteTimer Timer
	gen         uint64 // bumped whenever the deletion timer is armed or cancelled
}

// Options configures a Registry.
type Options struct {
	DeleteAfter time.Duration // zero means DeleteAfter
	AfterFunc   AfterFunc     // nil means time.AfterFunc
	Now         func() time.Time
	BcryptCost  int // zero means bcrypt.DefaultCost
	Logger      *slog.Logger
}

// Registry owns every room.
type Registry struct {
	mu       sync.Mutex
	rooms    map[string]*room
	onDelete []func(name string)

	deleteAfter time.Duration
	afterFunc   AfterFunc
	now         func() time.Time
	bcryptCost  int
	logger      *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(opts Options) *Registry {
	if opts.DeleteAfter <= 0 {
		opts.DeleteAfter = DeleteAfter
	}
	if opts.AfterFunc == nil {
		opts.AfterFunc = realAfterFunc
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.BcryptCost == 0 {
		opts.BcryptCost = bcrypt.DefaultCost
	}
	if opts.Logger == nil {
		opts.Logger = logging.Component("rooms")
	}
	return &Registry{
		rooms:       make(map[string]*room),
		deleteAfter: opts.DeleteAfter,
		afterFunc:   opts.AfterFunc,
		now:         opts.Now,
		bcryptCost:  opts.BcryptCost,
		logger:      opts.Logger,
	}
}

// OnDelete registers fn to run after a room is removed, by timer or by Close.
// Callbacks run without the registry lock held.
func (r *Registry) OnDelete(fn func(name string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onDelete = append(r.onDelete, fn)
}

// Create makes a new, empty room and arms its deletion timer.
func (r *Registry) Create(name, creatorID, creatorUsername, password string, opts CreateOptions) (Snapshot, error) {
	clean, err := model.SanitizeRoomName(name)
	if err != nil {
		return Snapshot{}, fmt.Errorf("%w: %v", ErrInvalidName, err)
	}
	hash, err := r.hashPassword(password)
	if err != nil {
		return Snapshot{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.rooms[clean]; exists {
		return Snapshot{}, ErrRoomExists
	}
	return r.createLocked(clean, hash, creatorID, creatorUsername, opts).snapshot(), nil
}

// JoinOrCreate joins the room, creating it with connID as creator when it
// does not exist. Lookup, creation and join happen under one lock, so an
// expiring room is either joined before it goes or re-created.
func (r *Registry) JoinOrCreate(name, connID, username, avatar, password string, opts CreateOptions) (role model.Role, created bool, err error) {
	clean, err := model.SanitizeRoomName(name)
	if err != nil {
		return 0, false, fmt.Errorf("%w: %v", ErrInvalidName, err)
	}

	var hash []byte
	for {
		r.mu.Lock()
		rm, ok := r.rooms[clean]
		if !ok {
			if password != "" && hash == nil {
				// Hash outside the lock, then look again.
				r.mu.Unlock()
				if hash, err = r.hashPassword(password); err != nil {
					return 0, false, err
				}
				continue
			}
			rm = r.createLocked(clean, hash, connID, username, opts)
			created = true
		}
		role, err = r.joinLocked(rm, connID, username, avatar, password)
		r.mu.Unlock()
		return role, created, err
	}
}

func (r *Registry) hashPassword(password string) ([]byte, error) {
	if password == "" {
		return nil, nil
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), r.bcryptCost)
	if err != nil {
		return nil, fmt.Errorf("rooms: hash password: %w", err)
	}
	return hash, nil
}

func (r *Registry) createLocked(name string, hash []byte, creatorID, creatorUsername string, opts CreateOptions) *room {
	rm := &room{
		name:         name,
		passwordHash: hash,
		creatorID:    creatorID,
		creatorName:  creatorUsername,
		members:      make(map[string]*Member),
		metronome:    Metronome{BPM: model.MetronomeDefaultBPM},
		settings: Settings{
			MaxUsers:   model.ClampMaxUsers(opts.MaxUsers),
			IsPrivate:  opts.IsPrivate,
			AudioMode:  AudioMusic,
			Bitrate:    model.RoomDefaultBitrate,
			SampleRate: model.RoomDefaultRate,
			SyncMode:   SyncNone,
		},
	}
	r.rooms[name] = rm
	r.scheduleDeleteLocked(rm)
	r.logger.Info("room created", "room", name, "creator", creatorUsername, "private", opts.IsPrivate)
	return rm
}

// Exists reports whether a room is registered under name.
func (r *Registry) Exists(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.rooms[name]
	return ok
}

// Join adds connID to the room. The creator's connection joins as host,
// everyone else as performer.
func (r *Registry) Join(name, connID, username, avatar, password string) (model.Role, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm, ok := r.rooms[name]
	if !ok {
		return 0, ErrNotFound
	}
	return r.joinLocked(rm, connID, username, avatar, password)
}

func (r *Registry) joinLocked(rm *room, connID, username, avatar, password string) (model.Role, error) {
	if _, already := rm.members[connID]; already {
		return rm.members[connID].Role, nil
	}
	if len(rm.passwordHash) > 0 && len(rm.members) > 0 {
		if bcrypt.CompareHashAndPassword(rm.passwordHash, []byte(password)) != nil {
			return 0, ErrWrongPassword
		}
	}
	if len(rm.members) >= rm.settings.MaxUsers {
		return 0, ErrRoomFull
	}
	for _, m := range rm.members {
		if m.Username == username {
			return 0, ErrDuplicateUsername
		}
	}

	role := model.RolePerformer
	if connID == rm.creatorID {
		role = model.RoleHost
	}
	rm.members[connID] = &Member{ConnID: connID, Username: username, Avatar: avatar, Role: role}
	r.cancelDeleteLocked(rm)
	return role, nil
}

// Leave removes connID from the room. An emptied room is scheduled for
// deletion.
func (r *Registry) Leave(name, connID string) (Member, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm, ok := r.rooms[name]
	if !ok {
		return Member{}, ErrNotFound
	}
	m, ok := rm.members[connID]
	if !ok {
		return Member{}, ErrNotMember
	}
	delete(rm.members, connID)
	if len(rm.members) == 0 {
		r.scheduleDeleteLocked(rm)
	}
	return *m, nil
}

func (r *Registry) scheduleDeleteLocked(rm *room) {
	if rm.deleteTimer != nil {
		rm.deleteTimer.Stop()
	}
	rm.gen++
	gen := rm.gen
	rm.deleteTimer = r.afterFunc(r.deleteAfter, func() { r.expire(rm, gen) })
}

func (r *Registry) cancelDeleteLocked(rm *room) {
	if rm.deleteTimer == nil {
		return
	}
	rm.deleteTimer.Stop()
	rm.deleteTimer = nil
	rm.gen++
}

func (r *Registry) expire(rm *room, gen uint64) {
	r.mu.Lock()
	cur, ok := r.rooms[rm.name]
	if !ok || cur != rm || rm.gen != gen || len(rm.members) > 0 {
		r.mu.Unlock()
		return
	}
	delete(r.rooms, rm.name)
	rm.deleteTimer = nil
	callbacks := append([]func(string){}, r.onDelete...)
	r.mu.Unlock()

	r.logger.Info("empty room deleted", "room", rm.name)
	for _, fn := range callbacks {
		fn(rm.name)
	}
}

// AddMessage appends a chat message and returns it with its id and time.
func (r *Registry) AddMessage(name, username, text string) (model.ChatMessage, error) {
	msg := model.ChatMessage{Username: username, Text: model.SanitizeText(text)}
	if err := msg.Validate(); err != nil {
		return model.ChatMessage{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	rm, ok := r.rooms[name]
	if !ok {
		return model.ChatMessage{}, ErrNotFound
	}
	rm.nextMsgID++
	msg.ID = rm.nextMsgID
	msg.Timestamp = r.now()
	rm.chat = append(rm.chat, msg)
	if over := len(rm.chat) - model.RoomChatHistory; over > 0 {
		rm.chat = append(rm.chat[:0:0], rm.chat[over:]...)
	}
	return msg, nil
}

// UpdateSetting applies s. Only the room creator or an admin may do this.
func (r *Registry) UpdateSetting(name, callerConnID string, isAdmin bool, s Setting) (Settings, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm, ok := r.rooms[name]
	if !ok {
		return Settings{}, ErrNotFound
	}
	if !isAdmin && callerConnID != rm.creatorID {
		return Settings{}, fmt.Errorf("%w: only the room creator can change settings", ErrForbidden)
	}
	s.apply(&rm.settings)
	return rm.settings, nil
}

// ChangeRole sets target's role to performer or listener. The caller must be
// the host or an admin, and the host itself cannot be re-roled.
func (r *Registry) ChangeRole(name, callerConnID string, isAdmin bool, targetConnID string, role model.Role) (Member, error) {
	if role != model.RolePerformer && role != model.RoleListener {
		return Member{}, ErrInvalidRole
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	rm, ok := r.rooms[name]
	if !ok {
		return Member{}, ErrNotFound
	}
	if !isAdmin {
		caller, ok := rm.members[callerConnID]
		if !ok || !rbac.HasPermission(caller.Role, rbac.PermChangeRoles) {
			return Member{}, fmt.Errorf("%w: %s", ErrForbidden, rbac.RequirePermission(roleOf(caller), rbac.PermChangeRoles))
		}
	}
	target, ok := rm.members[targetConnID]
	if !ok {
		return Member{}, ErrNotMember
	}
	if target.Role == model.RoleHost {
		return Member{}, fmt.Errorf("%w: cannot change the host's role", ErrForbidden)
	}
	target.Role = role
	return *target, nil
}

// SetMetronome updates the metronome. Hosts and performers may do this.
func (r *Registry) SetMetronome(name, connID string, bpm int, playing bool) (Metronome, error) {
	if bpm < model.MetronomeMinBPM || bpm > model.MetronomeMaxBPM {
		return Metronome{}, ErrInvalidBPM
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	rm, ok := r.rooms[name]
	if !ok {
		return Metronome{}, ErrNotFound
	}
	m, ok := rm.members[connID]
	if !ok {
		return Metronome{}, ErrNotMember
	}
	if msg := rbac.RequirePermission(m.Role, rbac.PermControlMetronome); msg != "" {
		return Metronome{}, fmt.Errorf("%w: %s", ErrForbidden, msg)
	}
	if playing && !rm.metronome.Playing {
		rm.metronome.StartedAt = r.now()
	}
	if !playing {
		rm.metronome.StartedAt = time.Time{}
	}
	rm.metronome.BPM = bpm
	rm.metronome.Playing = playing
	return rm.metronome, nil
}

// SetDelayCompensation toggles latency compensation. Creator or admin only.
func (r *Registry) SetDelayCompensation(name, callerConnID string, isAdmin, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm, ok := r.rooms[name]
	if !ok {
		return ErrNotFound
	}
	if !isAdmin && callerConnID != rm.creatorID {
		return fmt.Errorf("%w: only the room creator can toggle delay compensation", ErrForbidden)
	}
	rm.delayComp = enabled
	return nil
}

// SetSFU records whether the room mixes through the server. Host or admin only.
func (r *Registry) SetSFU(name, callerConnID string, isAdmin, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm, ok := r.rooms[name]
	if !ok {
		return ErrNotFound
	}
	if !isAdmin {
		caller, ok := rm.members[callerConnID]
		if !ok || !rbac.HasPermission(caller.Role, rbac.PermToggleSFU) {
			return fmt.Errorf("%w: %s", ErrForbidden, rbac.RequirePermission(roleOf(caller), rbac.PermToggleSFU))
		}
	}
	rm.sfu = enabled
	return nil
}

// Close removes the room at once and returns the members that were in it.
// Creator or admin only.
func (r *Registry) Close(name, callerConnID string, isAdmin bool) ([]Member, error) {
	r.mu.Lock()
	rm, ok := r.rooms[name]
	if !ok {
		r.mu.Unlock()
		return nil, ErrNotFound
	}
	if !isAdmin && callerConnID != rm.creatorID {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: only the room creator can close the room", ErrForbidden)
	}
	r.cancelDeleteLocked(rm)
	delete(r.rooms, name)
	evicted := rm.memberList()
	callbacks := append([]func(string){}, r.onDelete...)
	r.mu.Unlock()

	r.logger.Info("room closed", "room", name, "members", len(evicted))
	for _, fn := range callbacks {
		fn(name)
	}
	return evicted, nil
}

// AssignHost makes targetConnID the host and creator of the room. The
// previous host, if still present, becomes a performer. It returns the
// previous host's connection id, empty when there was none.
func (r *Registry) AssignHost(name, targetConnID string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm, ok := r.rooms[name]
	if !ok {
		return "", ErrNotFound
	}
	target, ok := rm.members[targetConnID]
	if !ok {
		return "", ErrNotMember
	}
	var previous string
	for id, m := range rm.members {
		if m.Role == model.RoleHost && id != targetConnID {
			m.Role = model.RolePerformer
			previous = id
		}
	}
	target.Role = model.RoleHost
	rm.creatorID = targetConnID
	rm.creatorName = target.Username
	return previous, nil
}

// Member returns connID's membership in the room.
func (r *Registry) Member(name, connID string) (Member, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rm, ok := r.rooms[name]
	if !ok {
		return Member{}, false
	}
	m, ok := rm.members[connID]
	if !ok {
		return Member{}, false
	}
	return *m, true
}

// Members lists the room's members ordered by username.
func (r *Registry) Members(name string) []Member {
	r.mu.Lock()
	defer r.mu.Unlock()
	rm, ok := r.rooms[name]
	if !ok {
		return nil
	}
	return rm.memberList()
}

// Snapshot returns a copy of the room state.
func (r *Registry) Snapshot(name string) (Snapshot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rm, ok := r.rooms[name]
	if !ok {
		return Snapshot{}, false
	}
	return rm.snapshot(), true
}

// List returns room summaries ordered by name. Private rooms are left out
// unless includePrivate is set.
func (r *Registry) List(includePrivate bool) []Summary {
	r.mu.Lock()
	out := make([]Summary, 0, len(r.rooms))
	for _, rm := range r.rooms {
		if rm.settings.IsPrivate && !includePrivate {
			continue
		}
		out = append(out, Summary{
			Name:        rm.name,
			Users:       len(rm.members),
			MaxUsers:    rm.settings.MaxUsers,
			HasPassword: len(rm.passwordHash) > 0,
			IsPrivate:   rm.settings.IsPrivate,
			Creator:     rm.creatorName,
			AudioMode:   rm.settings.AudioMode,
		})
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Count returns the number of rooms.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rooms)
}

func (rm *room) memberList() []Member {
	out := make([]Member, 0, len(rm.members))
	for _, m := range rm.members {
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Username == out[j].Username {
			return out[i].ConnID < out[j].ConnID
		}
		return out[i].Username < out[j].Username
	})
	return out
}

func (rm *room) snapshot() Snapshot {
	return Snapshot{
		Name:              rm.name,
		Creator:           rm.creatorName,
		HasPassword:       len(rm.passwordHash) > 0,
		Members:           rm.memberList(),
		Chat:              append([]model.ChatMessage(nil), rm.chat...),
		Metronome:         rm.metronome,
		Settings:          rm.settings,
		DelayCompensation: rm.delayComp,
		SFU:               rm.sfu,
	}
}

func roleOf(m *Member) model.Role {
	if m == nil {
		return model.RoleListener
	}
	return m.Role
}
