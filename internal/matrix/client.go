// Package matrix wraps the Matrix client-server API surface the orchestrator
// consumes: login, long-poll sync, message send/edit, room membership, and
// account bootstrap. Everything else (E2EE, media, presence) is out of scope.
package matrix

import (
	"context"
	"errors"
	"time"
)

// ErrEditConflict is returned by EditMessage when the server rejects the edit
// because the target message changed underneath us. Callers re-read and rebase.
var ErrEditConflict = errors.New("matrix: edit conflict")

// ErrUnauthorized is returned when the access token is rejected. This is a
// fatal condition for the owning bot.
var ErrUnauthorized = errors.New("matrix: unauthorized")

// Credentials is a logged-in session for one bot account.
type Credentials struct {
	HomeserverURL string `json:"homeserver_url"`
	UserID        string `json:"user_id"`
	AccessToken   string `json:"access_token"`
	DeviceID      string `json:"device_id,omitempty"`
}

// Event is a single timeline event delivered by Sync.
type Event struct {
	ID        string    // opaque event id, unique per server
	RoomID    string
	Sender    string    // full Matrix user id (@slug:domain)
	Body      string
	Mentions  []string  // mentioned user ids, as sent by the client
	ThreadID  string    // root event id of the thread, empty for top-level
	Timestamp time.Time
	IsEdit    bool
	Replaces  string // event id being replaced when IsEdit

	// TranscribedFor carries the user id a voice transcription was made for.
	// Set from the io.mindroom.transcribed_for content key; empty otherwise.
	TranscribedFor string
}

// Invite is a pending room invite observed in a sync batch.
type Invite struct {
	RoomID string
	Sender string
}

// MemberChange is a room membership transition (join/leave) from sync.
type MemberChange struct {
	RoomID     string
	UserID     string
	Membership string // "join", "leave", "invite", "ban"
}

// SyncBatch is the result of one Sync call.
type SyncBatch struct {
	Events     []Event
	Invites    []Invite
	Members    []MemberChange
	NextCursor string
}

// SendOpts carries optional fields for SendMessage.
type SendOpts struct {
	ThreadID  string   // post into this thread
	ReplyTo   string   // rich-reply target event id
	Mentions  []string // user ids to mention
	Formatted string   // optional HTML body

	// TranscribedFor marks the message as a voice transcription on behalf of
	// the given user (router relay).
	TranscribedFor string
}

// Client is the chat-server contract consumed by the bot runtime. One Client
// is bound to one account session. Implementations must be safe for
// concurrent use.
type Client interface {
	// Login exchanges username+password for a session and binds the client
	// to it.
	Login(ctx context.Context, username, password string) (*Credentials, error)

	// Sync long-polls the server for the next batch of events after cursor.
	// An empty cursor starts a fresh sync.
	Sync(ctx context.Context, cursor string) (*SyncBatch, error)

	// SendMessage posts a message and returns the new event id.
	SendMessage(ctx context.Context, roomID, body string, opts SendOpts) (string, error)

	// EditMessage replaces the body of a previously sent message.
	// Returns ErrEditConflict when the server reports a version conflict.
	EditMessage(ctx context.Context, roomID, messageID, body string) error

	// GetMessage fetches the current body of an event (used for edit rebase).
	GetMessage(ctx context.Context, roomID, messageID string) (string, error)

	// JoinRoom joins a room. Joining an already-joined room is a no-op.
	JoinRoom(ctx context.Context, roomID string) error

	// LeaveRoom leaves a room. Leaving a non-member room is a no-op.
	LeaveRoom(ctx context.Context, roomID string) error

	// CreateRoom creates a room with the given alias local-part and name,
	// returning the room id.
	CreateRoom(ctx context.Context, alias, name string) (string, error)

	// InviteUser invites a user into a room. Re-inviting a member is a no-op.
	InviteUser(ctx context.Context, roomID, userID string) error

	// EnsureAccount registers the account if it does not exist yet.
	// Returns true when the account was created by this call.
	EnsureAccount(ctx context.Context, username, password string) (bool, error)

	// Whoami returns the user id bound to the current session.
	Whoami(ctx context.Context) (string, error)
}
