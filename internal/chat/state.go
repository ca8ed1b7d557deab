// Package chat tracks where each conversation is in its dialogs.
//
// A conversation is identified by a Key (conversation id plus acting user id).
// The History keeps a revertible stack of named States per Key, with Waiting
// as the idle root state.
package chat

// State names a point in a dialog. States compare by name.
type State string

// Waiting is the idle root state every history starts from.
const Waiting State = "waiting"

func (s State) String() string {
	return string(s)
}

// Key identifies one user inside one conversation.
type Key struct {
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
}

// NewKey builds a Key.
func NewKey(conversationID, userID string) Key {
	return Key{ConversationID: conversationID, UserID: userID}
}

func (k Key) String() string {
	return k.ConversationID + "/" + k.UserID
}
