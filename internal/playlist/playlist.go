// Package playlist implements the shared playlist of a conversation: the
// /addsong and /removesong dialogs and the /songs and /song commands.
package playlist

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/BTreeMap/TaskPipe/internal/chat"
	"github.com/BTreeMap/TaskPipe/internal/command"
	"github.com/BTreeMap/TaskPipe/internal/match"
	"github.com/BTreeMap/TaskPipe/internal/models"
	"github.com/BTreeMap/TaskPipe/internal/store"
	"github.com/BTreeMap/TaskPipe/internal/workflow"
)

// Routing names.
const (
	AddCommand                    = "/addsong"
	AddState           chat.State = "adding-song"
	AddContinuation               = "continue-adding-song"
	RemoveCommand                 = "/removesong"
	RemoveState        chat.State = "removing-song"
	RemoveContinuation            = "continue-removing-song"
	ListCommand                   = "/songs"
	PlayCommand                   = "/song"
)

// Dialog states.
const (
	StateWaitingTitle        workflow.State = "waiting-for-title"
	StateWaitingArtist       workflow.State = "waiting-for-artist"
	StateWaitingLink         workflow.State = "waiting-for-link"
	StateWaitingConfirmation workflow.State = "waiting-for-confirmation"
)

// User-facing replies.
const (
	MsgBadTitle      = "The title cannot be empty and must be at most %d characters."
	MsgDuplicate     = "%s is already on the playlist."
	MsgBadLink       = "Please send a link that starts with http:// or https://."
	MsgWhichSong     = "Which song? Send %s followed by the title."
	MsgNoSong        = "No song on the playlist matches %q."
	MsgEmptyPlaylist = "The playlist is empty. Send /addsong to add a song."
	MsgPlaylist      = "Here is the playlist. Pick a song to get its link."
	promptTitle      = "What is the song called?"
	promptArtist     = "Who is it by? Send - if you do not know."
	promptLink       = "Send a link to the song."
	promptRemove     = "Remove %s from the playlist?"
	msgAnswerYesNo   = "Please answer Yes or No."
	skip             = "-"
)

var yesNo = []string{"Yes", "No"}

// AddDraft is the song being added.
type AddDraft struct {
	Title  string
	Artist string
	Link   string
}

// Clone returns a copy.
func (d *AddDraft) Clone() *AddDraft {
	c := *d
	return &c
}

// RemoveDraft holds the song selected for removal.
type RemoveDraft struct {
	Song    *models.Song
	Confirm bool
}

// Clone returns a deep copy.
func (d *RemoveDraft) Clone() *RemoveDraft {
	c := *d
	if d.Song != nil {
		s := *d.Song
		c.Song = &s
	}
	return &c
}

// Option configures a Playlist.
type Option func(*Playlist)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(p *Playlist) {
		p.now = now
	}
}

// Playlist runs the playlist dialogs and commands.
type Playlist struct {
	Add    *workflow.Manager[*AddDraft]
	Remove *workflow.Manager[*RemoveDraft]
	songs  store.SongStore
	now    func() time.Time
}

// New creates the playlist feature.
func New(songs store.SongStore, events workflow.Publisher, opts ...Option) *Playlist {
	p := &Playlist{songs: songs, now: time.Now}
	for _, opt := range opts {
		opt(p)
	}
	p.Add = workflow.NewManager(p.addFeature(), events)
	p.Remove = workflow.NewManager(removeFeature(songs), events)
	return p
}

// AddBinding returns the routing names of the add dialog.
func (p *Playlist) AddBinding() command.Binding {
	return command.Binding{Feature: "playlist.add", State: AddState, Command: AddCommand, Continuation: AddContinuation}
}

// RemoveBinding returns the routing names of the remove dialog.
func (p *Playlist) RemoveBinding() command.Binding {
	return command.Binding{Feature: "playlist.remove", State: RemoveState, Command: RemoveCommand, Continuation: RemoveContinuation}
}

// StartAdd handles /addsong [title].
func (p *Playlist) StartAdd(ctx context.Context, c command.Context) models.CommandResult {
	seed := &AddDraft{}
	if title := c.Rest(); title != "" {
		if reason := p.checkTitle(ctx, c.ConversationID, title); reason != "" {
			return models.Fail(reason)
		}
		seed.Title = title
	}
	return p.Add.StartWorkflow(ctx, c.ConversationID, c.UserID, seed)
}

// StartRemove handles /removesong <title>. The dialog only starts once the
// title identifies one song.
func (p *Playlist) StartRemove(ctx context.Context, c command.Context) models.CommandResult {
	song, reply, ok := p.find(ctx, RemoveCommand, c)
	if !ok {
		return reply
	}
	return p.Remove.StartWorkflow(ctx, c.ConversationID, c.UserID, &RemoveDraft{Song: &song})
}

// List handles /songs.
func (p *Playlist) List(ctx context.Context, c command.Context) models.CommandResult {
	songs, err := p.songs.ListSongs(ctx, c.ConversationID)
	if err != nil {
		slog.Error("Playlist.List: list songs failed", "error", err, "conversationID", c.ConversationID)
		return models.Fail(workflow.MsgInternal)
	}
	if len(songs) == 0 {
		return models.Completed(MsgEmptyPlaylist)
	}
	titles := make([]string, len(songs))
	for i, s := range songs {
		titles[i] = s.Title
	}
	return models.Choose(MsgPlaylist, match.MenuOptions(PlayCommand, titles)...)
}

// Play handles /song <title>.
func (p *Playlist) Play(ctx context.Context, c command.Context) models.CommandResult {
	song, reply, ok := p.find(ctx, PlayCommand, c)
	if !ok {
		return reply
	}
	return models.Media(song.DisplayName(), song.Link)
}

func (p *Playlist) find(ctx context.Context, cmd string, c command.Context) (models.Song, models.CommandResult, bool) {
	query := c.Rest()
	if query == "" {
		return models.Song{}, models.Fail(fmt.Sprintf(MsgWhichSong, cmd)), false
	}
	candidates, err := p.songs.SearchSongs(ctx, c.ConversationID, query)
	if err != nil {
		slog.Error("Playlist.find: song search failed", "error", err, "conversationID", c.ConversationID)
		return models.Song{}, models.Fail(workflow.MsgInternal), false
	}
	return match.Pick(cmd, candidates, func(s models.Song) string { return s.Title }, fmt.Sprintf(MsgNoSong, query))
}

// checkTitle returns why title cannot be added, or "".
func (p *Playlist) checkTitle(ctx context.Context, conversationID, title string) string {
	title = strings.TrimSpace(title)
	if title == "" || len(title) > models.MaxSongTitleLength {
		return fmt.Sprintf(MsgBadTitle, models.MaxSongTitleLength)
	}
	songs, err := p.songs.ListSongs(ctx, conversationID)
	if err != nil {
		slog.Warn("Playlist.checkTitle: list songs failed", "error", err, "conversationID", conversationID)
		return ""
	}
	key := match.Normalize(title)
	for _, s := range songs {
		if match.Normalize(s.Title) == key {
			return fmt.Sprintf(MsgDuplicate, s.Title)
		}
	}
	return ""
}

func addTransition(current workflow.State, d *AddDraft) workflow.State {
	switch current {
	case workflow.Start:
		if d.Title != "" {
			return StateWaitingArtist
		}
		return StateWaitingTitle
	case StateWaitingTitle:
		return StateWaitingArtist
	case StateWaitingArtist:
		return StateWaitingLink
	case StateWaitingLink:
		return workflow.End
	}
	workflow.Invariant("playlist.add: no transition from %q", current)
	return workflow.End
}

func (p *Playlist) addFeature() workflow.Feature[*AddDraft] {
	return workflow.Feature[*AddDraft]{
		Command:    AddCommand,
		Transition: addTransition,
		Templates: map[workflow.State]workflow.Template[*AddDraft]{
			StateWaitingTitle:  {Text: promptTitle},
			StateWaitingArtist: {Text: promptArtist},
			StateWaitingLink:   {Text: promptLink},
		},
		Handlers: map[workflow.State]workflow.Handler[*AddDraft]{
			StateWaitingTitle: func(ctx context.Context, m *workflow.Machine[*AddDraft], input string) (bool, string) {
				if reason := p.checkTitle(ctx, m.ConversationID, input); reason != "" {
					return false, reason
				}
				m.Draft.Title = strings.TrimSpace(input)
				return true, ""
			},
			StateWaitingArtist: func(ctx context.Context, m *workflow.Machine[*AddDraft], input string) (bool, string) {
				artist := strings.TrimSpace(input)
				if artist == skip {
					artist = ""
				}
				m.Draft.Artist = artist
				return true, ""
			},
			StateWaitingLink: func(ctx context.Context, m *workflow.Machine[*AddDraft], input string) (bool, string) {
				if !models.IsHTTPURL(input) {
					return false, MsgBadLink
				}
				m.Draft.Link = strings.TrimSpace(input)
				return true, ""
			},
		},
		Commit: func(ctx context.Context, m *workflow.Machine[*AddDraft]) error {
			song := models.Song{
				ConversationID: m.ConversationID,
				Title:          m.Draft.Title,
				Artist:         m.Draft.Artist,
				Link:           m.Draft.Link,
				AddedBy:        m.UserID,
				AddedAt:        p.now(),
			}
			err := p.songs.AddSong(ctx, &song)
			if errors.Is(err, store.ErrDuplicateSong) {
				return workflow.Reject(fmt.Sprintf(MsgDuplicate, song.Title))
			}
			if err != nil {
				return fmt.Errorf("add song: %w", err)
			}
			slog.Info("Playlist.Add: song added", "songID", song.ID, "conversationID", m.ConversationID)
			return nil
		},
		Finished: func(d *AddDraft) string {
			return fmt.Sprintf("Added %s to the playlist.", (models.Song{Title: d.Title, Artist: d.Artist}).DisplayName())
		},
	}
}

func removeTransition(current workflow.State, d *RemoveDraft) workflow.State {
	switch current {
	case workflow.Start:
		return StateWaitingConfirmation
	case StateWaitingConfirmation:
		return workflow.End
	}
	workflow.Invariant("playlist.remove: no transition from %q", current)
	return workflow.End
}

func selected(d *RemoveDraft) models.Song {
	if d.Song == nil {
		workflow.Invariant("playlist.remove: confirmation reached without a selected song")
	}
	return *d.Song
}

func removeFeature(songs store.SongStore) workflow.Feature[*RemoveDraft] {
	return workflow.Feature[*RemoveDraft]{
		Command:    RemoveCommand,
		Transition: removeTransition,
		Templates: map[workflow.State]workflow.Template[*RemoveDraft]{
			StateWaitingConfirmation: {
				Render:  func(d *RemoveDraft) string { return fmt.Sprintf(promptRemove, selected(d).DisplayName()) },
				Options: yesNo,
			},
		},
		Handlers: map[workflow.State]workflow.Handler[*RemoveDraft]{
			StateWaitingConfirmation: func(ctx context.Context, m *workflow.Machine[*RemoveDraft], input string) (bool, string) {
				i, ok := workflow.Choice(input, yesNo)
				if !ok {
					return false, msgAnswerYesNo
				}
				m.Draft.Confirm = i == 0
				return true, ""
			},
		},
		Commit: func(ctx context.Context, m *workflow.Machine[*RemoveDraft]) error {
			if !m.Draft.Confirm {
				return nil
			}
			song := selected(m.Draft)
			if err := songs.RemoveSong(ctx, song.ID); err != nil {
				return fmt.Errorf("remove song %s: %w", song.ID, err)
			}
			slog.Info("Playlist.Remove: song removed", "songID", song.ID, "conversationID", m.ConversationID)
			return nil
		},
		Finished: func(d *RemoveDraft) string {
			if !d.Confirm {
				return "Kept " + selected(d).Title + " on the playlist."
			}
			return "Removed " + selected(d).Title + " from the playlist."
		},
	}
}
