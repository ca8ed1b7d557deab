package playlist

import (
	"context"
	"strings"
	"testing"

	"github.com/BTreeMap/TaskPipe/internal/command"
	"github.com/BTreeMap/TaskPipe/internal/models"
	"github.com/BTreeMap/TaskPipe/internal/store"
	"github.com/BTreeMap/TaskPipe/internal/workflow"
)

func cmdCtx(key string, args ...string) command.Context {
	return command.Context{ConversationID: "c1", UserID: "u1", Key: key, Args: args}
}

func newTestPlaylist(t *testing.T) (*Playlist, *store.InMemoryStore) {
	t.Helper()
	st := store.NewInMemoryStore()
	return New(st, workflow.NewHub()), st
}

func addSong(t *testing.T, st store.SongStore, title, link string) models.Song {
	t.Helper()
	s := models.Song{ConversationID: "c1", Title: title, Link: link, AddedBy: "u1"}
	if err := st.AddSong(context.Background(), &s); err != nil {
		t.Fatalf("AddSong error: %v", err)
	}
	return s
}

func TestAddSongDialog(t *testing.T) {
	p, st := newTestPlaylist(t)
	ctx := context.Background()

	if res := p.StartAdd(ctx, cmdCtx(AddCommand)); res.Text != promptTitle {
		t.Fatalf("start result %+v", res)
	}
	if res := p.Add.ContinueWorkflow(ctx, "c1", "u1", "Hey Jude"); res.Text != promptArtist {
		t.Fatalf("title result %+v", res)
	}
	_ = p.Add.ContinueWorkflow(ctx, "c1", "u1", "The Beatles")
	if res := p.Add.ContinueWorkflow(ctx, "c1", "u1", "ftp://example.com/song"); res.Text != MsgBadLink {
		t.Errorf("bad link result %+v", res)
	}
	res := p.Add.ContinueWorkflow(ctx, "c1", "u1", "https://example.com/hey-jude")
	if res.Outcome != models.OutcomeWorkflowCompleted || !strings.Contains(res.Text, "Hey Jude by The Beatles") {
		t.Fatalf("final result %+v", res)
	}

	songs, _ := st.ListSongs(ctx, "c1")
	if len(songs) != 1 || songs[0].AddedBy != "u1" || songs[0].Link != "https://example.com/hey-jude" {
		t.Errorf("unexpected playlist %+v", songs)
	}
}

func TestAddSongRejectsDuplicateTitle(t *testing.T) {
	p, st := newTestPlaylist(t)
	ctx := context.Background()
	addSong(t, st, "Hey Jude", "https://example.com/1")

	if res := p.StartAdd(ctx, cmdCtx(AddCommand, "hey", "jude")); !res.IsError() || p.Add.Active("c1", "u1") {
		t.Errorf("duplicate title as argument accepted: %+v", res)
	}
	_ = p.StartAdd(ctx, cmdCtx(AddCommand))
	if res := p.Add.ContinueWorkflow(ctx, "c1", "u1", "HEY JUDE"); !res.IsError() {
		t.Errorf("duplicate title accepted: %+v", res)
	}
	prompt, _ := p.Add.CurrentPrompt("c1", "u1")
	if prompt.Text != promptTitle {
		t.Errorf("dialog moved on after a rejected title: %+v", prompt)
	}
}

func TestRemoveSong(t *testing.T) {
	p, st := newTestPlaylist(t)
	ctx := context.Background()
	addSong(t, st, "Hey Jude", "https://example.com/1")

	res := p.StartRemove(ctx, cmdCtx(RemoveCommand, "hey", "jude"))
	if !res.IsMenu() || !strings.Contains(res.Text, "Hey Jude") {
		t.Fatalf("confirmation %+v", res)
	}
	if res := p.Remove.ContinueWorkflow(ctx, "c1", "u1", "Yes"); res.Outcome != models.OutcomeWorkflowCompleted {
		t.Fatalf("final result %+v", res)
	}
	if songs, _ := st.ListSongs(ctx, "c1"); len(songs) != 0 {
		t.Errorf("song not removed: %+v", songs)
	}
}

func TestRemoveSongKeepsOnNo(t *testing.T) {
	p, st := newTestPlaylist(t)
	ctx := context.Background()
	addSong(t, st, "Yesterday", "https://example.com/2")

	_ = p.StartRemove(ctx, cmdCtx(RemoveCommand, "yesterday"))
	_ = p.Remove.ContinueWorkflow(ctx, "c1", "u1", "no")
	if songs, _ := st.ListSongs(ctx, "c1"); len(songs) != 1 {
		t.Errorf("song removed after No: %+v", songs)
	}
}

func TestRemoveSongDisambiguates(t *testing.T) {
	p, st := newTestPlaylist(t)
	ctx := context.Background()
	addSong(t, st, "Hey Jude", "https://example.com/1")
	addSong(t, st, "Hey Ya", "https://example.com/2")

	res := p.StartRemove(ctx, cmdCtx(RemoveCommand, "hey"))
	if !res.IsMenu() || len(res.Options) != 2 || p.Remove.Active("c1", "u1") {
		t.Fatalf("expected a menu and no dialog, got %+v", res)
	}
	for _, opt := range res.Options {
		if !strings.HasPrefix(opt, RemoveCommand+" Hey ") {
			t.Errorf("option %q", opt)
		}
	}
}

func TestRemoveWithoutSelectionIsInvariant(t *testing.T) {
	p, _ := newTestPlaylist(t)
	defer func() {
		if _, ok := workflow.AsInvariant(recover()); !ok {
			t.Fatal("expected an invariant violation")
		}
	}()
	p.Remove.StartWorkflow(context.Background(), "c1", "u1", &RemoveDraft{})
	t.Fatal("StartWorkflow returned normally")
}

func TestListAndPlay(t *testing.T) {
	p, st := newTestPlaylist(t)
	ctx := context.Background()
	if res := p.List(ctx, cmdCtx(ListCommand)); res.Text != MsgEmptyPlaylist {
		t.Errorf("empty list %+v", res)
	}
	addSong(t, st, "Yesterday", "https://example.com/y")

	res := p.List(ctx, cmdCtx(ListCommand))
	if !res.IsMenu() || len(res.Options) != 1 || res.Options[0] != "/song Yesterday" {
		t.Errorf("list result %+v", res)
	}
	res = p.Play(ctx, cmdCtx(PlayCommand, "yesterday"))
	if res.Response != models.ResponseMedia || res.MediaURL != "https://example.com/y" {
		t.Errorf("play result %+v", res)
	}
	if res := p.Play(ctx, cmdCtx(PlayCommand, "unknown")); !res.IsError() {
		t.Errorf("unknown song result %+v", res)
	}
}
