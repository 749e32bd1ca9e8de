package chat

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/google/uuid"

	"github.com/applianceworks/partsassist-backend/internal/data/repos/testutil"
	"github.com/applianceworks/partsassist-backend/internal/domain/chat"
	"github.com/applianceworks/partsassist-backend/internal/pkg/dbctx"
	"github.com/applianceworks/partsassist-backend/internal/pkg/errs"
)

func newTestRepo(t *testing.T) MessageRepo {
	t.Helper()
	return NewMessageRepo(testutil.DB(t), testutil.Logger(t))
}

func appendMsg(t *testing.T, repo MessageRepo, sessionID uuid.UUID, role, content string) *chat.Message {
	t.Helper()
	m := &chat.Message{SessionID: sessionID, Role: role, Content: content}
	if err := repo.Append(dbctx.Context{Ctx: context.Background()}, m); err != nil {
		t.Fatalf("Append: %v", err)
	}
	return m
}

func TestAppendAssignsSequentialSeq(t *testing.T) {
	repo := newTestRepo(t)
	sessionID := uuid.New()

	for i := 1; i <= 5; i++ {
		role := chat.RoleUser
		if i%2 == 0 {
			role = chat.RoleAssistant
		}
		m := appendMsg(t, repo, sessionID, role, fmt.Sprintf("message %d", i))
		if m.Seq != int64(i) {
			t.Fatalf("message %d got seq %d", i, m.Seq)
		}
		if m.ID == uuid.Nil {
			t.Fatal("Append left ID unset")
		}
		if m.CreatedAt.IsZero() {
			t.Fatal("Append left CreatedAt unset")
		}
	}
}

func TestAppendSeqIsPerSession(t *testing.T) {
	repo := newTestRepo(t)
	sessionA := uuid.New()
	sessionB := uuid.New()

	appendMsg(t, repo, sessionA, chat.RoleUser, "a1")
	appendMsg(t, repo, sessionA, chat.RoleAssistant, "a2")
	mB := appendMsg(t, repo, sessionB, chat.RoleUser, "b1")

	if mB.Seq != 1 {
		t.Fatalf("first message of second session got seq %d, want 1", mB.Seq)
	}
}

func TestAppendRejectsMissingSession(t *testing.T) {
	repo := newTestRepo(t)
	err := repo.Append(dbctx.Context{Ctx: context.Background()}, &chat.Message{Role: chat.RoleUser, Content: "x"})
	if err == nil {
		t.Fatal("Append without session id succeeded")
	}
}

func TestListRecentReturnsBoundedAscendingWindow(t *testing.T) {
	repo := newTestRepo(t)
	sessionID := uuid.New()
	for i := 1; i <= 15; i++ {
		appendMsg(t, repo, sessionID, chat.RoleUser, fmt.Sprintf("message %d", i))
	}

	msgs, err := repo.ListRecent(dbctx.Context{Ctx: context.Background()}, sessionID, 10)
	if err != nil {
		t.Fatalf("ListRecent: %v", err)
	}
	if len(msgs) != 10 {
		t.Fatalf("got %d messages, want 10", len(msgs))
	}
	if msgs[0].Seq != 6 || msgs[len(msgs)-1].Seq != 15 {
		t.Fatalf("window spans seq %d..%d, want 6..15", msgs[0].Seq, msgs[len(msgs)-1].Seq)
	}
	for i := 1; i < len(msgs); i++ {
		if msgs[i].Seq != msgs[i-1].Seq+1 {
			t.Fatalf("window is not ascending: %d then %d", msgs[i-1].Seq, msgs[i].Seq)
		}
	}
}

func TestListRecentShortSession(t *testing.T) {
	repo := newTestRepo(t)
	sessionID := uuid.New()
	appendMsg(t, repo, sessionID, chat.RoleUser, "only one")

	msgs, err := repo.ListRecent(dbctx.Context{Ctx: context.Background()}, sessionID, 10)
	if err != nil {
		t.Fatalf("ListRecent: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1", len(msgs))
	}
}

func TestListBySession(t *testing.T) {
	repo := newTestRepo(t)
	sessionID := uuid.New()
	other := uuid.New()
	appendMsg(t, repo, sessionID, chat.RoleUser, "mine")
	appendMsg(t, repo, other, chat.RoleUser, "theirs")

	msgs, err := repo.ListBySession(dbctx.Context{Ctx: context.Background()}, sessionID, 0)
	if err != nil {
		t.Fatalf("ListBySession: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Content != "mine" {
		t.Fatalf("got %+v, want only this session's message", msgs)
	}
}

func TestLatest(t *testing.T) {
	repo := newTestRepo(t)
	sessionID := uuid.New()

	_, err := repo.Latest(dbctx.Context{Ctx: context.Background()}, sessionID)
	if !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("Latest on empty session: %v, want ErrNotFound", err)
	}

	appendMsg(t, repo, sessionID, chat.RoleUser, "first")
	appendMsg(t, repo, sessionID, chat.RoleAssistant, "second")

	m, err := repo.Latest(dbctx.Context{Ctx: context.Background()}, sessionID)
	if err != nil {
		t.Fatalf("Latest: %v", err)
	}
	if m.Content != "second" || m.Seq != 2 {
		t.Fatalf("Latest returned seq %d content %q", m.Seq, m.Content)
	}
}
