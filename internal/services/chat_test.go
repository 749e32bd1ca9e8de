package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"

	"github.com/applianceworks/partsassist-backend/internal/capability"
	chatrepo "github.com/applianceworks/partsassist-backend/internal/data/repos/chat"
	"github.com/applianceworks/partsassist-backend/internal/data/repos/testutil"
	"github.com/applianceworks/partsassist-backend/internal/domain/chat"
	"github.com/applianceworks/partsassist-backend/internal/domain/kb"
	"github.com/applianceworks/partsassist-backend/internal/pkg/dbctx"
	"github.com/applianceworks/partsassist-backend/internal/pkg/errs"
)

// scriptedReasoner plays back a fixed sequence of decisions and records
// every input it saw. Once the script runs out it answers.
type scriptedReasoner struct {
	mu     sync.Mutex
	steps  []func(DecisionInput) (Decision, error)
	inputs []DecisionInput
}

func (s *scriptedReasoner) Decide(_ context.Context, in DecisionInput) (Decision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inputs = append(s.inputs, in)
	if len(s.steps) == 0 {
		return Decision{Answer: "done"}, nil
	}
	step := s.steps[0]
	s.steps = s.steps[1:]
	return step(in)
}

func (s *scriptedReasoner) seen() []DecisionInput {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]DecisionInput(nil), s.inputs...)
}

type fakeInvoker struct {
	mu     sync.Mutex
	counts map[string]int
	fail   map[string]error
}

func (f *fakeInvoker) Invoke(_ context.Context, call capability.Call) (capability.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.counts == nil {
		f.counts = map[string]int{}
	}
	key := call.Key()
	f.counts[key]++
	if err, ok := f.fail[call.Name]; ok {
		return capability.Result{}, err
	}
	return capability.Result{Text: "result for " + key}, nil
}

func (f *fakeInvoker) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.counts {
		n += c
	}
	return n
}

func searchCall(query string) capability.Call {
	return capability.Call{
		Name: capability.NameTroubleshootingSearch,
		Args: capability.TroubleshootingSearchArgs{Domain: kb.DomainDishwasher, Query: query},
	}
}

func partCall(pn string) capability.Call {
	return capability.Call{Name: capability.NamePartLookup, Args: capability.PartLookupArgs{PartNumber: pn}}
}

func callsStep(calls ...capability.Call) func(DecisionInput) (Decision, error) {
	return func(DecisionInput) (Decision, error) {
		return Decision{Calls: calls}, nil
	}
}

func answerStep(answer string) func(DecisionInput) (Decision, error) {
	return func(DecisionInput) (Decision, error) {
		return Decision{Answer: answer}, nil
	}
}

func newTestChatService(t *testing.T, reasoner Reasoner, invoker CapabilityInvoker) (ChatService, chatrepo.MessageRepo) {
	t.Helper()
	log := testutil.Logger(t)
	db := testutil.DB(t)
	repo := chatrepo.NewMessageRepo(db, log)
	svc, err := NewChatService(log, db, repo, invoker, reasoner)
	if err != nil {
		t.Fatalf("NewChatService: %v", err)
	}
	return svc, repo
}

func sessionMessages(t *testing.T, repo chatrepo.MessageRepo, sessionID uuid.UUID) []*chat.Message {
	t.Helper()
	msgs, err := repo.ListBySession(dbctx.Context{Ctx: context.Background()}, sessionID, 0)
	if err != nil {
		t.Fatalf("ListBySession: %v", err)
	}
	return msgs
}

func metadataMap(t *testing.T, m *chat.Message) map[string]any {
	t.Helper()
	out := map[string]any{}
	if len(m.Metadata) == 0 {
		return out
	}
	if err := json.Unmarshal(m.Metadata, &out); err != nil {
		t.Fatalf("unmarshal metadata: %v", err)
	}
	return out
}

func TestRunTurnCommitsUserThenAssistant(t *testing.T) {
	reasoner := &scriptedReasoner{steps: []func(DecisionInput) (Decision, error){
		answerStep("You need part PS11752778."),
	}}
	svc, repo := newTestChatService(t, reasoner, &fakeInvoker{})
	sessionID := uuid.New()

	asst, err := svc.RunTurn(context.Background(), sessionID, "req-1", "Which part fixes my ice maker?")
	if err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	if asst.Content != "You need part PS11752778." {
		t.Fatalf("assistant content %q", asst.Content)
	}

	msgs := sessionMessages(t, repo, sessionID)
	if len(msgs) != 2 {
		t.Fatalf("session holds %d messages, want 2", len(msgs))
	}
	if msgs[0].Role != chat.RoleUser || msgs[0].Seq != 1 {
		t.Fatalf("first committed message is %s seq %d", msgs[0].Role, msgs[0].Seq)
	}
	if msgs[1].Role != chat.RoleAssistant || msgs[1].Seq != 2 {
		t.Fatalf("second committed message is %s seq %d", msgs[1].Role, msgs[1].Seq)
	}
	meta := metadataMap(t, msgs[1])
	if meta["request_id"] != "req-1" {
		t.Fatalf("assistant metadata %v is missing the request id", meta)
	}
	if _, ok := meta["error"]; ok {
		t.Fatalf("successful turn carries an error attachment: %v", meta)
	}
}

func TestRunTurnDeduplicatesCallsWithinTurn(t *testing.T) {
	invoker := &fakeInvoker{}
	reasoner := &scriptedReasoner{steps: []func(DecisionInput) (Decision, error){
		// Same logical call twice in one round, then repeated next round.
		callsStep(searchCall("Ice maker  not working"), searchCall("ice maker not working")),
		callsStep(searchCall("ICE MAKER NOT WORKING")),
		answerStep("Replace the ice maker assembly."),
	}}
	svc, _ := newTestChatService(t, reasoner, invoker)

	if _, err := svc.RunTurn(context.Background(), uuid.New(), "req-2", "ice maker help"); err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	if got := invoker.total(); got != 1 {
		t.Fatalf("capability invoked %d times, want exactly 1", got)
	}

	// The reasoner saw the single cached result, not duplicates.
	inputs := reasoner.seen()
	final := inputs[len(inputs)-1]
	if len(final.Evidence) != 1 {
		t.Fatalf("final round saw %d evidence blocks, want 1", len(final.Evidence))
	}
}

func TestRunTurnSubstitutesCapabilityFailure(t *testing.T) {
	invoker := &fakeInvoker{fail: map[string]error{
		capability.NamePartLookup: errors.New("upstream 503"),
	}}
	var sawFailureText bool
	reasoner := &scriptedReasoner{steps: []func(DecisionInput) (Decision, error){
		callsStep(partCall("PS11752778")),
		func(in DecisionInput) (Decision, error) {
			for _, ev := range in.Evidence {
				if strings.Contains(ev.Text, "lookup failed") {
					sawFailureText = true
				}
			}
			return Decision{Answer: "I could not look that part up right now."}, nil
		},
	}}
	svc, repo := newTestChatService(t, reasoner, invoker)
	sessionID := uuid.New()

	asst, err := svc.RunTurn(context.Background(), sessionID, "", "tell me about PS11752778")
	if err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	if !sawFailureText {
		t.Fatal("failure was not substituted as textual evidence")
	}
	if asst.Content != "I could not look that part up right now." {
		t.Fatalf("assistant content %q", asst.Content)
	}
	if len(sessionMessages(t, repo, sessionID)) != 2 {
		t.Fatal("turn with a failed capability still commits both messages")
	}
}

func TestRunTurnBudgetExhaustedFallsBack(t *testing.T) {
	t.Setenv("CHAT_CALL_BUDGET", "2")
	invoker := &fakeInvoker{}
	reasoner := &scriptedReasoner{steps: []func(DecisionInput) (Decision, error){
		callsStep(partCall("PS1"), partCall("PS2"), partCall("PS3")),
	}}
	svc, repo := newTestChatService(t, reasoner, invoker)
	sessionID := uuid.New()

	asst, err := svc.RunTurn(context.Background(), sessionID, "req-3", "compare these parts")
	if err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	if asst.Content != ApologyMessage {
		t.Fatalf("assistant content %q, want the fallback", asst.Content)
	}
	if got := invoker.total(); got != 2 {
		t.Fatalf("capability invoked %d times, want the budget of 2", got)
	}

	msgs := sessionMessages(t, repo, sessionID)
	if len(msgs) != 2 {
		t.Fatalf("errored turn committed %d messages, want 2", len(msgs))
	}
	meta := metadataMap(t, msgs[1])
	errText, _ := meta["error"].(string)
	if !strings.Contains(errText, "budget") {
		t.Fatalf("fallback metadata %v does not carry the cause", meta)
	}
	if meta["request_id"] != "req-3" {
		t.Fatalf("fallback metadata %v is missing the request id", meta)
	}
}

func TestRunTurnReasonerFailureFallsBack(t *testing.T) {
	reasoner := &scriptedReasoner{steps: []func(DecisionInput) (Decision, error){
		func(DecisionInput) (Decision, error) {
			return Decision{}, errors.New("model unavailable")
		},
	}}
	svc, repo := newTestChatService(t, reasoner, &fakeInvoker{})
	sessionID := uuid.New()

	asst, err := svc.RunTurn(context.Background(), sessionID, "", "hello")
	if err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	if asst.Content != ApologyMessage {
		t.Fatalf("assistant content %q, want the fallback", asst.Content)
	}
	meta := metadataMap(t, sessionMessages(t, repo, sessionID)[1])
	errText, _ := meta["error"].(string)
	if !strings.Contains(errText, "model unavailable") {
		t.Fatalf("fallback metadata %v does not carry the cause", meta)
	}
}

// flakyRepo fails the first n Append calls, then delegates.
type flakyRepo struct {
	chatrepo.MessageRepo
	mu        sync.Mutex
	failsLeft int
}

func (f *flakyRepo) Append(dbc dbctx.Context, m *chat.Message) error {
	f.mu.Lock()
	fail := f.failsLeft > 0
	if fail {
		f.failsLeft--
	}
	f.mu.Unlock()
	if fail {
		return errors.New("store unavailable")
	}
	return f.MessageRepo.Append(dbc, m)
}

func TestRunTurnStoreOutageCommitsFallbackOnRecovery(t *testing.T) {
	log := testutil.Logger(t)
	db := testutil.DB(t)
	repo := &flakyRepo{MessageRepo: chatrepo.NewMessageRepo(db, log), failsLeft: 1}
	reasoner := &scriptedReasoner{steps: []func(DecisionInput) (Decision, error){
		answerStep("the real answer"),
	}}
	svc, err := NewChatService(log, db, repo, &fakeInvoker{}, reasoner)
	if err != nil {
		t.Fatalf("NewChatService: %v", err)
	}
	sessionID := uuid.New()

	asst, err := svc.RunTurn(context.Background(), sessionID, "req-4", "hello")
	if err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	if asst.Content != ApologyMessage {
		t.Fatalf("assistant content %q, want the fallback after a commit failure", asst.Content)
	}

	msgs := sessionMessages(t, repo.MessageRepo, sessionID)
	if len(msgs) != 2 {
		t.Fatalf("recovered store holds %d messages, want 2", len(msgs))
	}
	meta := metadataMap(t, msgs[1])
	errText, _ := meta["error"].(string)
	if !strings.Contains(errText, "store unavailable") {
		t.Fatalf("fallback metadata %v does not carry the store failure", meta)
	}
}

func TestRunTurnRoundLimitFallsBack(t *testing.T) {
	t.Setenv("CHAT_MAX_ROUNDS", "2")
	reasoner := &scriptedReasoner{steps: []func(DecisionInput) (Decision, error){
		callsStep(partCall("PS1")),
		callsStep(partCall("PS2")),
		answerStep("never reached"),
	}}
	svc, _ := newTestChatService(t, reasoner, &fakeInvoker{})

	asst, err := svc.RunTurn(context.Background(), uuid.New(), "", "loop forever")
	if err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	if asst.Content != ApologyMessage {
		t.Fatalf("assistant content %q, want the fallback", asst.Content)
	}
}

func TestRunTurnHistoryWindow(t *testing.T) {
	reasoner := &scriptedReasoner{}
	svc, repo := newTestChatService(t, reasoner, &fakeInvoker{})
	sessionID := uuid.New()

	for i := 0; i < 7; i++ {
		if _, err := svc.RunTurn(context.Background(), sessionID, "", fmt.Sprintf("question %d", i)); err != nil {
			t.Fatalf("RunTurn %d: %v", i, err)
		}
	}
	if got := len(sessionMessages(t, repo, sessionID)); got != 14 {
		t.Fatalf("session holds %d messages, want 14", got)
	}

	if _, err := svc.RunTurn(context.Background(), sessionID, "", "one more"); err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	inputs := reasoner.seen()
	last := inputs[len(inputs)-1]
	if len(last.History) != 10 {
		t.Fatalf("reasoner saw %d history messages, want the window of 10", len(last.History))
	}
	// The window keeps the most recent exchange: question 6 and its reply.
	if last.History[len(last.History)-2].Content != "question 6" {
		t.Fatalf("window ends with %q, %q",
			last.History[len(last.History)-2].Content,
			last.History[len(last.History)-1].Content)
	}
}

func TestRunTurnConcurrentSameSessionSerializes(t *testing.T) {
	reasoner := &scriptedReasoner{}
	svc, repo := newTestChatService(t, reasoner, &fakeInvoker{})
	sessionID := uuid.New()

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := svc.RunTurn(context.Background(), sessionID, "", fmt.Sprintf("question %d", i)); err != nil {
				t.Errorf("RunTurn %d: %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	msgs := sessionMessages(t, repo, sessionID)
	if len(msgs) != 8 {
		t.Fatalf("session holds %d messages, want 8", len(msgs))
	}
	for i, m := range msgs {
		if m.Seq != int64(i+1) {
			t.Fatalf("message %d has seq %d", i, m.Seq)
		}
		wantRole := chat.RoleUser
		if i%2 == 1 {
			wantRole = chat.RoleAssistant
		}
		if m.Role != wantRole {
			t.Fatalf("message %d has role %s, turns interleaved", i, m.Role)
		}
	}
	// Each user message is directly followed by its assistant reply.
	for i := 0; i < len(msgs); i += 2 {
		if msgs[i+1].Content != "done" {
			t.Fatalf("pair at seq %d broken: %q then %q", msgs[i].Seq, msgs[i].Content, msgs[i+1].Content)
		}
	}
}

func TestRunTurnCancelledContextStillCommits(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	reasoner := &scriptedReasoner{steps: []func(DecisionInput) (Decision, error){
		func(DecisionInput) (Decision, error) {
			cancel()
			return Decision{Answer: "answered just in time"}, nil
		},
	}}
	svc, repo := newTestChatService(t, reasoner, &fakeInvoker{})
	sessionID := uuid.New()

	asst, err := svc.RunTurn(ctx, sessionID, "", "slow question")
	if err != nil {
		t.Fatalf("RunTurn after cancellation: %v", err)
	}
	if asst.Content != "answered just in time" {
		t.Fatalf("assistant content %q", asst.Content)
	}
	if len(sessionMessages(t, repo, sessionID)) != 2 {
		t.Fatal("cancelled request did not commit the finished turn")
	}
}

func TestRunTurnValidation(t *testing.T) {
	svc, _ := newTestChatService(t, &scriptedReasoner{}, &fakeInvoker{})

	if _, err := svc.RunTurn(context.Background(), uuid.Nil, "", "hi"); !errors.Is(err, errs.ErrInvalidArgument) {
		t.Fatalf("nil session: %v, want ErrInvalidArgument", err)
	}
	if _, err := svc.RunTurn(context.Background(), uuid.New(), "", "   "); !errors.Is(err, errs.ErrInvalidArgument) {
		t.Fatalf("blank query: %v, want ErrInvalidArgument", err)
	}
}

func TestWelcomeMessage(t *testing.T) {
	svc, repo := newTestChatService(t, &scriptedReasoner{}, &fakeInvoker{})
	sessionID := uuid.New()

	m, err := svc.WelcomeMessage(context.Background(), sessionID)
	if err != nil {
		t.Fatalf("WelcomeMessage: %v", err)
	}
	if m.Content != WelcomeContent || m.Role != chat.RoleAssistant {
		t.Fatalf("welcome is %s %q", m.Role, m.Content)
	}
	msgs := sessionMessages(t, repo, sessionID)
	if len(msgs) != 1 {
		t.Fatalf("fresh session holds %d messages, want the persisted welcome", len(msgs))
	}
	meta := metadataMap(t, msgs[0])
	if meta["is_welcome"] != true {
		t.Fatalf("welcome metadata %v", meta)
	}

	// Greeting an existing session does not grow the history.
	if _, err := svc.WelcomeMessage(context.Background(), sessionID); err != nil {
		t.Fatalf("second WelcomeMessage: %v", err)
	}
	if got := len(sessionMessages(t, repo, sessionID)); got != 1 {
		t.Fatalf("second welcome grew the session to %d messages", got)
	}
}
