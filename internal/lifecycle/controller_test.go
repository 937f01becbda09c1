package lifecycle

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/stakeforge/arena-engine/internal/db"
	"github.com/stakeforge/arena-engine/internal/fair"
	"github.com/stakeforge/arena-engine/internal/settle"
	"github.com/stakeforge/arena-engine/pkg/models"
)

var (
	testLobbyID = uuid.MustParse("aaaaaaaa-0000-0000-0000-000000000001")
	testMatchID = uuid.MustParse("bbbbbbbb-0000-0000-0000-000000000001")
	playerOne   = uuid.MustParse("11111111-1111-1111-1111-111111111111")
	playerTwo   = uuid.MustParse("22222222-2222-2222-2222-222222222222")
)

type materializeCall struct {
	lobbyID    uuid.UUID
	commitHash string
	seedHex    string
	nonceHex   string
}

type settleCall struct {
	placements []models.Placement
	rake       int64
	reason     string
}

// memStore fakes the persistence slice the controller uses. Every mutation
// is recorded so tests can assert on what would have hit the database.
type memStore struct {
	mu sync.Mutex

	roster     []models.LobbyMember
	matchID    uuid.UUID
	buyIn      int64
	rakeBps    int64
	payout     models.PayoutModel
	unfinished []models.Match
	settleErr  error

	promotable   []uuid.UUID
	materialized []materializeCall
	states       map[uuid.UUID][]models.MatchState
	settled      map[uuid.UUID]settleCall
	refunds      map[uuid.UUID]string
	done         map[uuid.UUID]bool
}

func newMemStore(roster []models.LobbyMember) *memStore {
	return &memStore{
		roster:  roster,
		matchID: testMatchID,
		buyIn:   1000,
		rakeBps: 800,
		payout:  models.PayoutWinnerTakeAll,
		states:  make(map[uuid.UUID][]models.MatchState),
		settled: make(map[uuid.UUID]settleCall),
		refunds: make(map[uuid.UUID]string),
		done:    make(map[uuid.UUID]bool),
	}
}

func (s *memStore) ListPromotableLobbies(ctx context.Context, waitSeconds int) ([]uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.promotable
	s.promotable = nil
	return out, nil
}

func (s *memStore) MaterializeMatch(ctx context.Context, lobbyID uuid.UUID, commitHash, seedHex, nonceHex string) (*models.Match, []models.LobbyMember, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.materialized = append(s.materialized, materializeCall{lobbyID, commitHash, seedHex, nonceHex})
	m := &models.Match{
		ID:         s.matchID,
		LobbyID:    lobbyID,
		Mode:       models.ModeSolo,
		BuyIn:      s.buyIn,
		Pot:        s.buyIn * int64(len(s.roster)),
		Payout:     s.payout,
		RakeBps:    s.rakeBps,
		CommitHash: commitHash,
		State:      models.MatchCountdown,
		StartedAt:  time.Now(),
	}
	return m, s.roster, nil
}

func (s *memStore) UpdateMatchState(ctx context.Context, matchID uuid.UUID, state models.MatchState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[matchID] = append(s.states[matchID], state)
	return nil
}

func (s *memStore) SettleMatch(ctx context.Context, matchID uuid.UUID, placements []models.Placement, rake int64, endReason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.settleErr != nil {
		return s.settleErr
	}
	if s.done[matchID] {
		return db.ErrAlreadySettled
	}
	s.done[matchID] = true
	s.settled[matchID] = settleCall{placements: placements, rake: rake, reason: endReason}
	return nil
}

func (s *memStore) RefundMatch(ctx context.Context, matchID uuid.UUID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done[matchID] {
		return db.ErrAlreadySettled
	}
	s.done[matchID] = true
	s.refunds[matchID] = reason
	return nil
}

func (s *memStore) ListUnfinishedMatches(ctx context.Context) ([]models.Match, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unfinished, nil
}

func (s *memStore) refundReason(matchID uuid.UUID) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.refunds[matchID]
	return r, ok
}

func (s *memStore) materializeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.materialized)
}

// memRelay records published events.
type memRelay struct {
	mu      sync.Mutex
	commits []string
	phases  []models.MatchState
	results []*models.Result
	refunds []string
}

func (r *memRelay) PublishMaterialized(ctx context.Context, match *models.Match) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.commits = append(r.commits, match.CommitHash)
}

func (r *memRelay) PublishPhase(ctx context.Context, matchID uuid.UUID, state models.MatchState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.phases = append(r.phases, state)
}

func (r *memRelay) PublishResult(ctx context.Context, result *models.Result) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = append(r.results, result)
}

func (r *memRelay) PublishRefund(ctx context.Context, matchID uuid.UUID, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.refunds = append(r.refunds, reason)
}

func (r *memRelay) refundReasons() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.refunds...)
}

func (r *memRelay) commitCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.commits)
}

func soloRoster() []models.LobbyMember {
	return []models.LobbyMember{
		{LobbyID: testLobbyID, AccountID: playerOne, TeamID: 0},
		{LobbyID: testLobbyID, AccountID: playerTwo, TeamID: 0},
	}
}

func TestRecoverOrphans_RefundsUnfinished(t *testing.T) {
	store := newMemStore(soloRoster())
	orphanA := uuid.MustParse("cccccccc-0000-0000-0000-000000000001")
	orphanB := uuid.MustParse("cccccccc-0000-0000-0000-000000000002")
	settledAlready := uuid.MustParse("cccccccc-0000-0000-0000-000000000003")
	store.unfinished = []models.Match{
		{ID: orphanA, State: models.MatchActive},
		{ID: orphanB, State: models.MatchCountdown},
		{ID: settledAlready, State: models.MatchShrink},
	}
	store.done[settledAlready] = true

	relay := &memRelay{}
	c := New(store, relay, Config{})
	if err := c.RecoverOrphans(context.Background()); err != nil {
		t.Fatalf("RecoverOrphans: %v", err)
	}

	for _, id := range []uuid.UUID{orphanA, orphanB} {
		reason, ok := store.refundReason(id)
		if !ok {
			t.Fatalf("orphan %s was not refunded", id)
		}
		if reason != "recovered" {
			t.Errorf("orphan %s refunded with reason %q, want recovered", id, reason)
		}
	}
	if _, ok := store.refundReason(settledAlready); ok {
		t.Error("already-settled match was refunded again")
	}
	if got := relay.refundReasons(); len(got) != 2 {
		t.Errorf("relay saw %d refund events, want 2", len(got))
	}
}

func TestPromote_CommitPersistedBeforeRunnerStarts(t *testing.T) {
	store := newMemStore(soloRoster())
	c := New(store, nil, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := c.Promote(ctx, testLobbyID); err != nil {
		t.Fatalf("Promote: %v", err)
	}

	if got := store.materializeCount(); got != 1 {
		t.Fatalf("MaterializeMatch called %d times, want 1", got)
	}
	call := store.materialized[0]
	if call.lobbyID != testLobbyID {
		t.Errorf("materialized lobby %s, want %s", call.lobbyID, testLobbyID)
	}
	if len(call.commitHash) != 64 {
		t.Errorf("commit hash length %d, want 64 hex chars", len(call.commitHash))
	}
	if len(call.seedHex) != fair.SeedLen*2 || len(call.nonceHex) != fair.NonceLen*2 {
		t.Errorf("persisted seed/nonce lengths %d/%d, want %d/%d",
			len(call.seedHex), len(call.nonceHex), fair.SeedLen*2, fair.NonceLen*2)
	}
	if !fair.VerifyReveal(call.seedHex, call.nonceHex, call.commitHash) {
		t.Error("persisted seed and nonce do not verify against the persisted commit hash")
	}

	if c.ActiveCount() != 1 {
		t.Fatalf("ActiveCount = %d, want 1", c.ActiveCount())
	}
	if _, ok := c.RunnerForMatch(testMatchID); !ok {
		t.Fatal("RunnerForMatch did not find the live match")
	}

	runner, team, err := c.Attach(testMatchID, playerOne)
	if err != nil {
		t.Fatalf("Attach member: %v", err)
	}
	if runner == nil || team != 0 {
		t.Errorf("Attach returned runner=%v team=%d", runner, team)
	}
	stranger := uuid.MustParse("99999999-9999-9999-9999-999999999999")
	if _, _, err := c.Attach(testMatchID, stranger); !errors.Is(err, db.ErrNotMember) {
		t.Errorf("Attach stranger err = %v, want ErrNotMember", err)
	}
	if _, _, err := c.Attach(uuid.New(), playerOne); !errors.Is(err, db.ErrNotFound) {
		t.Errorf("Attach unknown match err = %v, want ErrNotFound", err)
	}

	// Cancelling the context aborts the runner, which must refund.
	cancel()
	waitFor(t, func() bool { return c.ActiveCount() == 0 })
	reason, ok := store.refundReason(testMatchID)
	if !ok || reason != "aborted" {
		t.Errorf("aborted match refund reason = %q (recorded %v), want aborted", reason, ok)
	}
}

func TestPromote_UnstartableMatchIsRefunded(t *testing.T) {
	// A single-member roster materializes but cannot form a world, so the
	// buy-in must come straight back.
	store := newMemStore([]models.LobbyMember{{LobbyID: testLobbyID, AccountID: playerOne}})
	c := New(store, nil, Config{})

	err := c.Promote(context.Background(), testLobbyID)
	if err == nil {
		t.Fatal("Promote succeeded with a one-player roster")
	}
	reason, ok := store.refundReason(testMatchID)
	if !ok || reason != "aborted" {
		t.Errorf("refund reason = %q (recorded %v), want aborted", reason, ok)
	}
	if c.ActiveCount() != 0 {
		t.Errorf("ActiveCount = %d after failed promote, want 0", c.ActiveCount())
	}
}

func TestRun_SweepPromotesQueuedLobby(t *testing.T) {
	store := newMemStore(soloRoster())
	store.promotable = []uuid.UUID{testLobbyID}

	relay := &memRelay{}
	c := New(store, relay, Config{})
	c.sweepEvery = 5 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	go c.Run(ctx)

	waitFor(t, func() bool { return store.materializeCount() == 1 })
	// The commit event goes out once the runner is live, so wait for it too.
	waitFor(t, func() bool { return relay.commitCount() == 1 })

	cancel()
	waitFor(t, func() bool { return c.ActiveCount() == 0 })
}

func TestCallbacks_FinishSettlesAndReveals(t *testing.T) {
	store := newMemStore(soloRoster())
	relay := &memRelay{}
	c := New(store, relay, Config{})

	commit, err := fair.NewCommitment()
	if err != nil {
		t.Fatalf("NewCommitment: %v", err)
	}
	match := &models.Match{
		ID:         testMatchID,
		LobbyID:    testLobbyID,
		Mode:       models.ModeSolo,
		BuyIn:      1000,
		Pot:        2000,
		Payout:     models.PayoutWinnerTakeAll,
		RakeBps:    800,
		CommitHash: commit.Hash,
	}
	cb := c.callbacks(match, commit)

	standings := []settleStanding{
		{playerOne, 50.0, 1},
		{playerTwo, 10.0, 0},
	}
	result, err := cb.OnFinish("last_standing", toStandings(standings))
	if err != nil {
		t.Fatalf("OnFinish: %v", err)
	}

	// 8% of a 2000-cent pot is 160 rake; winner-take-all pays the rest.
	call, ok := store.settled[testMatchID]
	if !ok {
		t.Fatal("SettleMatch was not called")
	}
	if call.rake != 160 {
		t.Errorf("rake = %d, want 160", call.rake)
	}
	if call.reason != "last_standing" {
		t.Errorf("end reason = %q, want last_standing", call.reason)
	}
	if len(call.placements) != 2 {
		t.Fatalf("settled %d placements, want 2", len(call.placements))
	}
	if call.placements[0].AccountID != playerOne || call.placements[0].Payout != 1840 {
		t.Errorf("rank 1 = %s payout %d, want %s payout 1840",
			call.placements[0].AccountID, call.placements[0].Payout, playerOne)
	}
	if call.placements[1].Payout != 0 {
		t.Errorf("rank 2 payout = %d, want 0", call.placements[1].Payout)
	}

	if result.SeedHex != commit.SeedHex() || result.NonceHex != commit.NonceHex() {
		t.Error("result does not reveal the committed seed and nonce")
	}
	if !fair.VerifyReveal(result.SeedHex, result.NonceHex, result.CommitHash) {
		t.Error("revealed seed/nonce do not verify against the commit hash")
	}
	if len(relay.results) != 1 {
		t.Errorf("relay saw %d results, want 1", len(relay.results))
	}
}

func TestCallbacks_SettleErrorPropagates(t *testing.T) {
	store := newMemStore(soloRoster())
	store.settleErr = errors.New("database down")
	c := New(store, nil, Config{})

	commit, _ := fair.NewCommitment()
	match := &models.Match{ID: testMatchID, Pot: 2000, BuyIn: 1000, Payout: models.PayoutWinnerTakeAll, RakeBps: 0, CommitHash: commit.Hash}
	cb := c.callbacks(match, commit)

	_, err := cb.OnFinish("time_limit", toStandings([]settleStanding{{playerOne, 5, 0}, {playerTwo, 3, 0}}))
	if err == nil {
		t.Fatal("OnFinish swallowed the settlement error")
	}
}

func TestCallbacks_AbortRefundsExactlyOnce(t *testing.T) {
	store := newMemStore(soloRoster())
	relay := &memRelay{}
	c := New(store, relay, Config{})

	commit, _ := fair.NewCommitment()
	match := &models.Match{ID: testMatchID, Pot: 2000, BuyIn: 1000, CommitHash: commit.Hash}
	cb := c.callbacks(match, commit)

	cb.OnAbort(errors.New("tick loop panic"))
	cb.OnAbort(errors.New("tick loop panic"))

	reason, ok := store.refundReason(testMatchID)
	if !ok || reason != "aborted" {
		t.Fatalf("refund reason = %q (recorded %v), want aborted", reason, ok)
	}
	if got := relay.refundReasons(); len(got) != 1 || got[0] != "aborted" {
		t.Errorf("relay refund events = %v, want exactly one aborted", got)
	}
}

func TestCallbacks_PhaseUpdatesPersistAndRelay(t *testing.T) {
	store := newMemStore(soloRoster())
	relay := &memRelay{}
	c := New(store, relay, Config{})

	commit, _ := fair.NewCommitment()
	match := &models.Match{ID: testMatchID, CommitHash: commit.Hash}
	cb := c.callbacks(match, commit)

	cb.OnPhase(models.MatchActive)
	cb.OnPhase(models.MatchShrink)

	got := store.states[testMatchID]
	if len(got) != 2 || got[0] != models.MatchActive || got[1] != models.MatchShrink {
		t.Errorf("persisted states = %v, want [active shrink]", got)
	}
	relay.mu.Lock()
	defer relay.mu.Unlock()
	if len(relay.phases) != 2 {
		t.Errorf("relay saw %d phases, want 2", len(relay.phases))
	}
}

// settleStanding keeps test tables readable.
type settleStanding struct {
	id    uuid.UUID
	mass  float64
	kills int
}

func toStandings(in []settleStanding) []settle.Standing {
	out := make([]settle.Standing, len(in))
	for i, s := range in {
		out[i] = settle.Standing{AccountID: s.id, FinalMass: s.mass, Kills: s.kills}
	}
	return out
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached within deadline")
}
