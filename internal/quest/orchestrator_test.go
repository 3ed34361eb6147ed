package quest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gateway-fm/questrunner/internal/account"
	"github.com/gateway-fm/questrunner/internal/amount"
	"github.com/gateway-fm/questrunner/internal/chain"
	"github.com/gateway-fm/questrunner/internal/contracts"
	"github.com/gateway-fm/questrunner/internal/jitter"
	"github.com/gateway-fm/questrunner/pkg/types"
)

const testKey = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

// recorder collects the calls made against every fake in order.
type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) add(format string, args ...interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, fmt.Sprintf(format, args...))
}

func (r *recorder) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func (r *recorder) count(prefix string) int {
	n := 0
	for _, e := range r.list() {
		if strings.HasPrefix(e, prefix) {
			n++
		}
	}
	return n
}

type memStore struct {
	mu    sync.Mutex
	rows  map[int]string
	flags map[int]map[types.QuestID]bool
}

func newMemStore() *memStore {
	return &memStore{rows: map[int]string{}, flags: map[int]map[types.QuestID]bool{}}
}

func (s *memStore) CreateIfAbsent(_ context.Context, profile int, address string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rows[profile]; !ok {
		s.rows[profile] = address
		s.flags[profile] = map[types.QuestID]bool{}
	}
	return nil
}

func (s *memStore) QuestDone(_ context.Context, profile int, q types.QuestID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flags[profile][q], nil
}

func (s *memStore) SetQuestDone(_ context.Context, profile int, q types.QuestID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.flags[profile] == nil {
		return errors.New("no row")
	}
	s.flags[profile][q] = true
	return nil
}

// fakeSite shows a badge for a quest once it has been interacted with
// verifyAfter times.
type fakeSite struct {
	rec         *recorder
	badges      map[string]bool
	interacted  map[string]int
	verifyAfter int
	unlockErr   error
	closed      bool
}

func newFakeSite(rec *recorder) *fakeSite {
	return &fakeSite{rec: rec, badges: map[string]bool{}, interacted: map[string]int{}, verifyAfter: 1}
}

func (s *fakeSite) UnlockWallet(context.Context) error {
	s.rec.add("unlock")
	return s.unlockErr
}

func (s *fakeSite) OpenSite(context.Context) error {
	s.rec.add("open_site")
	return nil
}

func (s *fakeSite) QuestCompleted(_ context.Context, text string) (bool, error) {
	return s.badges[text], nil
}

func (s *fakeSite) InteractQuest(_ context.Context, text string) error {
	s.rec.add("interact %s", text)
	s.interacted[text]++
	if s.verifyAfter > 0 && s.interacted[text] >= s.verifyAfter {
		s.badges[text] = true
	}
	return nil
}

func (s *fakeSite) Close(context.Context) error {
	s.closed = true
	s.rec.add("close")
	return nil
}

type fakeChain struct {
	rec       *recorder
	failFirst map[string]int
}

func (f *fakeChain) fail(op string) error {
	if f.failFirst[op] > 0 {
		f.failFirst[op]--
		return fmt.Errorf("%s: rpc unavailable", op)
	}
	return nil
}

func (f *fakeChain) Supply(context.Context) error {
	f.rec.add("supply")
	return f.fail("supply")
}

func (f *fakeChain) Withdraw(context.Context) error {
	f.rec.add("withdraw")
	return f.fail("withdraw")
}

func (f *fakeChain) Swap(_ context.Context, from, to contracts.Descriptor, amt amount.Amount) error {
	f.rec.add("swap %s->%s %v", from.Name, to.Name, amt.IsZero())
	return nil
}

func (f *fakeChain) AddLiquidityETH(_ context.Context, token contracts.Descriptor) error {
	f.rec.add("add %s", token.Name)
	return f.fail("add " + token.Name)
}

func (f *fakeChain) RemoveLiquidity(_ context.Context, token contracts.Descriptor) error {
	f.rec.add("remove %s", token.Name)
	return nil
}

func (f *fakeChain) Stake(context.Context) error {
	f.rec.add("stake")
	return f.fail("stake")
}

func (f *fakeChain) WithdrawToCEX(context.Context) (*chain.Receipt, error) {
	f.rec.add("withdraw_to_cex")
	return nil, nil
}

type harness struct {
	rec   *recorder
	store *memStore
	site  *fakeSite
	chain *fakeChain
	acc   *account.Account
	cfg   Config
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	acc, err := account.NewAccountFromHex(11, testKey)
	require.NoError(t, err)

	rec := &recorder{}
	h := &harness{
		rec:   rec,
		store: newMemStore(),
		site:  newFakeSite(rec),
		chain: &fakeChain{rec: rec, failFirst: map[string]int{}},
		acc:   acc,
	}
	h.cfg = Config{
		Store: h.store,
		OpenSite: func(context.Context, *account.Account) (Site, error) {
			return h.site, nil
		},
		Adapters: func(context.Context, *account.Account) (*Adapters, error) {
			return &Adapters{Lender: h.chain, Swapper: h.chain, Liquidity: h.chain, Treasury: h.chain}, nil
		},
		Rand: jitter.Seeded(3),
	}
	return h
}

func (h *harness) run(t *testing.T) error {
	t.Helper()
	return New(h.cfg).Run(context.Background(), h.acc)
}

// onChain drops browser events so tests can assert on-chain ordering.
func onChain(events []string) []string {
	var out []string
	for _, e := range events {
		switch {
		case e == "unlock", e == "open_site", e == "close", strings.HasPrefix(e, "interact"):
			continue
		}
		out = append(out, e)
	}
	return out
}

func TestRunFreshAccount(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.run(t))

	assert.Equal(t, []string{
		"supply", "withdraw",
		"add ZERO", "remove ZERO", "swap ZERO->ETH true",
		"add NILE", "remove NILE", "swap NILE->ETH true",
		"stake",
	}, onChain(h.rec.list()))

	for _, q := range types.AllQuests {
		done, _ := h.store.QuestDone(context.Background(), h.acc.Profile, q)
		assert.True(t, done, "quest %s", q)
	}
	assert.Equal(t, h.acc.Address.Hex(), h.store.rows[11])
	assert.True(t, h.site.closed)
	assert.Equal(t, 4, h.rec.count("interact"))
}

func TestRunInteractsAfterAction(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.run(t))

	events := h.rec.list()
	idx := func(e string) int {
		for i, v := range events {
			if v == e {
				return i
			}
		}
		return -1
	}
	assert.Less(t, idx("supply"), idx("interact Supply any asset on Linea on Zerolend"))
	assert.Less(t, idx("interact Supply any asset on Linea on Zerolend"), idx("withdraw"))
	assert.Equal(t, "close", events[len(events)-1])
}

func TestRunAlreadyVerifiedOnSite(t *testing.T) {
	h := newHarness(t)
	for _, q := range Campaign {
		h.site.badges[q.Text] = true
	}
	require.NoError(t, h.run(t))

	// Only the unwind steps run.
	assert.Equal(t, []string{
		"withdraw",
		"remove ZERO", "swap ZERO->ETH true",
		"remove NILE", "swap NILE->ETH true",
	}, onChain(h.rec.list()))
	assert.Zero(t, h.rec.count("interact"))
}

func TestRunRetriesQuest(t *testing.T) {
	h := newHarness(t)
	h.chain.failFirst["supply"] = 2
	require.NoError(t, h.run(t))

	assert.Equal(t, 3, h.rec.count("supply"))
	done, _ := h.store.QuestDone(context.Background(), h.acc.Profile, types.QuestSupply)
	assert.True(t, done)
}

func TestRunExhaustedQuestDoesNotStopRun(t *testing.T) {
	h := newHarness(t)
	h.chain.failFirst["add ZERO"] = 100
	err := h.run(t)
	require.Error(t, err)
	assert.Contains(t, err.Error(), types.QuestZeroLiquidity.String())

	assert.Equal(t, 3, h.rec.count("add ZERO"))
	// The rest of the campaign still ran.
	assert.Equal(t, 1, h.rec.count("add NILE"))
	assert.Equal(t, 1, h.rec.count("stake"))
	done, _ := h.store.QuestDone(context.Background(), h.acc.Profile, types.QuestZeroLiquidity)
	assert.False(t, done)
}

func TestRunNotVerified(t *testing.T) {
	h := newHarness(t)
	h.site.verifyAfter = 0
	h.cfg.InteractAttempts = 2
	h.cfg.QuestAttempts = 1

	err := h.run(t)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotVerified))
	// Two rounds for each of the four quests.
	assert.Equal(t, 8, h.rec.count("interact"))
}

func TestRunVerifiesAfterSeveralRounds(t *testing.T) {
	h := newHarness(t)
	h.site.verifyAfter = 2
	require.NoError(t, h.run(t))
	assert.Equal(t, 8, h.rec.count("interact"))
}

func TestRunWithdrawToCEX(t *testing.T) {
	tests := []struct {
		name    string
		enabled bool
		want    int
	}{
		{"enabled", true, 1},
		{"disabled", false, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.cfg.WithdrawToCEX = tt.enabled
			require.NoError(t, h.run(t))
			assert.Equal(t, tt.want, h.rec.count("withdraw_to_cex"))
		})
	}
}

func TestRunUnlockFailureClosesBrowser(t *testing.T) {
	h := newHarness(t)
	h.site.unlockErr = errors.New("wallet locked")
	built := false
	h.cfg.Adapters = func(context.Context, *account.Account) (*Adapters, error) {
		built = true
		return nil, nil
	}

	err := h.run(t)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unlock wallet")
	assert.False(t, built)
	assert.True(t, h.site.closed)
}

func TestRunOpenBrowserFailure(t *testing.T) {
	h := newHarness(t)
	h.cfg.OpenSite = func(context.Context, *account.Account) (Site, error) {
		return nil, errors.New("adspower down")
	}
	err := h.run(t)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "open browser")
	// The row is created before the browser starts.
	assert.Contains(t, h.store.rows, 11)
}

func TestShuffleKeepsStakeLast(t *testing.T) {
	o := New(Config{ShuffleQuests: true, Rand: jitter.Seeded(42)})
	seen := map[types.QuestID]bool{}
	for i := 0; i < 20; i++ {
		quests := o.order()
		require.Len(t, quests, len(Campaign))
		assert.Equal(t, types.QuestStake, quests[len(quests)-1].ID)
		seen[quests[0].ID] = true
	}
	assert.GreaterOrEqual(t, len(seen), 2, "shuffle never changed the first quest")
}

func TestHandlersCoverCampaign(t *testing.T) {
	for _, q := range Campaign {
		_, ok := handlers[q.ID]
		assert.True(t, ok, "missing handler for %s", q.ID)
	}
}
