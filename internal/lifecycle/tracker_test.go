package lifecycle

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brinktrade/brink-api/internal/model"
	"github.com/brinktrade/brink-api/internal/nonce"
	"github.com/brinktrade/brink-api/internal/store"
)

var signer = common.HexToAddress("0x00000000000000000000000000000000000a11ce")

type fixture struct {
	tracker *Tracker
	store   *store.MemoryStore
	nonces  *nonce.Registry
	now     time.Time
}

func (f *fixture) clock() time.Time { return f.now }

func newFixture(t *testing.T, policy BackoffPolicy) *fixture {
	t.Helper()
	f := &fixture{
		store:  store.NewMemoryStore(),
		nonces: nonce.NewRegistry(),
		now:    time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC),
	}
	f.tracker = NewTracker(f.store, f.nonces, policy, WithClock(f.clock))
	return f
}

func segment() model.Segment {
	return model.Segment{Type: model.SegmentRequireBlockNotMined, RequireBlockNotMined: &model.RequireBlockNotMinedParams{BlockNumber: model.U64(1000)}}
}

// submit stores an accepted declaration with one intent per entry of
// segmentCounts and reserves its nonces.
func (f *fixture) submit(t *testing.T, expiry *time.Time, segmentCounts ...int) *model.DeclarationRecord {
	t.Helper()
	sd := model.SignedDeclaration{ChainID: 1, Signer: signer, SignatureType: model.SignatureTypeEIP712}
	sd.Declaration.ExpiryTime = expiry
	for i, n := range segmentCounts {
		in := model.Intent{Nonce: model.NonceBit{BitmapIndex: 0, Bit: uint(i)}}
		for j := 0; j < n; j++ {
			in.Segments = append(in.Segments, segment())
		}
		sd.Declaration.Intents = append(sd.Declaration.Intents, in)
	}
	require.NoError(t, f.nonces.ReserveAll(sd.Nonces()))
	rec := model.NewDeclarationRecord(common.HexToHash("0xd1"), sd, f.now)
	require.NoError(t, f.store.Create(context.Background(), rec))
	return rec
}

func executed(hash common.Hash, intent int, status model.TransactionStatus) model.Transaction {
	return model.Transaction{Hash: hash, ChainID: 1, IntentIndex: intent, Type: model.TransactionExecute, Status: status}
}

func TestObserveSuccessFills(t *testing.T) {
	f := newFixture(t, BackoffPolicy{Base: time.Second, Max: time.Minute, MaxAttempts: 3})
	rec := f.submit(t, nil, 1)
	ctx := context.Background()
	tx := common.HexToHash("0x7a")

	require.NoError(t, f.tracker.Dispatched(ctx, rec.Hash, 0, 0, 1, tx, []string{"ready"}))
	got, err := f.tracker.Observe(ctx, rec.Hash, executed(tx, 0, model.TransactionSucceeded))
	require.NoError(t, err)

	assert.Equal(t, model.StatusFilled, got.Status)
	assert.True(t, got.Intents[0].Done)
	assert.Nil(t, got.Intents[0].Pending)
	assert.True(t, f.nonces.IsConsumed(model.NewNonce(signer, 0, 0)))
	require.Len(t, got.Transactions, 1)
}

func TestObservePartialAdvancesCursor(t *testing.T) {
	f := newFixture(t, BackoffPolicy{})
	rec := f.submit(t, nil, 3, 1)
	ctx := context.Background()
	tx := common.HexToHash("0x7a")

	require.NoError(t, f.tracker.Dispatched(ctx, rec.Hash, 0, 0, 2, tx, nil))
	got, err := f.tracker.Observe(ctx, rec.Hash, executed(tx, 0, model.TransactionSucceeded))
	require.NoError(t, err)

	assert.Equal(t, model.StatusOpen, got.Status)
	assert.Equal(t, 2, got.Intents[0].SegmentIndex)
	assert.False(t, got.Intents[0].Done)
	assert.False(t, f.nonces.IsConsumed(model.NewNonce(signer, 0, 0)))
}

func TestObserveIsIdempotent(t *testing.T) {
	f := newFixture(t, BackoffPolicy{Base: time.Second, MaxAttempts: 5})
	rec := f.submit(t, nil, 1)
	ctx := context.Background()
	fail := executed(common.HexToHash("0x01"), 0, model.TransactionFailed)

	_, err := f.tracker.Observe(ctx, rec.Hash, fail)
	require.NoError(t, err)
	got, err := f.tracker.Observe(ctx, rec.Hash, fail)
	require.NoError(t, err)

	assert.Equal(t, 1, got.Intents[0].Attempts)
	assert.Len(t, got.Transactions, 1)
}

// flakyStore fails the next n combined writes.
type flakyStore struct {
	*store.MemoryStore
	n int
}

func (s *flakyStore) UpdateWithTransaction(ctx context.Context, rec *model.DeclarationRecord, tx model.Transaction) error {
	if s.n > 0 {
		s.n--
		return errors.New("connection reset")
	}
	return s.MemoryStore.UpdateWithTransaction(ctx, rec, tx)
}

func TestObserveRetriesAfterFailedWrite(t *testing.T) {
	f := newFixture(t, BackoffPolicy{Base: time.Second, MaxAttempts: 3})
	rec := f.submit(t, nil, 1)
	ctx := context.Background()
	flaky := &flakyStore{MemoryStore: f.store, n: 1}
	tracker := NewTracker(flaky, f.nonces, BackoffPolicy{Base: time.Second, MaxAttempts: 3}, WithClock(f.clock))
	tx := common.HexToHash("0x7a")

	require.NoError(t, tracker.Dispatched(ctx, rec.Hash, 0, 0, 1, tx, nil))
	_, err := tracker.Observe(ctx, rec.Hash, executed(tx, 0, model.TransactionSucceeded))
	require.Error(t, err)

	stored, err := f.store.Get(ctx, rec.Hash)
	require.NoError(t, err)
	assert.Empty(t, stored.Transactions, "nothing logged without the state change")
	assert.NotNil(t, stored.Intents[0].Pending)
	assert.Equal(t, model.StatusOpen, stored.Status)

	got, err := tracker.Observe(ctx, rec.Hash, executed(tx, 0, model.TransactionSucceeded))
	require.NoError(t, err)
	assert.Equal(t, model.StatusFilled, got.Status)
	assert.True(t, got.Intents[0].Done)

	stored, err = f.store.Get(ctx, rec.Hash)
	require.NoError(t, err)
	assert.Equal(t, model.StatusFilled, stored.Status)
	assert.Len(t, stored.Transactions, 1)
}

func TestObserveFailureRequeuesThenExpires(t *testing.T) {
	policy := BackoffPolicy{Base: time.Second, Max: 10 * time.Second, MaxAttempts: 2}
	f := newFixture(t, policy)
	rec := f.submit(t, nil, 1)
	ctx := context.Background()

	got, err := f.tracker.Observe(ctx, rec.Hash, executed(common.HexToHash("0x01"), 0, model.TransactionFailed))
	require.NoError(t, err)
	assert.Equal(t, model.StatusOpen, got.Status)
	assert.Equal(t, 1, got.Intents[0].Attempts)
	assert.Equal(t, f.now.Add(policy.Delay(rec.Hash, 0, 1)), got.Intents[0].RequeueTime)

	got, err = f.tracker.Observe(ctx, rec.Hash, executed(common.HexToHash("0x02"), 0, model.TransactionFailed))
	require.NoError(t, err)
	assert.Equal(t, model.StatusExpired, got.Status)
	assert.False(t, f.nonces.IsUsed(model.NewNonce(signer, 0, 0)), "reservation released")
	assert.Len(t, got.Transactions, 2)
}

func TestExpire(t *testing.T) {
	f := newFixture(t, BackoffPolicy{})
	exp := f.now.Add(time.Hour)
	rec := f.submit(t, &exp, 1, 1)
	ctx := context.Background()

	ok, err := f.tracker.Expire(ctx, rec.Hash, f.now)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = f.tracker.Expire(ctx, rec.Hash, exp.Add(time.Second))
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := f.store.Get(ctx, rec.Hash)
	require.NoError(t, err)
	assert.Equal(t, model.StatusExpired, got.Status)
	assert.Empty(t, got.Transactions)
	assert.False(t, f.nonces.IsUsed(model.NewNonce(signer, 0, 0)))
	assert.False(t, f.nonces.IsUsed(model.NewNonce(signer, 0, 1)))
}

func TestExpireWaitsForPendingDispatch(t *testing.T) {
	f := newFixture(t, BackoffPolicy{})
	exp := f.now.Add(time.Minute)
	rec := f.submit(t, &exp, 1)
	ctx := context.Background()
	require.NoError(t, f.tracker.Dispatched(ctx, rec.Hash, 0, 0, 1, common.HexToHash("0x7a"), nil))

	ok, err := f.tracker.Expire(ctx, rec.Hash, exp.Add(time.Hour))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestTerminalStatesAreFinal(t *testing.T) {
	f := newFixture(t, BackoffPolicy{})
	exp := f.now.Add(time.Minute)
	rec := f.submit(t, &exp, 1)
	ctx := context.Background()

	_, err := f.tracker.Observe(ctx, rec.Hash, executed(common.HexToHash("0x01"), 0, model.TransactionSucceeded))
	require.NoError(t, err)

	ok, err := f.tracker.Expire(ctx, rec.Hash, exp.Add(time.Hour))
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = f.tracker.Cancel(ctx, rec.Hash)
	assert.ErrorIs(t, err, ErrTerminal)

	got, err := f.tracker.Observe(ctx, rec.Hash, model.Transaction{Hash: common.HexToHash("0x02"), Type: model.TransactionCancel, Status: model.TransactionSucceeded, IntentIndex: model.CancelIntentIndex})
	require.NoError(t, err)
	assert.Equal(t, model.StatusFilled, got.Status)
	assert.Len(t, got.Transactions, 2, "late transactions are still logged")
}

func TestCancel(t *testing.T) {
	f := newFixture(t, BackoffPolicy{})
	rec := f.submit(t, nil, 1)
	ctx := context.Background()

	got, err := f.tracker.Cancel(ctx, rec.Hash)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCancelled, got.Status)
	assert.True(t, f.nonces.IsUsed(model.NewNonce(signer, 0, 0)))
}

func TestCancelAfterExecution(t *testing.T) {
	f := newFixture(t, BackoffPolicy{})
	rec := f.submit(t, nil, 1, 1)
	ctx := context.Background()

	_, err := f.tracker.Observe(ctx, rec.Hash, executed(common.HexToHash("0x01"), 0, model.TransactionSucceeded))
	require.NoError(t, err)

	_, err = f.tracker.Cancel(ctx, rec.Hash)
	assert.ErrorIs(t, err, ErrCancelNotAllowed)
}

func TestObserveCancelTransaction(t *testing.T) {
	f := newFixture(t, BackoffPolicy{})
	rec := f.submit(t, nil, 1, 1)
	ctx := context.Background()

	_, err := f.tracker.Observe(ctx, rec.Hash, executed(common.HexToHash("0x01"), 0, model.TransactionSucceeded))
	require.NoError(t, err)
	got, err := f.tracker.Observe(ctx, rec.Hash, model.Transaction{
		Hash: common.HexToHash("0x02"), Type: model.TransactionCancel, Status: model.TransactionSucceeded, IntentIndex: model.CancelIntentIndex,
	})
	require.NoError(t, err)

	assert.Equal(t, model.StatusCancelled, got.Status)
	assert.True(t, f.nonces.IsConsumed(model.NewNonce(signer, 0, 0)))
	assert.True(t, f.nonces.IsConsumed(model.NewNonce(signer, 0, 1)))
}

func TestClaimLease(t *testing.T) {
	f := newFixture(t, BackoffPolicy{})
	rec := f.submit(t, nil, 1)
	ctx := context.Background()

	_, err := f.tracker.Claim(ctx, rec.Hash, 0, time.Minute)
	require.NoError(t, err)
	_, err = f.tracker.Claim(ctx, rec.Hash, 0, time.Minute)
	assert.ErrorIs(t, err, ErrNotDue)

	f.now = f.now.Add(2 * time.Minute)
	_, err = f.tracker.Claim(ctx, rec.Hash, 0, time.Minute)
	assert.NoError(t, err)

	_, err = f.tracker.Claim(ctx, rec.Hash, 5, time.Minute)
	assert.ErrorIs(t, err, ErrIntentIndex)
}

func TestBeginDispatchHoldsCancelAndExpire(t *testing.T) {
	f := newFixture(t, BackoffPolicy{Base: time.Second, MaxAttempts: 5})
	exp := f.now.Add(time.Second)
	rec := f.submit(t, &exp, 1)
	ctx := context.Background()

	_, err := f.tracker.Claim(ctx, rec.Hash, 0, time.Minute)
	require.NoError(t, err)
	require.NoError(t, f.tracker.BeginDispatch(ctx, rec.Hash, 0, time.Minute))

	_, err = f.tracker.Cancel(ctx, rec.Hash)
	assert.ErrorIs(t, err, ErrCancelNotAllowed)
	ok, err := f.tracker.Expire(ctx, rec.Hash, exp.Add(time.Second))
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, f.tracker.DispatchFailed(ctx, rec.Hash, 0, assert.AnError))
	got, err := f.store.Get(ctx, rec.Hash)
	require.NoError(t, err)
	assert.Nil(t, got.Intents[0].DispatchingUntil)
	got, err = f.tracker.Cancel(ctx, rec.Hash)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCancelled, got.Status)

	err = f.tracker.BeginDispatch(ctx, rec.Hash, 0, time.Minute)
	assert.ErrorIs(t, err, ErrTerminal)
}

func TestBeginDispatchLapsesWithLease(t *testing.T) {
	f := newFixture(t, BackoffPolicy{})
	rec := f.submit(t, nil, 1)
	ctx := context.Background()

	require.NoError(t, f.tracker.BeginDispatch(ctx, rec.Hash, 0, time.Minute))
	f.now = f.now.Add(2 * time.Minute)

	got, err := f.tracker.Cancel(ctx, rec.Hash)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCancelled, got.Status)
}

func TestFailSettles(t *testing.T) {
	f := newFixture(t, BackoffPolicy{})
	rec := f.submit(t, nil, 1, 1)
	ctx := context.Background()

	require.NoError(t, f.tracker.Fail(ctx, rec.Hash, 0, []string{"failed(BlockMined)"}))
	got, err := f.store.Get(ctx, rec.Hash)
	require.NoError(t, err)
	assert.Equal(t, model.StatusOpen, got.Status)
	assert.True(t, got.Intents[0].Failed)

	require.NoError(t, f.tracker.Fail(ctx, rec.Hash, 1, nil))
	got, err = f.store.Get(ctx, rec.Hash)
	require.NoError(t, err)
	assert.Equal(t, model.StatusExpired, got.Status)
}

func TestBackoffDelay(t *testing.T) {
	p := BackoffPolicy{Base: time.Second, Max: 8 * time.Second, MaxJitter: 500 * time.Millisecond}
	hash := common.HexToHash("0xd1")

	assert.Equal(t, p.Delay(hash, 0, 2), p.Delay(hash, 0, 2), "deterministic")
	for attempt, floor := range []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 8 * time.Second} {
		d := p.Delay(hash, 0, attempt)
		assert.GreaterOrEqual(t, d, floor)
		assert.Less(t, d, floor+p.MaxJitter)
	}
	assert.Less(t, p.Delay(hash, 0, 64), p.Max+p.MaxJitter)
	assert.True(t, BackoffPolicy{MaxAttempts: 3}.Exhausted(3))
	assert.False(t, BackoffPolicy{}.Exhausted(100))
}
