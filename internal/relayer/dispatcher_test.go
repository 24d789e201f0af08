package relayer

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brinktrade/brink-api/internal/chain"
	"github.com/brinktrade/brink-api/internal/model"
	"github.com/brinktrade/brink-api/internal/routing"
	"github.com/brinktrade/brink-api/internal/signer"
)

type mockBackend struct {
	sent      []*types.Transaction
	nonce     uint64
	estimate  uint64
	sendError error
}

func (m *mockBackend) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	return m.nonce, nil
}

func (m *mockBackend) SuggestGasTipCap(context.Context) (*big.Int, error) {
	return big.NewInt(2), nil
}

func (m *mockBackend) HeaderByNumber(context.Context, *big.Int) (*types.Header, error) {
	return &types.Header{BaseFee: big.NewInt(10)}, nil
}

func (m *mockBackend) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) {
	return m.estimate, nil
}

func (m *mockBackend) SendTransaction(_ context.Context, tx *types.Transaction) error {
	if m.sendError != nil {
		return m.sendError
	}
	m.sent = append(m.sent, tx)
	m.nonce++
	return nil
}

func newSigner(t *testing.T) *signer.Signer {
	t.Helper()
	km, err := signer.NewLocalKeyManager(t.TempDir(), "pw")
	require.NoError(t, err)
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	_, err = km.ImportKey(key)
	require.NoError(t, err)
	s, err := signer.NewSigner(km, common.Address{})
	require.NoError(t, err)
	return s
}

func TestDispatch(t *testing.T) {
	backend := &mockBackend{nonce: 7, estimate: 100000}
	relayerSigner := newSigner(t)
	d := NewDispatcher(Config{ChainID: 10}, backend, relayerSigner)

	account := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	exec := Execution{
		Account:   account,
		To:        common.HexToAddress("0x00000000000000000000000000000000000000bb"),
		Data:      []byte(`{"declaration":{}}`),
		Signature: []byte{0x01},
	}
	hash, err := d.Dispatch(context.Background(), exec)
	require.NoError(t, err)
	require.Len(t, backend.sent, 1)

	tx := backend.sent[0]
	assert.Equal(t, hash, tx.Hash())
	assert.Equal(t, account, *tx.To())
	assert.Equal(t, uint64(7), tx.Nonce())
	assert.Equal(t, uint64(120000), tx.Gas())
	assert.Equal(t, big.NewInt(22).String(), tx.GasFeeCap().String())

	sender, err := types.Sender(types.LatestSignerForChainID(big.NewInt(10)), tx)
	require.NoError(t, err)
	assert.Equal(t, relayerSigner.Address(), sender)

	method := chain.GetAccountABI().Methods["metaDelegateCall"]
	assert.Equal(t, method.ID, tx.Data()[:4])
	args, err := method.Inputs.Unpack(tx.Data()[4:])
	require.NoError(t, err)
	assert.Equal(t, exec.To, args[0])
	assert.Equal(t, exec.Data, args[1])

	_, err = d.Dispatch(context.Background(), exec)
	require.NoError(t, err)
	assert.Equal(t, uint64(8), backend.sent[1].Nonce())
}

func TestDispatchErrors(t *testing.T) {
	backend := &mockBackend{estimate: 1, sendError: errors.New("nonce too low")}
	d := NewDispatcher(Config{ChainID: 1}, backend, newSigner(t))

	_, err := d.Dispatch(context.Background(), Execution{})
	assert.ErrorIs(t, err, ErrNoCalldata)

	_, err = d.Dispatch(context.Background(), Execution{Data: []byte{1}})
	assert.ErrorContains(t, err, "nonce too low")
}

func TestUnsignedData(t *testing.T) {
	calls := []routing.Tx{{
		To:    common.HexToAddress("0x00000000000000000000000000000000000000cc"),
		Data:  []byte{0xde, 0xad},
		Value: model.U64(5),
	}}
	data, err := UnsignedData(1, 2, 4, calls)
	require.NoError(t, err)

	empty, err := UnsignedData(0, 0, 1, nil)
	require.NoError(t, err)
	assert.NotEqual(t, data, empty)
	assert.Equal(t, big.NewInt(1), new(big.Int).SetBytes(data[:32]))
	assert.Equal(t, big.NewInt(2), new(big.Int).SetBytes(data[32:64]))
	assert.Equal(t, big.NewInt(4), new(big.Int).SetBytes(data[64:96]))
}
