// Package nonce tracks which signer nonce bits are reserved by accepted
// declarations and which have been consumed on chain.
package nonce

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/brinktrade/brink-api/internal/model"
)

var (
	ErrAlreadyUsed = errors.New("nonce already used")
	ErrNotReserved = errors.New("nonce not reserved")
)

type key struct {
	signer      common.Address
	bitmapIndex uint64
}

func (k key) less(o key) bool {
	if c := bytes.Compare(k.signer[:], o.signer[:]); c != 0 {
		return c < 0
	}
	return k.bitmapIndex < o.bitmapIndex
}

type bits256 [4]uint64

func (b *bits256) has(bit uint) bool { return b[bit/64]&(1<<(bit%64)) != 0 }
func (b *bits256) set(bit uint)      { b[bit/64] |= 1 << (bit % 64) }
func (b *bits256) clear(bit uint)    { b[bit/64] &^= 1 << (bit % 64) }

// word is one (signer, bitmapIndex) bitmap. Every bit moves
// unused -> reserved -> used, or unused -> used when seen on chain.
type word struct {
	mu       sync.Mutex
	reserved bits256
	used     bits256
	// offered maps bits handed out by NextAvailable to the time the offer
	// lapses. Later calls skip them until then. They do not block
	// reservation.
	offered map[uint]time.Time
}

func (w *word) free(bit uint) bool {
	return !w.reserved.has(bit) && !w.used.has(bit)
}

func (w *word) offeredAt(bit uint, now time.Time) bool {
	until, ok := w.offered[bit]
	if ok && !now.Before(until) {
		delete(w.offered, bit)
		return false
	}
	return ok
}

// DefaultOfferTTL is how long a nonce handed out by NextAvailable is held
// back from other callers.
const DefaultOfferTTL = 10 * time.Minute

// Registry is the process-wide nonce state. Operations on different
// (signer, bitmapIndex) words never contend.
type Registry struct {
	words    sync.Map // key -> *word
	offerTTL time.Duration
	now      func() time.Time
}

type Option func(*Registry)

// WithOfferTTL sets how long offered nonces are skipped.
func WithOfferTTL(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.offerTTL = d
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

func NewRegistry(opts ...Option) *Registry {
	r := &Registry{offerTTL: DefaultOfferTTL, now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Registry) word(k key) *word {
	if w, ok := r.words.Load(k); ok {
		return w.(*word)
	}
	w, _ := r.words.LoadOrStore(k, &word{})
	return w.(*word)
}

func keyOf(n model.Nonce) key {
	return key{signer: n.Signer, bitmapIndex: n.BitmapIndex}
}

// Reserve marks n as taken by an off-chain declaration.
func (r *Registry) Reserve(n model.Nonce) error {
	if err := n.Validate(); err != nil {
		return err
	}
	w := r.word(keyOf(n))
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.free(n.Bit) {
		return fmt.Errorf("%w: %s", ErrAlreadyUsed, n)
	}
	w.reserved.set(n.Bit)
	delete(w.offered, n.Bit)
	return nil
}

// ReserveAll reserves every nonce or none of them.
func (r *Registry) ReserveAll(nonces []model.Nonce) error {
	grouped := make(map[key][]uint)
	for _, n := range nonces {
		if err := n.Validate(); err != nil {
			return err
		}
		k := keyOf(n)
		for _, b := range grouped[k] {
			if b == n.Bit {
				return fmt.Errorf("%w: %s repeated", ErrAlreadyUsed, n)
			}
		}
		grouped[k] = append(grouped[k], n.Bit)
	}

	keys := make([]key, 0, len(grouped))
	for k := range grouped {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].less(keys[j]) })

	words := make([]*word, len(keys))
	for i, k := range keys {
		words[i] = r.word(k)
		words[i].mu.Lock()
	}
	defer func() {
		for i := len(words) - 1; i >= 0; i-- {
			words[i].mu.Unlock()
		}
	}()

	for i, k := range keys {
		for _, b := range grouped[k] {
			if !words[i].free(b) {
				return fmt.Errorf("%w: %s", ErrAlreadyUsed, model.NewNonce(k.signer, k.bitmapIndex, b))
			}
		}
	}
	for i, k := range keys {
		for _, b := range grouped[k] {
			words[i].reserved.set(b)
			delete(words[i].offered, b)
		}
	}
	return nil
}

// Release returns a reserved, unconsumed nonce to the pool. It can be
// offered again right away.
func (r *Registry) Release(n model.Nonce) error {
	if err := n.Validate(); err != nil {
		return err
	}
	w := r.word(keyOf(n))
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.used.has(n.Bit) {
		return fmt.Errorf("%w: %s", ErrAlreadyUsed, n)
	}
	if !w.reserved.has(n.Bit) {
		return fmt.Errorf("%w: %s", ErrNotReserved, n)
	}
	w.reserved.clear(n.Bit)
	return nil
}

// Consume moves a reserved nonce to used. Used is irreversible.
func (r *Registry) Consume(n model.Nonce) error {
	if err := n.Validate(); err != nil {
		return err
	}
	w := r.word(keyOf(n))
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.used.has(n.Bit) {
		return fmt.Errorf("%w: %s", ErrAlreadyUsed, n)
	}
	if !w.reserved.has(n.Bit) {
		return fmt.Errorf("%w: %s", ErrNotReserved, n)
	}
	w.reserved.clear(n.Bit)
	w.used.set(n.Bit)
	return nil
}

// MarkUsed records a nonce seen used on chain, whether or not it was reserved here.
func (r *Registry) MarkUsed(n model.Nonce) error {
	if err := n.Validate(); err != nil {
		return err
	}
	w := r.word(keyOf(n))
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.used.has(n.Bit) {
		return fmt.Errorf("%w: %s", ErrAlreadyUsed, n)
	}
	w.reserved.clear(n.Bit)
	w.used.set(n.Bit)
	return nil
}

// IsUsed reports whether n is reserved or consumed.
func (r *Registry) IsUsed(n model.Nonce) bool {
	w := r.word(keyOf(n))
	w.mu.Lock()
	defer w.mu.Unlock()
	return !w.free(n.Bit)
}

// IsConsumed reports whether n is consumed.
func (r *Registry) IsConsumed(n model.Nonce) bool {
	w := r.word(keyOf(n))
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.used.has(n.Bit)
}

// NextAvailable returns count unused nonces for signer in ascending order.
// Nonces handed out are not offered again until the offer TTL passes, so
// concurrent callers never receive the same nonce.
func (r *Registry) NextAvailable(signer common.Address, count int) []model.Nonce {
	now := r.now()
	out := make([]model.Nonce, 0, count)
	for idx := uint64(0); len(out) < count; idx++ {
		w := r.word(key{signer: signer, bitmapIndex: idx})
		w.mu.Lock()
		for bit := uint(0); bit < model.BitsPerBitmap && len(out) < count; bit++ {
			if w.free(bit) && !w.offeredAt(bit, now) {
				if w.offered == nil {
					w.offered = make(map[uint]time.Time)
				}
				w.offered[bit] = now.Add(r.offerTTL)
				out = append(out, model.NewNonce(signer, idx, bit))
			}
		}
		w.mu.Unlock()
	}
	return out
}
