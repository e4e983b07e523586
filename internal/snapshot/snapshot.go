// Package snapshot is the binary at-rest encoding for ledger, registry and
// deposit records.
//
// Every record starts with a five-byte header: the magic "TRS", the codec
// version and a record kind. Amounts are written as 32-byte big-endian
// unsigned words, so a record written here can be read back by anything
// that speaks 256-bit integers. Fields follow in a fixed order per kind;
// changing that order means bumping Version.
package snapshot

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"

	"github.com/atmx/tranche-engine/internal/apperr"
	"github.com/atmx/tranche-engine/internal/model"
)

// Version is the codec layout written by this package.
const Version byte = 1

const (
	kindLedger   byte = 1
	kindDeposit  byte = 2
	kindRegistry byte = 3
)

var magic = []byte("TRS")

var (
	ErrCorrupt    = apperr.New(apperr.ErrState, "snapshot: corrupt record")
	ErrVersion    = apperr.New(apperr.ErrState, "snapshot: unsupported codec version")
	ErrKind       = apperr.New(apperr.ErrState, "snapshot: unexpected record kind")
	ErrNotInteger = apperr.New(apperr.ErrValidation, "snapshot: amount is not a non-negative integer")
	ErrOverflow   = apperr.New(apperr.ErrValidation, "snapshot: amount exceeds 256 bits")
)

// EncodeLedger serialises a ledger state.
func EncodeLedger(st model.LedgerState) ([]byte, error) {
	w := newWriter(kindLedger)
	w.u32(uint32(st.SchemaVersion))
	w.str(st.ID)
	w.str(st.Kind)
	w.str(st.Operator)
	w.dec(st.Value)
	w.dec(st.LastMonthValue)
	w.dec(st.TotalShares)
	w.dec(st.Treasury)
	w.time(st.LastFeeAt)
	w.dec(st.RebaseIndex)
	w.u64(st.Epoch)
	w.time(st.LastRebaseAt)
	w.str(st.Senior)
	w.dec(st.SpilloverReceived)
	w.dec(st.BackstopProvided)
	w.dec(st.LPReleased)
	w.strs(st.Minters)
	w.u32(uint32(len(st.Holdings)))
	for _, h := range st.Holdings {
		w.str(h.Holder)
		w.dec(h.Shares)
		w.time(h.CooldownStart)
	}
	return w.bytes()
}

// DecodeLedger parses a record written by EncodeLedger.
func DecodeLedger(b []byte) (model.LedgerState, error) {
	r, err := newReader(b, kindLedger)
	if err != nil {
		return model.LedgerState{}, err
	}
	st := model.LedgerState{
		SchemaVersion:     int(r.u32()),
		ID:                r.str(),
		Kind:              r.str(),
		Operator:          r.str(),
		Value:             r.dec(),
		LastMonthValue:    r.dec(),
		TotalShares:       r.dec(),
		Treasury:          r.dec(),
		LastFeeAt:         r.time(),
		RebaseIndex:       r.dec(),
		Epoch:             r.u64(),
		LastRebaseAt:      r.time(),
		Senior:            r.str(),
		SpilloverReceived: r.dec(),
		BackstopProvided:  r.dec(),
		LPReleased:        r.dec(),
		Minters:           r.strs(),
	}
	n := r.count()
	st.Holdings = make([]model.Holding, 0, n)
	for i := 0; i < n && r.err == nil; i++ {
		st.Holdings = append(st.Holdings, model.Holding{
			Holder:        r.str(),
			Shares:        r.dec(),
			CooldownStart: r.time(),
		})
	}
	return st, r.done()
}

// EncodeDeposit serialises a pending deposit.
func EncodeDeposit(d model.PendingDeposit) ([]byte, error) {
	w := newWriter(kindDeposit)
	w.u32(uint32(d.SchemaVersion))
	w.str(d.Ledger)
	w.u64(d.ID)
	w.str(d.Depositor)
	w.str(d.LPToken)
	w.dec(d.Amount)
	w.time(d.CreatedAt)
	w.time(d.ExpiresAt)
	w.str(string(d.Status))
	w.dec(d.Price)
	w.dec(d.Shares)
	w.str(d.Reason)
	w.time(d.ResolvedAt)
	return w.bytes()
}

// DecodeDeposit parses a record written by EncodeDeposit.
func DecodeDeposit(b []byte) (model.PendingDeposit, error) {
	r, err := newReader(b, kindDeposit)
	if err != nil {
		return model.PendingDeposit{}, err
	}
	d := model.PendingDeposit{
		SchemaVersion: int(r.u32()),
		Ledger:        r.str(),
		ID:            r.u64(),
		Depositor:     r.str(),
		LPToken:       r.str(),
		Amount:        r.dec(),
		CreatedAt:     r.time(),
		ExpiresAt:     r.time(),
		Status:        model.DepositStatus(r.str()),
		Price:         r.dec(),
		Shares:        r.dec(),
		Reason:        r.str(),
		ResolvedAt:    r.time(),
	}
	return d, r.done()
}

// EncodeRegistry serialises a registry's configuration.
func EncodeRegistry(st model.RegistryState) ([]byte, error) {
	w := newWriter(kindRegistry)
	w.u32(uint32(st.SchemaVersion))
	w.str(st.ID)
	w.str(st.Ledger)
	w.str(st.Operator)
	w.u64(st.NextID)
	w.bool(st.Restricted)
	w.strs(st.LPTokens)
	w.strs(st.Depositors)
	return w.bytes()
}

// DecodeRegistry parses a record written by EncodeRegistry.
func DecodeRegistry(b []byte) (model.RegistryState, error) {
	r, err := newReader(b, kindRegistry)
	if err != nil {
		return model.RegistryState{}, err
	}
	st := model.RegistryState{
		SchemaVersion: int(r.u32()),
		ID:            r.str(),
		Ledger:        r.str(),
		Operator:      r.str(),
		NextID:        r.u64(),
		Restricted:    r.bool(),
		LPTokens:      r.strs(),
		Depositors:    r.strs(),
	}
	return st, r.done()
}

// Word converts a non-negative integer amount to its 32-byte form.
func Word(d decimal.Decimal) ([32]byte, error) {
	if d.IsNegative() || !d.Equal(d.Truncate(0)) {
		return [32]byte{}, fmt.Errorf("%w: %s", ErrNotInteger, d)
	}
	v, overflow := uint256.FromBig(d.BigInt())
	if overflow {
		return [32]byte{}, fmt.Errorf("%w: %s", ErrOverflow, d)
	}
	return v.Bytes32(), nil
}

// FromWord is the inverse of Word.
func FromWord(b []byte) decimal.Decimal {
	var v uint256.Int
	v.SetBytes32(b)
	return decimal.NewFromBigInt(v.ToBig(), 0)
}

type writer struct {
	buf bytes.Buffer
	err error
}

func newWriter(kind byte) *writer {
	w := &writer{}
	w.buf.Write(magic)
	w.buf.WriteByte(Version)
	w.buf.WriteByte(kind)
	return w
}

func (w *writer) bytes() ([]byte, error) {
	if w.err != nil {
		return nil, w.err
	}
	return w.buf.Bytes(), nil
}

func (w *writer) u32(v uint32) {
	w.buf.Write(binary.BigEndian.AppendUint32(nil, v))
}

func (w *writer) u64(v uint64) {
	w.buf.Write(binary.BigEndian.AppendUint64(nil, v))
}

func (w *writer) bool(v bool) {
	if v {
		w.buf.WriteByte(1)
	} else {
		w.buf.WriteByte(0)
	}
}

func (w *writer) str(s string) {
	w.u32(uint32(len(s)))
	w.buf.WriteString(s)
}

func (w *writer) strs(ss []string) {
	w.u32(uint32(len(ss)))
	for _, s := range ss {
		w.str(s)
	}
}

func (w *writer) dec(d decimal.Decimal) {
	if w.err != nil {
		return
	}
	word, err := Word(d)
	if err != nil {
		w.err = err
		return
	}
	w.buf.Write(word[:])
}

// time writes a presence byte then Unix nanoseconds; the zero time has no
// Unix representation.
func (w *writer) time(t time.Time) {
	w.bool(!t.IsZero())
	if !t.IsZero() {
		w.u64(uint64(t.UnixNano()))
	}
}

type reader struct {
	b   []byte
	err error
}

func newReader(b []byte, kind byte) (*reader, error) {
	if len(b) < len(magic)+2 || !bytes.Equal(b[:len(magic)], magic) {
		return nil, fmt.Errorf("%w: bad header", ErrCorrupt)
	}
	if v := b[len(magic)]; v != Version {
		return nil, fmt.Errorf("%w: %d", ErrVersion, v)
	}
	if k := b[len(magic)+1]; k != kind {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrKind, k, kind)
	}
	return &reader{b: b[len(magic)+2:]}, nil
}

func (r *reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || len(r.b) < n {
		r.err = fmt.Errorf("%w: truncated", ErrCorrupt)
		return nil
	}
	out := r.b[:n]
	r.b = r.b[n:]
	return out
}

func (r *reader) done() error {
	if r.err != nil {
		return r.err
	}
	if len(r.b) != 0 {
		return fmt.Errorf("%w: %d trailing bytes", ErrCorrupt, len(r.b))
	}
	return nil
}

func (r *reader) u32() uint32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}

func (r *reader) u64() uint64 {
	b := r.take(8)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}

func (r *reader) bool() bool {
	b := r.take(1)
	return b != nil && b[0] == 1
}

// count reads a list length, bounded by what is left to read.
func (r *reader) count() int {
	n := int(r.u32())
	if n > len(r.b) {
		r.err = fmt.Errorf("%w: list of %d exceeds record", ErrCorrupt, n)
		return 0
	}
	return n
}

func (r *reader) str() string {
	return string(r.take(int(r.u32())))
}

func (r *reader) strs() []string {
	n := r.count()
	out := make([]string, 0, n)
	for i := 0; i < n && r.err == nil; i++ {
		out = append(out, r.str())
	}
	return out
}

func (r *reader) dec() decimal.Decimal {
	b := r.take(32)
	if b == nil {
		return decimal.Zero
	}
	return FromWord(b)
}

func (r *reader) time() time.Time {
	if !r.bool() {
		return time.Time{}
	}
	return time.Unix(0, int64(r.u64())).UTC()
}
