package render

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caesar-terminal/depthbook/internal/book"
	"github.com/caesar-terminal/depthbook/internal/sequencer"
)

type fakeSource struct {
	state sequencer.State
	seq   uint64
	book  *book.Book
}

func (f *fakeSource) Symbol() string               { return f.book.Symbol() }
func (f *fakeSource) State() sequencer.State       { return f.state }
func (f *fakeSource) LastSequence() (uint64, bool) { return f.seq, f.state != sequencer.Uninitialized }
func (f *fakeSource) Book() *book.Book             { return f.book }

func lv(t *testing.T, p, q string) book.PriceLevel {
	t.Helper()
	price, err := book.ParsePrice(p)
	require.NoError(t, err)
	qty, err := book.ParseQuantity(q)
	require.NoError(t, err)
	return book.PriceLevel{Price: price, Quantity: qty}
}

func TestWrite_Table(t *testing.T) {
	b := book.New("XBTUSDTM")
	require.NoError(t, b.ApplySnapshot(
		[]book.PriceLevel{lv(t, "64210.5", "30"), lv(t, "64209", "4"), lv(t, "64208", "1")},
		[]book.PriceLevel{lv(t, "64211", "25"), lv(t, "64212", "1"), lv(t, "64213", "9")},
	))

	var buf bytes.Buffer
	require.NoError(t, Write(&buf, &fakeSource{state: sequencer.Synced, seq: 12, book: b}, 2))

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	require.Len(t, lines, 6)
	assert.Equal(t, "XBTUSDTM seq=12 state=synced spread=0.5 levels=3/3", lines[0])
	assert.Equal(t, []string{"Type", "Symbol", "Price", "Contract", "size"}, strings.Fields(lines[1]))

	want := [][]string{
		{"Asks", "XBTUSDTM", "64212", "1"},
		{"Asks", "XBTUSDTM", "64211", "25"},
		{"Bids", "XBTUSDTM", "64210.5", "30"},
		{"Bids", "XBTUSDTM", "64209", "4"},
	}
	for i, w := range want {
		assert.Equal(t, w, strings.Fields(lines[i+2]), "row %d", i)
	}
	// Columns are aligned.
	assert.Equal(t, strings.Index(lines[1], "Price"), strings.Index(lines[2], "64212"))
}

func TestWrite_Waiting(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, &fakeSource{book: book.New("ETHUSDTM")}, 5))
	assert.Equal(t, "ETHUSDTM: waiting for snapshot\n", buf.String())
}

func TestWrite_OneSided(t *testing.T) {
	b := book.New("ETHUSDTM")
	require.NoError(t, b.ApplySnapshot([]book.PriceLevel{lv(t, "3000", "2")}, nil))

	var buf bytes.Buffer
	require.NoError(t, Write(&buf, &fakeSource{state: sequencer.Resyncing, seq: 4, book: b}, 5))
	assert.True(t, strings.HasPrefix(buf.String(), "ETHUSDTM seq=4 state=resyncing spread=- levels=1/0\n"))
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.Write(p)
}

func (s *syncBuffer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.String()
}

func TestRenderer_Run(t *testing.T) {
	out := &syncBuffer{}
	r := New(out, []Source{&fakeSource{book: book.New("SOLUSDTM")}}, 5, 10*time.Millisecond, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		return strings.Count(out.String(), "SOLUSDTM: waiting for snapshot") >= 2
	}, time.Second, 5*time.Millisecond)
	cancel()
	<-done
}
