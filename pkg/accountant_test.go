package truevfs

import (
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type closeRecorder struct {
	mu     sync.Mutex
	closed bool
	err    error
}

func (c *closeRecorder) Read(p []byte) (int, error) { return 0, io.EOF }

func (c *closeRecorder) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return c.err
}

func newTestResource(a *accountant, owner uint64, in io.ReadCloser) *accountedResource {
	r := &accountedResource{owner: owner, acct: a, stats: newIoStatistics(), in: in}
	a.account(r)
	return r
}

func TestAccountantCounts(t *testing.T) {
	a := newAccountant()
	gid := goroutineID()

	local := newTestResource(a, gid, &closeRecorder{})
	foreign := newTestResource(a, gid+1, &closeRecorder{})

	total, localCount := a.counts(gid)
	assert.Equal(t, 2, total)
	assert.Equal(t, 1, localCount)

	require.NoError(t, local.Close())
	total, localCount = a.counts(gid)
	assert.Equal(t, 1, total)
	assert.Equal(t, 0, localCount)

	require.NoError(t, foreign.Close())
	total, _ = a.counts(gid)
	assert.Equal(t, 0, total)
}

func TestAwaitForeignTimesOut(t *testing.T) {
	a := newAccountant()
	gid := goroutineID()
	newTestResource(a, gid+1, &closeRecorder{})

	start := time.Now()
	total := a.awaitForeign(gid, 50*time.Millisecond, func() {}, func() {})
	assert.Equal(t, 1, total)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestAwaitForeignWakesOnClose(t *testing.T) {
	a := newAccountant()
	gid := goroutineID()
	foreign := newTestResource(a, gid+1, &closeRecorder{})

	go func() {
		time.Sleep(20 * time.Millisecond)
		foreign.Close()
	}()

	total := a.awaitForeign(gid, 5*time.Second, func() {}, func() {})
	assert.Equal(t, 0, total)
}

func TestCloseAllKillsResources(t *testing.T) {
	a := newAccountant()
	gid := goroutineID()

	rec := &closeRecorder{}
	bad := &closeRecorder{err: errors.New("close failed")}
	r1 := newTestResource(a, gid, rec)
	newTestResource(a, gid+1, bad)

	var warnings []error
	a.closeAll(func(err error) { warnings = append(warnings, err) })

	total, _ := a.counts(gid)
	assert.Equal(t, 0, total)
	assert.True(t, rec.closed)
	assert.Len(t, warnings, 1)

	// A killed resource fails its next read instead of silently serving.
	_, err := r1.Read(make([]byte, 1))
	assert.ErrorIs(t, err, ErrClosedResource)

	// Closing again is a no-op.
	assert.NoError(t, r1.Close())
}
