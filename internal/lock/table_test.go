package lock

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

func newTestTable(t *testing.T) (*Table, *FakeClock) {
	t.Helper()
	clock := NewFakeClock(epoch)
	return NewTable(WithClock(clock)), clock
}

func TestNewTableDefaults(t *testing.T) {
	table := NewTable()

	assert.Equal(t, DefaultTTL, table.TTL())
	assert.Equal(t, 0, table.Len())
}

func TestWithTTLIgnoresNonPositive(t *testing.T) {
	table := NewTable(WithTTL(0))
	assert.Equal(t, DefaultTTL, table.TTL())

	table = NewTable(WithTTL(5 * time.Second))
	assert.Equal(t, 5*time.Second, table.TTL())
}

func TestTryAcquire(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(tb *Table)
		userID  string
		wantErr error
	}{
		{
			name:   "unlocked segment",
			userID: "user-a",
		},
		{
			name: "idempotent re-acquire by holder",
			setup: func(tb *Table) {
				_, _ = tb.TryAcquire("seg-1", "proj-1", "user-a", "Avery")
			},
			userID: "user-a",
		},
		{
			name: "held by another user",
			setup: func(tb *Table) {
				_, _ = tb.TryAcquire("seg-1", "proj-1", "user-a", "Avery")
			},
			userID:  "user-b",
			wantErr: ErrLocked,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			table, _ := newTestTable(t)
			if tt.setup != nil {
				tt.setup(table)
			}

			held, err := table.TryAcquire("seg-1", "proj-1", tt.userID, "Name")
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.userID, held.HolderUserID)
			assert.Equal(t, "proj-1", held.ProjectID)
		})
	}
}

func TestTryAcquireDeniedCarriesHolder(t *testing.T) {
	table, _ := newTestTable(t)
	_, err := table.TryAcquire("seg-1", "proj-1", "user-a", "Avery")
	require.NoError(t, err)

	_, err = table.TryAcquire("seg-1", "proj-1", "user-b", "Blake")

	var denied *DeniedError
	require.True(t, errors.As(err, &denied))
	assert.Equal(t, "user-a", denied.Holder.HolderUserID)
	assert.Equal(t, "Avery", denied.Holder.HolderDisplayName)
}

func TestTryAcquireSegmentIDSpansProjects(t *testing.T) {
	table, _ := newTestTable(t)

	_, err := table.TryAcquire("seg-1", "proj-1", "user-a", "Avery")
	require.NoError(t, err)

	_, err = table.TryAcquire("seg-1", "proj-2", "user-b", "Blake")
	var denied *DeniedError
	require.ErrorAs(t, err, &denied)
	assert.Equal(t, "proj-1", denied.Holder.ProjectID)
	assert.Empty(t, table.LocksForProject("proj-2"))
}

func TestTryAcquireRefreshesOwnLock(t *testing.T) {
	table, clock := newTestTable(t)
	first, err := table.TryAcquire("seg-1", "proj-1", "user-a", "Avery")
	require.NoError(t, err)

	clock.Advance(20 * time.Second)
	second, err := table.TryAcquire("seg-1", "proj-1", "user-a", "Avery")
	require.NoError(t, err)

	assert.Equal(t, first.AcquiredAt, second.AcquiredAt)
	assert.True(t, second.ExpiresAt.After(first.ExpiresAt))
	assert.Equal(t, epoch.Add(20*time.Second+DefaultTTL), second.ExpiresAt)
}

func TestTryAcquireMutualExclusion(t *testing.T) {
	table := NewTable()
	const contenders = 64

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners []string
		denied  int
	)
	start := make(chan struct{})
	for i := 0; i < contenders; i++ {
		wg.Add(1)
		go func(userID string) {
			defer wg.Done()
			<-start
			_, err := table.TryAcquire("seg-1", "proj-1", userID, userID)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				winners = append(winners, userID)
				return
			}
			if errors.Is(err, ErrLocked) {
				denied++
			}
		}(fmt.Sprintf("user-%d", i))
	}
	close(start)
	wg.Wait()

	require.Len(t, winners, 1)
	assert.Equal(t, contenders-1, denied)

	held, ok := table.Info("seg-1")
	require.True(t, ok)
	assert.Equal(t, winners[0], held.HolderUserID)
}

func TestRelease(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(tb *Table)
		userID  string
		wantErr error
	}{
		{
			name: "holder releases",
			setup: func(tb *Table) {
				_, _ = tb.TryAcquire("seg-1", "proj-1", "user-a", "Avery")
			},
			userID: "user-a",
		},
		{
			name: "non-holder is rejected",
			setup: func(tb *Table) {
				_, _ = tb.TryAcquire("seg-1", "proj-1", "user-a", "Avery")
			},
			userID:  "user-b",
			wantErr: ErrNotHolder,
		},
		{
			name:    "unlocked segment",
			userID:  "user-a",
			wantErr: ErrNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			table, _ := newTestTable(t)
			if tt.setup != nil {
				tt.setup(table)
			}

			_, err := table.Release("seg-1", tt.userID)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.False(t, table.IsLocked("seg-1"))
		})
	}
}

func TestReleaseIfHeldBy(t *testing.T) {
	table, _ := newTestTable(t)
	_, err := table.TryAcquire("seg-1", "proj-1", "user-a", "Avery")
	require.NoError(t, err)

	_, ok := table.ReleaseIfHeldBy("seg-1", "user-b")
	assert.False(t, ok)
	assert.True(t, table.IsLocked("seg-1"))

	released, ok := table.ReleaseIfHeldBy("seg-1", "user-a")
	assert.True(t, ok)
	assert.Equal(t, "seg-1", released.SegmentID)

	_, ok = table.ReleaseIfHeldBy("seg-1", "user-a")
	assert.False(t, ok)
}

func TestRefresh(t *testing.T) {
	table, clock := newTestTable(t)
	_, err := table.TryAcquire("seg-1", "proj-1", "user-a", "Avery")
	require.NoError(t, err)

	clock.Advance(10 * time.Second)
	refreshed, err := table.Refresh("seg-1", "user-a")
	require.NoError(t, err)
	assert.Equal(t, epoch.Add(10*time.Second), refreshed.LastRefreshedAt)
	assert.Equal(t, epoch.Add(10*time.Second+DefaultTTL), refreshed.ExpiresAt)

	_, err = table.Refresh("seg-1", "user-b")
	assert.ErrorIs(t, err, ErrNotHolder)

	_, err = table.Refresh("seg-2", "user-a")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestForceReleaseAll(t *testing.T) {
	table, _ := newTestTable(t)
	for _, seg := range []string{"seg-c", "seg-a", "seg-b"} {
		_, err := table.TryAcquire(seg, "proj-1", "user-a", "Avery")
		require.NoError(t, err)
	}
	_, err := table.TryAcquire("seg-z", "proj-1", "user-b", "Blake")
	require.NoError(t, err)

	released := table.ForceReleaseAll("user-a")

	require.Len(t, released, 3)
	assert.Equal(t, "seg-a", released[0].SegmentID)
	assert.Equal(t, "seg-b", released[1].SegmentID)
	assert.Equal(t, "seg-c", released[2].SegmentID)
	assert.Empty(t, table.HeldBy("user-a"))
	assert.True(t, table.IsLocked("seg-z"))
	assert.Empty(t, table.ForceReleaseAll("user-a"))
}

func TestForceReleaseProject(t *testing.T) {
	table, _ := newTestTable(t)
	_, _ = table.TryAcquire("seg-1", "proj-1", "user-a", "Avery")
	_, _ = table.TryAcquire("seg-2", "proj-2", "user-a", "Avery")

	released := table.ForceReleaseProject("user-a", "proj-1")

	require.Len(t, released, 1)
	assert.Equal(t, "seg-1", released[0].SegmentID)
	assert.True(t, table.IsLocked("seg-2"))
}

func TestExpire(t *testing.T) {
	table, clock := newTestTable(t)
	_, _ = table.TryAcquire("seg-1", "proj-1", "user-a", "Avery")
	clock.Advance(15 * time.Second)
	_, _ = table.TryAcquire("seg-2", "proj-1", "user-b", "Blake")

	clock.Advance(14 * time.Second)
	assert.Empty(t, table.Expire())

	clock.Advance(time.Second)
	expired := table.Expire()
	require.Len(t, expired, 1)
	assert.Equal(t, "seg-1", expired[0].SegmentID)
	assert.False(t, table.IsLocked("seg-1"))
	assert.True(t, table.IsLocked("seg-2"))

	assert.Empty(t, table.Expire())
}

func TestHeartbeatKeepsLockAlive(t *testing.T) {
	table, clock := newTestTable(t)
	_, _ = table.TryAcquire("seg-1", "proj-1", "user-a", "Avery")

	for i := 0; i < 6; i++ {
		clock.Advance(10 * time.Second)
		_, err := table.Refresh("seg-1", "user-a")
		require.NoError(t, err)
		assert.Empty(t, table.Expire())
	}
	assert.True(t, table.IsLocked("seg-1"))
}

func TestLocksForProject(t *testing.T) {
	table, _ := newTestTable(t)
	_, _ = table.TryAcquire("seg-y", "proj-1", "user-b", "Blake")
	_, _ = table.TryAcquire("seg-x", "proj-1", "user-a", "Avery")
	_, _ = table.TryAcquire("seg-q", "proj-2", "user-a", "Avery")

	locks := table.LocksForProject("proj-1")

	require.Len(t, locks, 2)
	assert.Equal(t, "seg-x", locks[0].SegmentID)
	assert.Equal(t, "user-a", locks[0].HolderUserID)
	assert.Equal(t, "seg-y", locks[1].SegmentID)
	assert.Equal(t, "user-b", locks[1].HolderUserID)

	assert.NotNil(t, table.LocksForProject("proj-empty"))
	assert.Empty(t, table.LocksForProject("proj-empty"))
}
