package dispatch

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/passl-hq/dispatch-core/internal/domain"
)

func pairJob() domain.Job {
	return domain.NewJob(domain.JobBatch, []string{"o1", "o2"}, nil)
}

func TestApplyAcceptanceDeductsCapacity(t *testing.T) {
	d := domain.Driver{ID: "d1", Status: domain.DriverAvailable, MaxCapacity: 3}

	next, err := ApplyAcceptance(d, pairJob(), false)
	require.NoError(t, err)
	assert.Equal(t, 1, next.MaxCapacity)
	// Leftover capacity without chaining keeps the driver in the open pool.
	assert.Equal(t, domain.DriverAvailable, next.Status)
}

func TestApplyAcceptanceExhaustedCapacityMovesToCollect(t *testing.T) {
	d := domain.Driver{ID: "d1", Status: domain.DriverAvailable, MaxCapacity: 2}

	next, err := ApplyAcceptance(d, pairJob(), false)
	require.NoError(t, err)
	assert.Equal(t, 0, next.MaxCapacity)
	assert.Equal(t, domain.DriverTransitToCollect, next.Status)
}

func TestApplyAcceptanceChainingTravelsWithLeftoverCapacity(t *testing.T) {
	d := domain.Driver{ID: "d1", Status: domain.DriverAvailable, MaxCapacity: 3}

	next, err := ApplyAcceptance(d, pairJob(), true)
	require.NoError(t, err)
	assert.Equal(t, 1, next.MaxCapacity)
	assert.Equal(t, domain.DriverTransitToCollect, next.Status)
}

func TestApplyAcceptanceInsufficientCapacity(t *testing.T) {
	d := domain.Driver{ID: "d1", Status: domain.DriverAvailable, MaxCapacity: 1}

	_, err := ApplyAcceptance(d, pairJob(), false)
	require.ErrorIs(t, err, domain.ErrConflict)
}

func TestApplyWithdrawal(t *testing.T) {
	d := domain.Driver{ID: "d1", Status: domain.DriverTransitToCollect, MaxCapacity: 0}
	assert.Equal(t, domain.DriverOffline, ApplyWithdrawal(d).Status)
}

func TestFleetAcceptAndWithdraw(t *testing.T) {
	fleet := NewFleet([]domain.Driver{
		{ID: "d1", Status: domain.DriverAvailable, MaxCapacity: 2},
		{ID: "d2", Status: domain.DriverAvailable, MaxCapacity: 1},
	})

	next, err := fleet.Accept("d1", pairJob(), false)
	require.NoError(t, err)
	assert.Equal(t, domain.DriverTransitToCollect, next.Status)

	got, ok := fleet.Get("d1")
	require.True(t, ok)
	assert.Equal(t, 0, got.MaxCapacity)

	_, err = fleet.Accept("d2", pairJob(), false)
	require.ErrorIs(t, err, domain.ErrConflict)

	_, err = fleet.Accept("missing", pairJob(), false)
	require.ErrorIs(t, err, domain.ErrNotFound)

	gone, ok := fleet.Withdraw("d2")
	require.True(t, ok)
	assert.Equal(t, domain.DriverOffline, gone.Status)

	snap := fleet.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "d1", snap[0].ID)
	assert.Equal(t, "d2", snap[1].ID)
}
