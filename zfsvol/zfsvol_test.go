package zfsvol

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSnapshotShortName(t *testing.T) {
	s := Snapshot{FullName: "tank/backups/img1@ctz-2026-07-31-00:00:00"}
	require.Equal(t, "ctz-2026-07-31-00:00:00", s.ShortName())
}

func TestSnapshotShortNameWithoutAt(t *testing.T) {
	s := Snapshot{FullName: "tank/backups/img1"}
	require.Equal(t, "tank/backups/img1", s.ShortName())
}

func TestDatasetOf(t *testing.T) {
	require.Equal(t, "tank/backups/img1", datasetOf("tank/backups/img1@ctz-A"))
	require.Equal(t, "tank/backups/img1", datasetOf("tank/backups/img1"))
}

func TestDeviceNode(t *testing.T) {
	require.Equal(t, "/dev/zvol/tank/backups/img1", DeviceNode("tank/backups/img1"))
}

func TestToUint64(t *testing.T) {
	v, err := toUint64(uint64(42))
	require.NoError(t, err)
	require.Equal(t, uint64(42), v)

	v, err = toUint64("123")
	require.NoError(t, err)
	require.Equal(t, uint64(123), v)

	_, err = toUint64(3.14)
	require.Error(t, err)
}

func TestSortSnapshotsByCreationAscending(t *testing.T) {
	now := time.Now()
	snaps := []Snapshot{
		{FullName: "a@c", Created: now.Add(2 * time.Hour)},
		{FullName: "a@a", Created: now},
		{FullName: "a@b", Created: now.Add(time.Hour)},
	}
	sortSnapshotsByCreation(snaps)
	require.Equal(t, []string{"a@a", "a@b", "a@c"}, []string{snaps[0].FullName, snaps[1].FullName, snaps[2].FullName})
}
