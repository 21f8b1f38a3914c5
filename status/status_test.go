package status_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mattventura/ceph-to-zfs/status"
)

func TestChildMakeOrReplace(t *testing.T) {
	root := status.NewRoot("job", nil)
	first := root.Child("pool1", true)
	first.LogStatus("first", status.InProgress)

	second := root.Child("pool1", true)
	require.NotSame(t, first, second)
	require.Equal(t, status.NotStarted, second.StatusType())

	children := root.Children()
	require.Len(t, children, 1)
	require.Same(t, second, children[0])
}

func TestTerminalCascadesSkippedToNotStartedChildren(t *testing.T) {
	root := status.NewRoot("job", nil)
	pool := root.Child("pool1", true)
	img1 := pool.Child("img1", true)
	img2 := pool.Child("img2", true)
	img1.SetStatusType(status.Success)

	pool.SetStatusType(status.Success)

	require.Equal(t, status.Success, img1.StatusType())
	require.Equal(t, status.Skipped, img2.StatusType())
}

func TestSuccessCoercesToChildrenFailedWhenAChildIsBad(t *testing.T) {
	root := status.NewRoot("job", nil)
	pool := root.Child("pool1", true)
	ok := pool.Child("img1", true)
	bad := pool.Child("img2", true)
	ok.SetStatusType(status.Success)
	bad.SetStatusType(status.Failed)

	pool.SetStatusType(status.Success)

	require.Equal(t, status.ChildrenFailed, pool.StatusType())
}

func TestFullPathRespectsIncludeParent(t *testing.T) {
	root := status.NewRoot("job", nil)
	pool := root.Child("pool1", true)
	img := pool.Child("img1", false)

	require.Equal(t, []string{"img1"}, img.FullPathStrings())
	require.Equal(t, []string{"job", "pool1"}, pool.FullPathStrings())
}

func TestLogStatusRecordsTextAndSink(t *testing.T) {
	var captured []string
	root := status.NewRoot("job", func(path []string, msg string) {
		captured = append(captured, msg)
	})
	root.LogStatus("starting up", status.InProgress)

	require.Equal(t, "starting up", root.StatusText())
	require.Equal(t, status.InProgress, root.StatusType())
	require.Equal(t, []string{"starting up"}, captured)
}
