// Package job implements the Job Orchestrator (spec.md §4.6): sequencing
// pools within a job, scoping cluster and pool handles, and aggregating
// status up to the job node.
package job

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/mattventura/ceph-to-zfs/backup"
	"github.com/mattventura/ceph-to-zfs/imagefilter"
	"github.com/mattventura/ceph-to-zfs/rbdsrc"
	"github.com/mattventura/ceph-to-zfs/status"
	"github.com/mattventura/ceph-to-zfs/zfsvol"
)

// ClusterParams names a Ceph cluster handle's three parameters (spec.md §6,
// defaults client.admin / /etc/ceph/ceph.conf / ceph).
type ClusterParams struct {
	AuthName    string
	ConfFile    string
	ClusterName string
}

// PoolConfig is one pool entry within a Job (spec.md §6).
type PoolConfig struct {
	CephPoolName   string
	ZfsDestination string
	ImageFilter    imagefilter.Filter

	// ZeroBeforeFullBackup opts into zeroing a destination zvol's full
	// range before a no-basis copy (spec.md §9, "Full-backup zeroing").
	// Default false, matching the source's existing behavior.
	ZeroBeforeFullBackup bool
}

// Job is (name, cluster_params, pools[]) per spec.md §4.6.
type Job struct {
	Name    string
	Cluster ClusterParams
	Pools   []PoolConfig
}

// Run executes the job against node: opens a cluster handle scoped to the
// call, visits every pool sequentially, and aggregates status up through
// invariant 4 (spec.md §4.6 steps 1-3).
func (j *Job) Run(node *status.Node) error {
	runID := ulid.MustNew(ulid.Timestamp(time.Now()), rand.New(rand.NewSource(time.Now().UnixNano())))
	node.Logf("run %s starting", runID)
	node.LogStatus("Connecting to cluster", status.Preparing)

	cluster, err := rbdsrc.Connect(j.Cluster.AuthName, j.Cluster.ConfFile, j.Cluster.ClusterName)
	if err != nil {
		node.LogStatus(fmt.Sprintf("opening cluster handle: %v", err), status.Failed)
		return err
	}
	defer cluster.Shutdown()

	node.LogStatus("In progress", status.InProgress)

	poolNodes := make([]*status.Node, len(j.Pools))
	for i, pc := range j.Pools {
		poolNodes[i] = node.Child(pc.CephPoolName, true)
	}

	for i, pc := range j.Pools {
		poolNode := poolNodes[i]
		if err := j.runPool(poolNode, cluster, pc); err != nil {
			// Fatal for the whole job: the original raises out of the pool
			// loop on a lost cluster/pool handle rather than continuing to
			// the next pool (jobcontrol.py:29-55). Remaining pools are
			// never started; SetStatusType's terminal cascade marks them
			// Skipped. runPool has already marked poolNode Failed itself
			// for this case, so there is nothing left to set here.
			node.LogStatus(fmt.Sprintf("aborting job: %v", err), status.Failed)
			return err
		}
		// runPool's non-error return means poolNode already carries its own
		// terminal status: backup.Pool.Run sets Success or Failed itself,
		// and runPool's own failure branch sets Failed before returning nil
		// for a non-fatal pool-scoped error. Nothing to set here.
	}

	node.SetStatusType(status.Success)
	return nil
}

// runPool runs one pool to completion and returns an error only for a
// fatal, pool-scope failure (opening the pool ioctx, resolving its ZFS
// base dataset) that must abort the rest of the job. An ordinary image
// failure within the pool is absorbed by the Pool Worker Pool itself and
// never surfaces here (spec.md §4.5).
func (j *Job) runPool(poolNode *status.Node, cluster *rbdsrc.Cluster, pc PoolConfig) error {
	rbdPool, err := cluster.OpenPool(pc.CephPoolName)
	if err != nil {
		err = fmt.Errorf("opening pool %s: %w", pc.CephPoolName, err)
		poolNode.LogStatus(err.Error(), status.Failed)
		return err
	}
	defer rbdPool.Close()

	destBase, err := zfsvol.LookupBase(pc.ZfsDestination)
	if err != nil {
		poolNode.LogStatus(err.Error(), status.Failed)
		return err
	}

	pool := backup.NewPool(poolNode, rbdPool, destBase, pc.ImageFilter, pc.ZeroBeforeFullBackup)
	if err := pool.Run(); err != nil {
		poolNode.LogStatus(fmt.Sprintf("pool run failed: %v", err), status.Failed)
		return nil
	}
	return nil
}
