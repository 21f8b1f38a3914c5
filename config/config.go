// Package config loads the declarative YAML configuration document
// (spec.md §6, §9 "Configuration loading": replacing the original
// executable-config mechanism with structured text).
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/mattventura/ceph-to-zfs/imagefilter"
	"github.com/mattventura/ceph-to-zfs/job"
)

// Default cluster parameters (spec.md §6).
const (
	DefaultAuthName    = "client.admin"
	DefaultConfFile    = "/etc/ceph/ceph.conf"
	DefaultClusterName = "ceph"
)

// Document is the root of the configuration file: a list of jobs.
type Document struct {
	Jobs []jobDoc `yaml:"jobs"`
}

type clusterDoc struct {
	AuthName    string `yaml:"auth_name"`
	ConfFile    string `yaml:"conf_file"`
	ClusterName string `yaml:"cluster_name"`
}

type imageFilterDoc struct {
	Type    string `yaml:"type"`
	Pattern string `yaml:"pattern"`
}

type poolDoc struct {
	CephPoolName         string          `yaml:"ceph_pool_name"`
	ZfsDestination       string          `yaml:"zfs_destination"`
	ImageFilter          *imageFilterDoc `yaml:"image_filter"`
	ZeroBeforeFullBackup bool            `yaml:"zero_before_full_backup"`
}

type jobDoc struct {
	Name    string      `yaml:"name"`
	Cluster *clusterDoc `yaml:"cluster"`
	Pools   []poolDoc   `yaml:"pools"`
}

// Load reads and parses the configuration file at path, rejecting a
// document that defines no jobs. Cluster parameter defaults are applied
// later, by BuildJobs.
func Load(path string) (*Document, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	var doc Document
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if len(doc.Jobs) == 0 {
		return nil, fmt.Errorf("config %s defines no jobs", path)
	}
	return &doc, nil
}

// BuildJobs converts the parsed document into the job package's runtime
// types.
func (d *Document) BuildJobs() ([]*job.Job, error) {
	out := make([]*job.Job, 0, len(d.Jobs))
	for _, jd := range d.Jobs {
		if jd.Name == "" {
			return nil, fmt.Errorf("job entry missing name")
		}
		cluster := job.ClusterParams{
			AuthName:    DefaultAuthName,
			ConfFile:    DefaultConfFile,
			ClusterName: DefaultClusterName,
		}
		if jd.Cluster != nil {
			if jd.Cluster.AuthName != "" {
				cluster.AuthName = jd.Cluster.AuthName
			}
			if jd.Cluster.ConfFile != "" {
				cluster.ConfFile = jd.Cluster.ConfFile
			}
			if jd.Cluster.ClusterName != "" {
				cluster.ClusterName = jd.Cluster.ClusterName
			}
		}

		pools := make([]job.PoolConfig, 0, len(jd.Pools))
		for _, pd := range jd.Pools {
			if pd.CephPoolName == "" || pd.ZfsDestination == "" {
				return nil, fmt.Errorf("job %s: pool entry missing ceph_pool_name or zfs_destination", jd.Name)
			}
			filter, err := buildFilter(pd.ImageFilter)
			if err != nil {
				return nil, fmt.Errorf("job %s, pool %s: %w", jd.Name, pd.CephPoolName, err)
			}
			pools = append(pools, job.PoolConfig{
				CephPoolName:         pd.CephPoolName,
				ZfsDestination:       pd.ZfsDestination,
				ImageFilter:          filter,
				ZeroBeforeFullBackup: pd.ZeroBeforeFullBackup,
			})
		}

		out = append(out, &job.Job{Name: jd.Name, Cluster: cluster, Pools: pools})
	}
	return out, nil
}

// buildFilter defaults to accept-all (spec.md §6: "an image_filter
// (default: accept all)").
func buildFilter(d *imageFilterDoc) (imagefilter.Filter, error) {
	if d == nil || d.Type == "" || d.Type == "accept_all" {
		return imagefilter.AcceptAll, nil
	}
	if d.Type == "regex" {
		f, err := imagefilter.Regex(d.Pattern)
		if err != nil {
			return nil, fmt.Errorf("compiling image_filter regex %q: %w", d.Pattern, err)
		}
		return f, nil
	}
	return nil, fmt.Errorf("unknown image_filter type %q", d.Type)
}
