/*
Package types defines the domain model shared by every Steward package.

A Domain declares one admin server and any number of clusters. Each cluster
runs Replicas managed servers named "<cluster>-server<N>":

	Domain (uid=sample, image=app:1.0)
	├── AdminServer: admin-server
	└── Clusters
	    └── cluster-1 (replicas=2)
	        ├── cluster-1-server1
	        └── cluster-1-server2

# Server pod configuration

ServerPodSpec can be set at three levels: the domain, a cluster and the admin
server. EffectiveServerSpec merges them from least to most specific:

  - scalar fields and slices of arguments are replaced
  - env vars, volumes and volume mounts are merged by name
  - labels, annotations and node selectors are merged by key

The restart versions of each level are joined into one RestartVersion so that
bumping any of them forces the affected pods to be replaced.

# Status

DomainStatus records the last known state of each server (RUNNING, SHUTDOWN,
UNKNOWN and so on). A server whose state is SHUTDOWN or UNKNOWN is deleted
without a grace period.
*/
package types
