// Package keys declares the well-known packet keys, pod labels and pod
// annotations shared by the reconciliation steps.
package keys

// Packet keys
const (
	// DomainPresenceInfo holds the *presence.Info of the domain being reconciled
	DomainPresenceInfo = "domainPresenceInfo"

	// ServerName holds the name of the server a pod step works on
	ServerName = "serverName"

	// ClusterName holds the cluster of the server a pod step works on; empty for the admin server
	ClusterName = "clusterName"

	// IntrospectionRequired is set to true while the domain configuration is being introspected
	IntrospectionRequired = "introspectionRequired"

	// IntrospectionRerun holds the work.Step that re-runs introspection
	IntrospectionRerun = "introspectionRerun"

	// StartupEnv holds extra []types.EnvVar added to every server container
	StartupEnv = "startupEnv"

	// Tuning holds the config.Tuning in effect for the attempt
	Tuning = "tuning"

	// PodClient holds the client.PodClient used by pod steps
	PodClient = "podClient"

	// Events holds the *events.Broker steps publish to
	Events = "events"
)

// Pod labels
const (
	LabelCreatedBy   = "steward.cuemby.io/created-by"
	LabelDomainUID   = "steward.cuemby.io/domain-uid"
	LabelDomainName  = "steward.cuemby.io/domain-name"
	LabelServerName  = "steward.cuemby.io/server-name"
	LabelClusterName = "steward.cuemby.io/cluster-name"
	LabelToBeRolled  = "steward.cuemby.io/to-be-rolled"

	CreatedByValue = "steward"
)

// Pod annotations
const (
	AnnotationPodHash = "steward.cuemby.io/pod-hash"
)
