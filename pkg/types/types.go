package types

import (
	"fmt"
	"strings"
	"time"
)

// Domain is the declared desired state of one application domain: a single
// admin server and any number of clusters of managed servers
type Domain struct {
	UID               string        `json:"uid" yaml:"uid"`
	Name              string        `json:"name" yaml:"name"`
	Namespace         string        `json:"namespace" yaml:"namespace"`
	Image             string        `json:"image" yaml:"image"`
	ImagePullPolicy   string        `json:"imagePullPolicy,omitempty" yaml:"imagePullPolicy,omitempty"`
	RestartVersion    string        `json:"restartVersion,omitempty" yaml:"restartVersion,omitempty"`
	IntrospectVersion string        `json:"introspectVersion,omitempty" yaml:"introspectVersion,omitempty"`
	ServerPod         ServerPodSpec `json:"serverPod,omitempty" yaml:"serverPod,omitempty"`
	AdminServer       AdminServer   `json:"adminServer" yaml:"adminServer"`
	Clusters          []*Cluster    `json:"clusters,omitempty" yaml:"clusters,omitempty"`
	Status            *DomainStatus `json:"status,omitempty" yaml:"-"`
	CreatedAt         time.Time     `json:"createdAt" yaml:"-"`
	UpdatedAt         time.Time     `json:"updatedAt" yaml:"-"`
}

// AdminServer configures the domain's admin server
type AdminServer struct {
	Name           string        `json:"name" yaml:"name"`
	RestartVersion string        `json:"restartVersion,omitempty" yaml:"restartVersion,omitempty"`
	ServerPod      ServerPodSpec `json:"serverPod,omitempty" yaml:"serverPod,omitempty"`
}

// Cluster is a scalable group of managed servers
type Cluster struct {
	Name           string        `json:"name" yaml:"name"`
	Replicas       int           `json:"replicas" yaml:"replicas"`
	RestartVersion string        `json:"restartVersion,omitempty" yaml:"restartVersion,omitempty"`
	ServerPod      ServerPodSpec `json:"serverPod,omitempty" yaml:"serverPod,omitempty"`
}

// ServerPodSpec is the pod-level configuration that can be set on the domain,
// a cluster or the admin server. More specific levels override less specific ones.
type ServerPodSpec struct {
	Image                  string              `json:"image,omitempty" yaml:"image,omitempty"`
	Command                []string            `json:"command,omitempty" yaml:"command,omitempty"`
	Args                   []string            `json:"args,omitempty" yaml:"args,omitempty"`
	Env                    []EnvVar            `json:"env,omitempty" yaml:"env,omitempty"`
	Resources              *Resources          `json:"resources,omitempty" yaml:"resources,omitempty"`
	Labels                 map[string]string   `json:"labels,omitempty" yaml:"labels,omitempty"`
	Annotations            map[string]string   `json:"annotations,omitempty" yaml:"annotations,omitempty"`
	NodeSelector           map[string]string   `json:"nodeSelector,omitempty" yaml:"nodeSelector,omitempty"`
	ShutdownTimeoutSeconds *int64              `json:"shutdownTimeoutSeconds,omitempty" yaml:"shutdownTimeoutSeconds,omitempty"`
	SecurityContext        *SecurityContext    `json:"securityContext,omitempty" yaml:"securityContext,omitempty"`
	PodSecurityContext     *PodSecurityContext `json:"podSecurityContext,omitempty" yaml:"podSecurityContext,omitempty"`
	Volumes                []Volume            `json:"volumes,omitempty" yaml:"volumes,omitempty"`
	VolumeMounts           []VolumeMount       `json:"volumeMounts,omitempty" yaml:"volumeMounts,omitempty"`
}

// EnvVar is an environment variable passed to the server container
type EnvVar struct {
	Name  string `json:"name" yaml:"name"`
	Value string `json:"value" yaml:"value"`
}

// Resources are container resource requests and limits in Kubernetes quantity notation
type Resources struct {
	CPURequest    string `json:"cpuRequest,omitempty" yaml:"cpuRequest,omitempty"`
	MemoryRequest string `json:"memoryRequest,omitempty" yaml:"memoryRequest,omitempty"`
	CPULimit      string `json:"cpuLimit,omitempty" yaml:"cpuLimit,omitempty"`
	MemoryLimit   string `json:"memoryLimit,omitempty" yaml:"memoryLimit,omitempty"`
}

// SecurityContext is the container security context
type SecurityContext struct {
	RunAsUser              *int64 `json:"runAsUser,omitempty" yaml:"runAsUser,omitempty"`
	RunAsGroup             *int64 `json:"runAsGroup,omitempty" yaml:"runAsGroup,omitempty"`
	RunAsNonRoot           *bool  `json:"runAsNonRoot,omitempty" yaml:"runAsNonRoot,omitempty"`
	ReadOnlyRootFilesystem *bool  `json:"readOnlyRootFilesystem,omitempty" yaml:"readOnlyRootFilesystem,omitempty"`
	Privileged             *bool  `json:"privileged,omitempty" yaml:"privileged,omitempty"`
}

// PodSecurityContext is the pod security context
type PodSecurityContext struct {
	RunAsUser    *int64 `json:"runAsUser,omitempty" yaml:"runAsUser,omitempty"`
	RunAsGroup   *int64 `json:"runAsGroup,omitempty" yaml:"runAsGroup,omitempty"`
	RunAsNonRoot *bool  `json:"runAsNonRoot,omitempty" yaml:"runAsNonRoot,omitempty"`
	FSGroup      *int64 `json:"fsGroup,omitempty" yaml:"fsGroup,omitempty"`
}

// Volume is a pod volume. Exactly one source should be set.
type Volume struct {
	Name      string `json:"name" yaml:"name"`
	HostPath  string `json:"hostPath,omitempty" yaml:"hostPath,omitempty"`
	EmptyDir  bool   `json:"emptyDir,omitempty" yaml:"emptyDir,omitempty"`
	ConfigMap string `json:"configMap,omitempty" yaml:"configMap,omitempty"`
	Secret    string `json:"secret,omitempty" yaml:"secret,omitempty"`
	ClaimName string `json:"claimName,omitempty" yaml:"claimName,omitempty"`
}

// VolumeMount mounts a volume into the server container
type VolumeMount struct {
	Name      string `json:"name" yaml:"name"`
	MountPath string `json:"mountPath" yaml:"mountPath"`
	ReadOnly  bool   `json:"readOnly,omitempty" yaml:"readOnly,omitempty"`
}

// DomainStatus is the observed state recorded for a domain
type DomainStatus struct {
	IntrospectVersion string          `json:"introspectVersion,omitempty"`
	Servers           []*ServerStatus `json:"servers,omitempty"`
	Message           string          `json:"message,omitempty"`
	UpdatedAt         time.Time       `json:"updatedAt"`
}

// ServerStatus is the last recorded lifecycle state of one server
type ServerStatus struct {
	ServerName  string    `json:"serverName"`
	ClusterName string    `json:"clusterName,omitempty"`
	State       string    `json:"state"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Server lifecycle states
const (
	StateStarting = "STARTING"
	StateRunning  = "RUNNING"
	StateShutdown = "SHUTDOWN"
	StateFailed   = "FAILED"
	StateUnknown  = "UNKNOWN"
)

// IsStopped reports whether state means the server needs no graceful shutdown
func IsStopped(state string) bool {
	return state == StateShutdown || state == StateUnknown
}

// EffectiveServerSpec is the resolved configuration of one server after
// merging the domain, cluster and server levels
type EffectiveServerSpec struct {
	ServerName         string
	ClusterName        string
	Image              string
	ImagePullPolicy    string
	Command            []string
	Args               []string
	Env                []EnvVar
	Resources          *Resources
	Labels             map[string]string
	Annotations        map[string]string
	NodeSelector       map[string]string
	ShutdownTimeout    time.Duration
	SecurityContext    *SecurityContext
	PodSecurityContext *PodSecurityContext
	Volumes            []Volume
	VolumeMounts       []VolumeMount
	RestartVersion     string
}

// Cluster returns the cluster named name, or nil
func (d *Domain) Cluster(name string) *Cluster {
	for _, c := range d.Clusters {
		if c.Name == name {
			return c
		}
	}
	return nil
}

// ServerNames returns the managed server names of the cluster, server1..serverN
func (c *Cluster) ServerNames() []string {
	names := make([]string, 0, c.Replicas)
	for i := 1; i <= c.Replicas; i++ {
		names = append(names, ManagedServerName(c.Name, i))
	}
	return names
}

// ManagedServerName returns the name of the index-th managed server of a cluster
func ManagedServerName(cluster string, index int) string {
	return fmt.Sprintf("%s-server%d", cluster, index)
}

// ServerState returns the recorded state of server, or "" when none is recorded
func (d *Domain) ServerState(server string) string {
	if d.Status == nil {
		return ""
	}
	for _, s := range d.Status.Servers {
		if s.ServerName == server {
			return s.State
		}
	}
	return ""
}

// EffectiveServerSpec resolves the configuration of server. cluster is empty
// for the admin server. Returns nil when the server is not part of the domain.
func (d *Domain) EffectiveServerSpec(server, cluster string) *EffectiveServerSpec {
	levels := []ServerPodSpec{d.ServerPod}
	versions := []string{d.RestartVersion}

	switch {
	case server == d.AdminServer.Name && cluster == "":
		levels = append(levels, d.AdminServer.ServerPod)
		versions = append(versions, d.AdminServer.RestartVersion)
	default:
		c := d.Cluster(cluster)
		if c == nil {
			return nil
		}
		levels = append(levels, c.ServerPod)
		versions = append(versions, c.RestartVersion)
	}

	spec := &EffectiveServerSpec{
		ServerName:      server,
		ClusterName:     cluster,
		Image:           d.Image,
		ImagePullPolicy: d.ImagePullPolicy,
		Labels:          map[string]string{},
		Annotations:     map[string]string{},
		NodeSelector:    map[string]string{},
		RestartVersion:  strings.Join(versions, "/"),
	}
	for _, level := range levels {
		spec.merge(level)
	}
	return spec
}

func (s *EffectiveServerSpec) merge(level ServerPodSpec) {
	if level.Image != "" {
		s.Image = level.Image
	}
	if len(level.Command) > 0 {
		s.Command = append([]string(nil), level.Command...)
	}
	if len(level.Args) > 0 {
		s.Args = append([]string(nil), level.Args...)
	}
	for _, env := range level.Env {
		s.Env = setEnv(s.Env, env)
	}
	if level.Resources != nil {
		r := *level.Resources
		s.Resources = &r
	}
	for k, v := range level.Labels {
		s.Labels[k] = v
	}
	for k, v := range level.Annotations {
		s.Annotations[k] = v
	}
	for k, v := range level.NodeSelector {
		s.NodeSelector[k] = v
	}
	if level.ShutdownTimeoutSeconds != nil {
		s.ShutdownTimeout = time.Duration(*level.ShutdownTimeoutSeconds) * time.Second
	}
	if level.SecurityContext != nil {
		sc := *level.SecurityContext
		s.SecurityContext = &sc
	}
	if level.PodSecurityContext != nil {
		psc := *level.PodSecurityContext
		s.PodSecurityContext = &psc
	}
	for _, v := range level.Volumes {
		s.Volumes = setVolume(s.Volumes, v)
	}
	for _, m := range level.VolumeMounts {
		s.VolumeMounts = setVolumeMount(s.VolumeMounts, m)
	}
}

func setEnv(env []EnvVar, v EnvVar) []EnvVar {
	for i := range env {
		if env[i].Name == v.Name {
			env[i] = v
			return env
		}
	}
	return append(env, v)
}

func setVolume(volumes []Volume, v Volume) []Volume {
	for i := range volumes {
		if volumes[i].Name == v.Name {
			volumes[i] = v
			return volumes
		}
	}
	return append(volumes, v)
}

func setVolumeMount(mounts []VolumeMount, m VolumeMount) []VolumeMount {
	for i := range mounts {
		if mounts[i].Name == m.Name {
			mounts[i] = m
			return mounts
		}
	}
	return append(mounts, m)
}

// Validate checks that the domain can be reconciled
func (d *Domain) Validate() error {
	if d.UID == "" {
		return fmt.Errorf("domain uid is required")
	}
	if d.Name == "" {
		return fmt.Errorf("domain name is required")
	}
	if d.Namespace == "" {
		return fmt.Errorf("domain namespace is required")
	}
	if d.AdminServer.Name == "" {
		return fmt.Errorf("admin server name is required")
	}
	if d.Image == "" && d.ServerPod.Image == "" {
		return fmt.Errorf("domain image is required")
	}

	seen := make(map[string]bool)
	for _, c := range d.Clusters {
		if c.Name == "" {
			return fmt.Errorf("cluster name is required")
		}
		if seen[c.Name] {
			return fmt.Errorf("duplicate cluster %s", c.Name)
		}
		seen[c.Name] = true
		if c.Replicas < 0 {
			return fmt.Errorf("cluster %s: replicas must not be negative", c.Name)
		}
	}
	return nil
}
