package pod

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/cuemby/steward/pkg/keys"
	"github.com/cuemby/steward/pkg/types"
	"github.com/davecgh/go-spew/spew"
	"github.com/goccy/go-json"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

// ContainerName is the name of the server container in every pod
const ContainerName = "server"

const maxNameLength = 63

// hashPrinter renders the hashed elements deterministically: map keys sorted,
// no Stringer output and no pointer addresses
var hashPrinter = spew.ConfigState{
	Indent:                  " ",
	SortKeys:                true,
	SpewKeys:                true,
	DisableMethods:          true,
	DisablePointerAddresses: true,
	DisableCapacities:       true,
}

// hashedElements is everything that forces a pod to be replaced when it changes
type hashedElements struct {
	Spec           corev1.PodSpec
	RestartVersion string
}

// Hash returns the template hash of a pod spec and restart version
func Hash(spec corev1.PodSpec, restartVersion string) string {
	h := sha256.New()
	hashPrinter.Fprintf(h, "%#v", hashedElements{Spec: spec, RestartVersion: restartVersion})
	return hex.EncodeToString(h.Sum(nil))
}

// HashOf returns the template hash recorded on pod
func HashOf(pod *corev1.Pod) string {
	if pod == nil {
		return ""
	}
	return pod.Annotations[keys.AnnotationPodHash]
}

// Name returns the pod name of server in the domain with domainUID
func Name(domainUID, server string) string {
	return sanitize(domainUID + "-" + server)
}

// sanitize turns s into a valid DNS-1123 label
func sanitize(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	out := b.String()
	if len(out) > maxNameLength {
		out = out[:maxNameLength]
	}
	return strings.Trim(out, "-")
}

// Model describes the pod one server should run
type Model struct {
	DomainUID  string
	DomainName string
	Namespace  string
	AdminName  string
	Spec       *types.EffectiveServerSpec
	StartupEnv []types.EnvVar
}

// Build returns the desired pod with its template hash annotation set
func (m Model) Build() (*corev1.Pod, error) {
	spec, err := m.podSpec()
	if err != nil {
		return nil, err
	}

	pod := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:        Name(m.DomainUID, m.Spec.ServerName),
			Namespace:   m.Namespace,
			Labels:      m.labels(),
			Annotations: m.annotations(),
		},
		Spec: spec,
	}
	pod.Annotations[keys.AnnotationPodHash] = Hash(spec, m.Spec.RestartVersion)
	return pod, nil
}

func (m Model) isAdmin() bool {
	return m.Spec.ClusterName == "" && m.Spec.ServerName == m.AdminName
}

func (m Model) labels() map[string]string {
	labels := make(map[string]string, len(m.Spec.Labels)+5)
	for k, v := range m.Spec.Labels {
		labels[k] = v
	}
	labels[keys.LabelCreatedBy] = keys.CreatedByValue
	labels[keys.LabelDomainUID] = m.DomainUID
	labels[keys.LabelDomainName] = m.DomainName
	labels[keys.LabelServerName] = m.Spec.ServerName
	if m.Spec.ClusterName != "" {
		labels[keys.LabelClusterName] = m.Spec.ClusterName
	}
	return labels
}

func (m Model) annotations() map[string]string {
	annotations := make(map[string]string, len(m.Spec.Annotations)+1)
	for k, v := range m.Spec.Annotations {
		annotations[k] = v
	}
	return annotations
}

func (m Model) podSpec() (corev1.PodSpec, error) {
	resources, err := resourceRequirements(m.Spec.Resources)
	if err != nil {
		return corev1.PodSpec{}, fmt.Errorf("failed to build resources for server %s: %w", m.Spec.ServerName, err)
	}

	container := corev1.Container{
		Name:            ContainerName,
		Image:           m.Spec.Image,
		ImagePullPolicy: corev1.PullPolicy(m.Spec.ImagePullPolicy),
		Command:         m.Spec.Command,
		Args:            m.Spec.Args,
		Env:             m.env(),
		Resources:       resources,
		SecurityContext: securityContext(m.Spec.SecurityContext),
		VolumeMounts:    volumeMounts(m.Spec.VolumeMounts),
	}

	spec := corev1.PodSpec{
		Containers:         []corev1.Container{container},
		Volumes:            volumes(m.Spec.Volumes),
		SecurityContext:    podSecurityContext(m.Spec.PodSecurityContext),
		NodeSelector:       m.Spec.NodeSelector,
		RestartPolicy:      corev1.RestartPolicyAlways,
		ServiceAccountName: "",
	}
	if len(spec.NodeSelector) == 0 {
		spec.NodeSelector = nil
	}
	if m.Spec.ShutdownTimeout > 0 {
		seconds := int64(m.Spec.ShutdownTimeout.Seconds())
		spec.TerminationGracePeriodSeconds = &seconds
	}
	if m.isAdmin() {
		spec.Hostname = Name(m.DomainUID, m.Spec.ServerName)
	}
	return spec, nil
}

func (m Model) env() []corev1.EnvVar {
	env := []corev1.EnvVar{
		{Name: "DOMAIN_UID", Value: m.DomainUID},
		{Name: "DOMAIN_NAME", Value: m.DomainName},
		{Name: "ADMIN_NAME", Value: m.AdminName},
		{Name: "SERVER_NAME", Value: m.Spec.ServerName},
	}
	if m.Spec.ClusterName != "" {
		env = append(env, corev1.EnvVar{Name: "CLUSTER_NAME", Value: m.Spec.ClusterName})
	}

	add := func(v types.EnvVar) {
		for i := range env {
			if env[i].Name == v.Name {
				env[i].Value = v.Value
				return
			}
		}
		env = append(env, corev1.EnvVar{Name: v.Name, Value: v.Value})
	}
	for _, v := range m.Spec.Env {
		add(v)
	}
	for _, v := range m.StartupEnv {
		add(v)
	}
	return env
}

func resourceRequirements(r *types.Resources) (corev1.ResourceRequirements, error) {
	var req corev1.ResourceRequirements
	if r == nil {
		return req, nil
	}

	set := func(list *corev1.ResourceList, name corev1.ResourceName, value string) error {
		if value == "" {
			return nil
		}
		q, err := resource.ParseQuantity(value)
		if err != nil {
			return fmt.Errorf("invalid %s quantity %q: %w", name, value, err)
		}
		if *list == nil {
			*list = corev1.ResourceList{}
		}
		(*list)[name] = q
		return nil
	}

	if err := set(&req.Requests, corev1.ResourceCPU, r.CPURequest); err != nil {
		return req, err
	}
	if err := set(&req.Requests, corev1.ResourceMemory, r.MemoryRequest); err != nil {
		return req, err
	}
	if err := set(&req.Limits, corev1.ResourceCPU, r.CPULimit); err != nil {
		return req, err
	}
	if err := set(&req.Limits, corev1.ResourceMemory, r.MemoryLimit); err != nil {
		return req, err
	}
	return req, nil
}

func securityContext(sc *types.SecurityContext) *corev1.SecurityContext {
	if sc == nil {
		return nil
	}
	return &corev1.SecurityContext{
		RunAsUser:              sc.RunAsUser,
		RunAsGroup:             sc.RunAsGroup,
		RunAsNonRoot:           sc.RunAsNonRoot,
		ReadOnlyRootFilesystem: sc.ReadOnlyRootFilesystem,
		Privileged:             sc.Privileged,
	}
}

func podSecurityContext(psc *types.PodSecurityContext) *corev1.PodSecurityContext {
	if psc == nil {
		return nil
	}
	return &corev1.PodSecurityContext{
		RunAsUser:    psc.RunAsUser,
		RunAsGroup:   psc.RunAsGroup,
		RunAsNonRoot: psc.RunAsNonRoot,
		FSGroup:      psc.FSGroup,
	}
}

func volumes(in []types.Volume) []corev1.Volume {
	if len(in) == 0 {
		return nil
	}
	out := make([]corev1.Volume, 0, len(in))
	for _, v := range in {
		vol := corev1.Volume{Name: v.Name}
		switch {
		case v.HostPath != "":
			vol.HostPath = &corev1.HostPathVolumeSource{Path: v.HostPath}
		case v.ConfigMap != "":
			vol.ConfigMap = &corev1.ConfigMapVolumeSource{LocalObjectReference: corev1.LocalObjectReference{Name: v.ConfigMap}}
		case v.Secret != "":
			vol.Secret = &corev1.SecretVolumeSource{SecretName: v.Secret}
		case v.ClaimName != "":
			vol.PersistentVolumeClaim = &corev1.PersistentVolumeClaimVolumeSource{ClaimName: v.ClaimName}
		default:
			vol.EmptyDir = &corev1.EmptyDirVolumeSource{}
		}
		out = append(out, vol)
	}
	return out
}

func volumeMounts(in []types.VolumeMount) []corev1.VolumeMount {
	if len(in) == 0 {
		return nil
	}
	out := make([]corev1.VolumeMount, 0, len(in))
	for _, m := range in {
		out = append(out, corev1.VolumeMount{Name: m.Name, MountPath: m.MountPath, ReadOnly: m.ReadOnly})
	}
	return out
}

// metadataMatches reports whether current carries the desired labels and
// annotations and no leftover to-be-rolled label
func metadataMatches(current, desired *corev1.Pod) bool {
	return containsAll(current.Labels, desired.Labels) &&
		containsAll(current.Annotations, desired.Annotations) &&
		!isLabeledForRoll(current)
}

func containsAll(have, want map[string]string) bool {
	for k, v := range want {
		if got, ok := have[k]; !ok || got != v {
			return false
		}
	}
	return true
}

// metadataPatch returns a JSON merge patch that adds or updates the desired
// labels and annotations missing from current and drops a to-be-rolled label.
// Other extra keys are left alone.
func metadataPatch(current, desired *corev1.Pod) ([]byte, error) {
	diff := func(have, want map[string]string) map[string]any {
		out := map[string]any{}
		for k, v := range want {
			if got, ok := have[k]; !ok || got != v {
				out[k] = v
			}
		}
		return out
	}

	metadata := map[string]any{}
	labels := diff(current.Labels, desired.Labels)
	if isLabeledForRoll(current) {
		labels[keys.LabelToBeRolled] = nil
	}
	if len(labels) > 0 {
		metadata["labels"] = labels
	}
	if annotations := diff(current.Annotations, desired.Annotations); len(annotations) > 0 {
		metadata["annotations"] = annotations
	}
	return json.Marshal(map[string]any{"metadata": metadata})
}

type jsonPatchOp struct {
	Op    string `json:"op"`
	Path  string `json:"path"`
	Value any    `json:"value,omitempty"`
}

// rollLabelPatch returns a JSON patch adding the to-be-rolled label
func rollLabelPatch(current *corev1.Pod) ([]byte, error) {
	var ops []jsonPatchOp
	if current.Labels == nil {
		ops = append(ops, jsonPatchOp{Op: "add", Path: "/metadata/labels", Value: map[string]string{}})
	}
	ops = append(ops, jsonPatchOp{
		Op:    "add",
		Path:  "/metadata/labels/" + escapePointer(keys.LabelToBeRolled),
		Value: "true",
	})
	return json.Marshal(ops)
}

func escapePointer(s string) string {
	return strings.NewReplacer("~", "~0", "/", "~1").Replace(s)
}

func isLabeledForRoll(pod *corev1.Pod) bool {
	_, ok := pod.Labels[keys.LabelToBeRolled]
	return ok
}
