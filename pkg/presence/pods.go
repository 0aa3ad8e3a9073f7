package presence

import (
	"github.com/cuemby/steward/pkg/keys"
	"github.com/cuemby/steward/pkg/types"
	corev1 "k8s.io/api/core/v1"
)

// ServerNameOf returns the server a pod belongs to, from its server-name label
func ServerNameOf(pod *corev1.Pod) string {
	if pod == nil {
		return ""
	}
	return pod.Labels[keys.LabelServerName]
}

// ClusterNameOf returns the cluster a pod belongs to, from its cluster-name label
func ClusterNameOf(pod *corev1.Pod) string {
	if pod == nil {
		return ""
	}
	return pod.Labels[keys.LabelClusterName]
}

// IsReady reports whether the pod is running and its Ready condition is true
func IsReady(pod *corev1.Pod) bool {
	if pod == nil || pod.Status.Phase != corev1.PodRunning {
		return false
	}
	for _, c := range pod.Status.Conditions {
		if c.Type == corev1.PodReady {
			return c.Status == corev1.ConditionTrue
		}
	}
	return false
}

// IsDeleting reports whether the pod has a deletion timestamp
func IsDeleting(pod *corev1.Pod) bool {
	return pod != nil && pod.DeletionTimestamp != nil
}

// IsEvicted reports whether the pod failed because it was evicted
func IsEvicted(pod *corev1.Pod) bool {
	return pod != nil && pod.Status.Phase == corev1.PodFailed && pod.Status.Reason == "Evicted"
}

// StatusOf derives a server lifecycle state from the pod's status
func StatusOf(pod *corev1.Pod) string {
	if pod == nil {
		return types.StateShutdown
	}
	switch pod.Status.Phase {
	case corev1.PodRunning:
		if IsReady(pod) {
			return types.StateRunning
		}
		return types.StateStarting
	case corev1.PodPending:
		return types.StateStarting
	case corev1.PodSucceeded:
		return types.StateShutdown
	case corev1.PodFailed:
		return types.StateFailed
	default:
		return types.StateUnknown
	}
}
