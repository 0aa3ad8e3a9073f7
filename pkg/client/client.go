package client

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/cuemby/steward/pkg/keys"
	"github.com/cuemby/steward/pkg/work"
	corev1 "k8s.io/api/core/v1"
	kerrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	k8stypes "k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

// Response is the outcome of one pod API call. A pod that does not exist is
// reported as StatusCode 404 with a nil Err.
type Response struct {
	Pod        *corev1.Pod
	Pods       []*corev1.Pod
	StatusCode int
	Err        error
}

// IsNotFound reports whether the pod did not exist
func (r Response) IsNotFound() bool {
	return r.StatusCode == http.StatusNotFound
}

// PodClient performs pod API calls. Implementations must honor ctx cancellation.
type PodClient interface {
	Create(ctx context.Context, namespace string, pod *corev1.Pod) Response
	Get(ctx context.Context, namespace, name string) Response
	Patch(ctx context.Context, namespace, name string, patchType k8stypes.PatchType, data []byte) Response
	Delete(ctx context.Context, namespace, name string, grace time.Duration) Response
	List(ctx context.Context, namespace, selector string) Response
}

// KubePodClient implements PodClient with a Kubernetes clientset
type KubePodClient struct {
	clientset kubernetes.Interface
}

// NewKubePodClient creates a pod client backed by clientset
func NewKubePodClient(clientset kubernetes.Interface) *KubePodClient {
	return &KubePodClient{clientset: clientset}
}

// NewKubernetes creates a clientset from kubeconfig. An empty path uses the
// in-cluster configuration, then $KUBECONFIG, then ~/.kube/config.
func NewKubernetes(kubeconfig string) (kubernetes.Interface, error) {
	var (
		cfg *rest.Config
		err error
	)

	if kubeconfig == "" {
		cfg, err = rest.InClusterConfig()
		if err != nil {
			kubeconfig = os.Getenv("KUBECONFIG")
			if kubeconfig == "" {
				home, _ := os.UserHomeDir()
				kubeconfig = filepath.Join(home, ".kube", "config")
			}
		}
	}
	if cfg == nil {
		cfg, err = clientcmd.BuildConfigFromFlags("", kubeconfig)
		if err != nil {
			return nil, fmt.Errorf("failed to load kubeconfig %s: %w", kubeconfig, err)
		}
	}

	clientset, err := kubernetes.NewForConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create kubernetes client: %w", err)
	}
	return clientset, nil
}

// Create creates pod in namespace
func (c *KubePodClient) Create(ctx context.Context, namespace string, pod *corev1.Pod) Response {
	created, err := c.clientset.CoreV1().Pods(namespace).Create(ctx, pod, metav1.CreateOptions{})
	return toResponse(created, err, http.StatusCreated)
}

// Get reads the pod name in namespace
func (c *KubePodClient) Get(ctx context.Context, namespace, name string) Response {
	pod, err := c.clientset.CoreV1().Pods(namespace).Get(ctx, name, metav1.GetOptions{})
	return toResponse(pod, err, http.StatusOK)
}

// Patch applies a patch of patchType to the pod name in namespace
func (c *KubePodClient) Patch(ctx context.Context, namespace, name string, patchType k8stypes.PatchType, data []byte) Response {
	pod, err := c.clientset.CoreV1().Pods(namespace).Patch(ctx, name, patchType, data, metav1.PatchOptions{})
	return toResponse(pod, err, http.StatusOK)
}

// Delete deletes the pod name in namespace with the given grace period
func (c *KubePodClient) Delete(ctx context.Context, namespace, name string, grace time.Duration) Response {
	seconds := int64(grace / time.Second)
	err := c.clientset.CoreV1().Pods(namespace).Delete(ctx, name, metav1.DeleteOptions{GracePeriodSeconds: &seconds})
	return toResponse(nil, err, http.StatusOK)
}

// List lists the pods in namespace matching the label selector
func (c *KubePodClient) List(ctx context.Context, namespace, selector string) Response {
	list, err := c.clientset.CoreV1().Pods(namespace).List(ctx, metav1.ListOptions{LabelSelector: selector})
	if err != nil {
		return toResponse(nil, err, http.StatusOK)
	}

	pods := make([]*corev1.Pod, 0, len(list.Items))
	for i := range list.Items {
		pods = append(pods, &list.Items[i])
	}
	return Response{Pods: pods, StatusCode: http.StatusOK}
}

func toResponse(pod *corev1.Pod, err error, okStatus int) Response {
	if err == nil {
		return Response{Pod: pod, StatusCode: okStatus}
	}
	if kerrors.IsNotFound(err) {
		return Response{StatusCode: http.StatusNotFound}
	}

	code := 0
	var status kerrors.APIStatus
	if stderrors.As(err, &status) {
		code = int(status.Status().Code)
	}
	return Response{StatusCode: code, Err: err}
}

// FromPacket returns the PodClient stored under keys.PodClient
func FromPacket(packet *work.Packet) (PodClient, bool) {
	c, ok := work.Value[PodClient](packet, keys.PodClient)
	return c, ok && c != nil
}
