/*
Package client is the orchestrator API boundary of Steward.

PodClient is the small set of pod calls the reconciliation steps need. The
production implementation, KubePodClient, wraps a client-go clientset; tests
use the same type over k8s.io/client-go/kubernetes/fake.

	┌────────────┐   Create/Get/Patch/Delete/List   ┌──────────────────┐
	│ pod steps  │ ────────────────────────────────▶ │  KubePodClient   │
	└────────────┘            Response              │  (client-go)     │
	                                                └──────────────────┘

Every call returns a Response instead of an error. A pod that does not exist
is a distinguished outcome, StatusCode 404 with a nil Err, so callers can
treat "already gone" as success. Any other failure carries the API status code
and the original error.

# Requests inside a fiber

API calls must not hold an engine worker while they wait on the network.
RequestStep wraps a call in a step that suspends its fiber, performs the call
on its own goroutine with the fiber's context and resumes the fiber with the
response:

	get := client.RequestStep("get pod",
		func(ctx context.Context, c client.PodClient) client.Response {
			return c.Get(ctx, namespace, name)
		},
		func(p *work.Packet, resp client.Response, next work.Step) work.NextAction {
			if resp.IsNotFound() {
				return work.DoNext(next, p)
			}
			...
		},
		next)

The handler runs as a regular step, so a fiber cancelled while the call was in
flight never reaches it. DefaultHandler continues on success and not-found and
terminates the fiber on any other error.

The client used by a request is read from the packet under keys.PodClient.

# Connecting

NewKubernetes builds a clientset from an explicit kubeconfig path, or tries
the in-cluster configuration first and falls back to $KUBECONFIG and
~/.kube/config.
*/
package client
