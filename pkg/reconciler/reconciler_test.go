package reconciler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cuemby/steward/pkg/client"
	"github.com/cuemby/steward/pkg/config"
	"github.com/cuemby/steward/pkg/events"
	"github.com/cuemby/steward/pkg/storage"
	"github.com/cuemby/steward/pkg/types"
	"github.com/cuemby/steward/pkg/work"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/client-go/kubernetes/fake"
	k8stesting "k8s.io/client-go/testing"
)

func testDomain() *types.Domain {
	return &types.Domain{
		UID:         "d1",
		Name:        "sample-domain",
		Namespace:   "apps",
		Image:       "app:1.0",
		AdminServer: types.AdminServer{Name: "admin-server"},
		Clusters:    []*types.Cluster{{Name: "cluster-1", Replicas: 2}},
	}
}

type fixture struct {
	cs    *fake.Clientset
	store *storage.BoltStore
	rec   *Reconciler
}

// newFixture serves every pod read as running and ready
func newFixture(t *testing.T) *fixture {
	t.Helper()

	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	cs := fake.NewClientset()
	cs.PrependReactor("get", "pods", func(action k8stesting.Action) (bool, runtime.Object, error) {
		get := action.(k8stesting.GetAction)
		obj, err := cs.Tracker().Get(get.GetResource(), get.GetNamespace(), get.GetName())
		if err != nil {
			return true, nil, err
		}
		pod := obj.(*corev1.Pod).DeepCopy()
		pod.Status.Phase = corev1.PodRunning
		pod.Status.Conditions = []corev1.PodCondition{{Type: corev1.PodReady, Status: corev1.ConditionTrue}}
		return true, pod, nil
	})

	tuning := config.DefaultTuning()
	tuning.WatchBackstopRecheckDelay = 10 * time.Millisecond
	tuning.ReconcileInterval = time.Hour
	tuning.RetryBaseDelay = 20 * time.Millisecond
	tuning.RetryMaxDelay = 40 * time.Millisecond

	engine := work.NewEngine(work.Config{Workers: 4})
	t.Cleanup(engine.Shutdown)

	rec := NewReconciler(Config{
		Store:  store,
		Client: client.NewKubePodClient(cs),
		Engine: engine,
		Tuning: tuning,
	})
	t.Cleanup(rec.Stop)
	rec.startRetries()

	return &fixture{cs: cs, store: store, rec: rec}
}

// pass runs one reconciliation pass and waits for its attempts
func (f *fixture) pass(t *testing.T) {
	t.Helper()
	f.rec.reconcile()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, f.rec.Wait(ctx))
}

func (f *fixture) pods(t *testing.T) map[string]string {
	t.Helper()
	list, err := f.cs.CoreV1().Pods("apps").List(context.Background(), metav1.ListOptions{})
	require.NoError(t, err)

	out := map[string]string{}
	for _, p := range list.Items {
		out[p.Name] = p.Spec.Containers[0].Image
	}
	return out
}

func TestReconcileCreatesPodsAndRecordsStatus(t *testing.T) {
	f := newFixture(t)
	domain := testDomain()
	domain.IntrospectVersion = "1"
	require.NoError(t, f.store.CreateDomain(domain))

	f.pass(t)

	assert.Len(t, f.pods(t), 3)
	assert.Equal(t, 0, f.rec.Failures("d1"))

	status, err := f.store.GetDomainStatus("d1")
	require.NoError(t, err)
	require.NotNil(t, status)
	assert.Equal(t, "1", status.IntrospectVersion)

	var names []string
	for _, s := range status.Servers {
		names = append(names, s.ServerName)
	}
	assert.Equal(t, []string{"admin-server", "cluster-1-server1", "cluster-1-server2"}, names)
	assert.Equal(t, types.StateRunning, status.Servers[0].State)

	// A settled domain only lists its pods and reads the admin pod.
	f.cs.ClearActions()
	f.pass(t)
	for _, a := range f.cs.Actions() {
		assert.Contains(t, []string{"list", "get"}, a.GetVerb())
	}
}

func TestReconcileRerunsIntrospection(t *testing.T) {
	f := newFixture(t)
	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)
	sub := broker.Subscribe()
	f.rec.cfg.Broker = broker

	domain := testDomain()
	domain.IntrospectVersion = "1"
	require.NoError(t, f.store.CreateDomain(domain))
	f.pass(t)

	domain.IntrospectVersion = "2"
	domain.Image = "app:2.0"
	require.NoError(t, f.store.UpdateDomain(domain))
	f.pass(t)

	status, err := f.store.GetDomainStatus("d1")
	require.NoError(t, err)
	assert.Equal(t, "2", status.IntrospectVersion)
	assert.Equal(t, map[string]string{
		"d1-admin-server":      "app:2.0",
		"d1-cluster-1-server1": "app:2.0",
		"d1-cluster-1-server2": "app:2.0",
	}, f.pods(t))

	seen := map[events.EventType]bool{}
	timeout := time.After(2 * time.Second)
	for !seen[events.EventDomainIntrospected] {
		select {
		case e := <-sub:
			seen[e.Type] = true
		case <-timeout:
			t.Fatal("no introspection event")
		}
	}
}

func TestReconcileForgetsDeletedDomain(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.CreateDomain(testDomain()))
	f.pass(t)

	_, ok := f.rec.Registry().Get("d1")
	require.True(t, ok)

	require.NoError(t, f.store.DeleteDomain("d1"))
	f.pass(t)

	_, ok = f.rec.Registry().Get("d1")
	assert.False(t, ok)
	assert.Equal(t, 0, f.rec.Registry().Len())
}

func TestReconcileRetriesWithBackoff(t *testing.T) {
	f := newFixture(t)
	var failing atomic.Bool
	failing.Store(true)
	f.cs.PrependReactor("create", "pods", func(action k8stesting.Action) (bool, runtime.Object, error) {
		if failing.Load() {
			return true, nil, apierrors.NewForbidden(schema.GroupResource{Resource: "pods"}, "", nil)
		}
		return false, nil, nil
	})
	require.NoError(t, f.store.CreateDomain(testDomain()))

	f.pass(t)
	assert.GreaterOrEqual(t, f.rec.Failures("d1"), 1)

	// The retry timer starts new attempts without another pass.
	assert.Eventually(t, func() bool { return f.rec.Failures("d1") >= 2 }, 5*time.Second, 10*time.Millisecond)

	failing.Store(false)
	assert.Eventually(t, func() bool {
		list, err := f.cs.CoreV1().Pods("apps").List(context.Background(), metav1.ListOptions{})
		return err == nil && f.rec.Failures("d1") == 0 && len(list.Items) == 3
	}, 5*time.Second, 10*time.Millisecond)
}

func TestStartAttemptSkipsPendingRetry(t *testing.T) {
	f := newFixture(t)
	f.rec.limiter = RetryLimiter(time.Hour, time.Hour)
	f.cs.PrependReactor("create", "pods", func(action k8stesting.Action) (bool, runtime.Object, error) {
		return true, nil, apierrors.NewForbidden(schema.GroupResource{Resource: "pods"}, "", nil)
	})
	require.NoError(t, f.store.CreateDomain(testDomain()))

	f.pass(t)
	require.Equal(t, 1, f.rec.Failures("d1"))

	f.cs.ClearActions()
	f.pass(t)
	assert.Empty(t, f.cs.Actions())
	assert.Equal(t, 1, f.rec.Failures("d1"))
}

func TestRetryLimiter(t *testing.T) {
	limiter := RetryLimiter(time.Second, 30*time.Second)

	tests := []struct {
		name string
		want time.Duration
	}{
		{name: "first failure", want: time.Second},
		{name: "second failure", want: 2 * time.Second},
		{name: "third failure", want: 4 * time.Second},
		{name: "fourth failure", want: 8 * time.Second},
		{name: "fifth failure", want: 16 * time.Second},
		{name: "capped", want: 30 * time.Second},
		{name: "still capped", want: 30 * time.Second},
	}

	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, limiter.When("d1"))
			assert.Equal(t, i+1, limiter.NumRequeues("d1"))
		})
	}

	// Domains back off independently
	assert.Equal(t, time.Second, limiter.When("d2"))

	limiter.Forget("d1")
	assert.Equal(t, 0, limiter.NumRequeues("d1"))
	assert.Equal(t, time.Second, limiter.When("d1"))
}

func TestForgetResetsFailures(t *testing.T) {
	f := newFixture(t)
	f.rec.limiter = RetryLimiter(time.Hour, time.Hour)
	f.cs.PrependReactor("create", "pods", func(action k8stesting.Action) (bool, runtime.Object, error) {
		return true, nil, apierrors.NewForbidden(schema.GroupResource{Resource: "pods"}, "", nil)
	})
	require.NoError(t, f.store.CreateDomain(testDomain()))

	f.pass(t)
	require.Equal(t, 1, f.rec.Failures("d1"))

	require.NoError(t, f.store.DeleteDomain("d1"))
	f.pass(t)
	assert.Equal(t, 0, f.rec.Failures("d1"))
}

func TestPodSelector(t *testing.T) {
	assert.Equal(t,
		"steward.cuemby.io/domain-uid=d1,steward.cuemby.io/created-by=steward",
		PodSelector("d1"))
}
