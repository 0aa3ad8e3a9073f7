package pod

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cuemby/steward/pkg/client"
	"github.com/cuemby/steward/pkg/config"
	"github.com/cuemby/steward/pkg/events"
	"github.com/cuemby/steward/pkg/keys"
	"github.com/cuemby/steward/pkg/presence"
	"github.com/cuemby/steward/pkg/types"
	"github.com/cuemby/steward/pkg/work"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	kerrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
	k8stypes "k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/kubernetes/fake"
	k8stesting "k8s.io/client-go/testing"
)

const (
	admin   = "admin-server"
	managed = "cluster-1-server1"
)

func testDomain() *types.Domain {
	return &types.Domain{
		UID:         "sample",
		Name:        "sample-domain",
		Namespace:   "apps",
		Image:       "app:1.0",
		AdminServer: types.AdminServer{Name: admin},
		Clusters:    []*types.Cluster{{Name: "cluster-1", Replicas: 2}},
	}
}

func testTuning() config.Tuning {
	t := config.DefaultTuning()
	t.WatchBackstopRecheckDelay = 10 * time.Millisecond
	return t
}

type fixture struct {
	engine *work.Engine
	cs     *fake.Clientset
	info   *presence.Info
	broker *events.Broker
}

func newFixture(t *testing.T, objects ...runtime.Object) *fixture {
	t.Helper()
	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	return &fixture{
		engine: work.NewEngine(work.Config{Workers: 2}),
		cs:     fake.NewClientset(objects...),
		info:   presence.NewInfo(testDomain()),
		broker: broker,
	}
}

func (f *fixture) packet(server, cluster string) *work.Packet {
	p := work.NewPacket()
	p.Put(keys.DomainPresenceInfo, f.info)
	p.Put(keys.PodClient, client.NewKubePodClient(f.cs))
	p.Put(keys.Tuning, testTuning())
	p.Put(keys.Events, f.broker)
	if server != "" {
		p.Put(keys.ServerName, server)
		p.Put(keys.ClusterName, cluster)
	}
	return p
}

func (f *fixture) run(t *testing.T, step work.Step, p *work.Packet) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return f.engine.Run(ctx, step, p)
}

// verbs returns the verbs of the recorded pod API calls and clears them
func (f *fixture) verbs() []string {
	var out []string
	for _, a := range f.cs.Actions() {
		out = append(out, a.GetVerb())
	}
	f.cs.ClearActions()
	return out
}

// updateDomain applies fn to a copy of the domain record
func (f *fixture) updateDomain(fn func(d *types.Domain)) {
	d := *f.info.Domain()
	fn(&d)
	f.info.SetDomain(&d)
}

func reached(flag *atomic.Bool) work.Step {
	return work.Func("reached", func(s *work.StepFunc, p *work.Packet) work.NextAction {
		flag.Store(true)
		return s.DoNext(p)
	}, nil)
}

func TestName(t *testing.T) {
	tests := []struct {
		uid, server string
		want        string
	}{
		{"sample", "admin-server", "sample-admin-server"},
		{"Sample", "Cluster_1.Server1", "sample-cluster-1-server1"},
		{"sample", "server-", "sample-server"},
		{"a", strings.Repeat("b", 68), "a-bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			got := Name(tt.uid, tt.server)
			assert.Equal(t, tt.want, got)
			assert.LessOrEqual(t, len(got), 63)
		})
	}
}

func TestHash(t *testing.T) {
	base := func() Model {
		d := testDomain()
		return Model{DomainUID: d.UID, DomainName: d.Name, Namespace: d.Namespace, AdminName: admin,
			Spec: d.EffectiveServerSpec(managed, "cluster-1")}
	}
	build := func(t *testing.T, m Model) string {
		t.Helper()
		pod, err := m.Build()
		require.NoError(t, err)
		return HashOf(pod)
	}
	original := build(t, base())

	tests := []struct {
		name    string
		change  func(m *Model)
		changed bool
	}{
		{name: "rebuild", change: func(m *Model) {}},
		{name: "labels", change: func(m *Model) { m.Spec.Labels["tier"] = "web" }},
		{name: "annotations", change: func(m *Model) { m.Spec.Annotations["note"] = "x" }},
		{name: "image", change: func(m *Model) { m.Spec.Image = "app:2.0" }, changed: true},
		{name: "env", change: func(m *Model) { m.Spec.Env = append(m.Spec.Env, types.EnvVar{Name: "A", Value: "1"}) }, changed: true},
		{name: "startup env", change: func(m *Model) { m.StartupEnv = []types.EnvVar{{Name: "B", Value: "2"}} }, changed: true},
		{name: "restart version", change: func(m *Model) { m.Spec.RestartVersion = "2" }, changed: true},
		{name: "resources", change: func(m *Model) { m.Spec.Resources = &types.Resources{CPULimit: "500m"} }, changed: true},
		{name: "volumes", change: func(m *Model) { m.Spec.Volumes = []types.Volume{{Name: "data", EmptyDir: true}} }, changed: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := base()
			tt.change(&m)
			if tt.changed {
				assert.NotEqual(t, original, build(t, m))
			} else {
				assert.Equal(t, original, build(t, m))
			}
		})
	}
}

func TestBuildInvalidQuantity(t *testing.T) {
	spec := testDomain().EffectiveServerSpec(admin, "")
	spec.Resources = &types.Resources{MemoryLimit: "lots"}

	_, err := Model{DomainUID: "sample", Spec: spec}.Build()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to build resources")
}

func TestBuildLabelsAndEnv(t *testing.T) {
	d := testDomain()
	m := Model{DomainUID: d.UID, DomainName: d.Name, Namespace: d.Namespace, AdminName: admin,
		Spec: d.EffectiveServerSpec(managed, "cluster-1")}
	pod, err := m.Build()
	require.NoError(t, err)

	assert.Equal(t, "sample-cluster-1-server1", pod.Name)
	assert.Equal(t, "apps", pod.Namespace)
	assert.Equal(t, keys.CreatedByValue, pod.Labels[keys.LabelCreatedBy])
	assert.Equal(t, "cluster-1", pod.Labels[keys.LabelClusterName])
	assert.Equal(t, managed, pod.Labels[keys.LabelServerName])
	assert.Empty(t, pod.Spec.Hostname, "only the admin pod gets a stable hostname")

	require.Len(t, pod.Spec.Containers, 1)
	env := map[string]string{}
	for _, e := range pod.Spec.Containers[0].Env {
		env[e.Name] = e.Value
	}
	assert.Equal(t, "cluster-1", env["CLUSTER_NAME"])
	assert.Equal(t, admin, env["ADMIN_NAME"])
}

func TestAdminPodCreatedOnce(t *testing.T) {
	f := newFixture(t)
	sub := f.broker.Subscribe()

	var done atomic.Bool
	step := AdminPodStep(reached(&done))
	require.NoError(t, f.run(t, step, f.packet("", "")))

	assert.Equal(t, []string{"create"}, f.verbs())
	assert.True(t, done.Load())

	created := f.info.ServerPod(admin)
	require.NotNil(t, created)
	assert.Equal(t, "sample-admin-server", created.Name)
	assert.NotEmpty(t, HashOf(created))
	assert.Equal(t, "sample-admin-server", created.Spec.Hostname)

	select {
	case e := <-sub:
		assert.Equal(t, events.EventPodCreated, e.Type)
		assert.Equal(t, admin, e.Metadata[events.MetaServer])
	case <-time.After(time.Second):
		t.Fatal("no created event")
	}

	require.NoError(t, f.run(t, AdminPodStep(nil), f.packet("", "")))
	assert.Empty(t, f.verbs(), "an up to date pod needs no API call")
}

func TestMetadataOnlyChangeIsPatched(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.run(t, AdminPodStep(nil), f.packet("", "")))
	hash := HashOf(f.info.ServerPod(admin))
	f.verbs()

	f.updateDomain(func(d *types.Domain) {
		d.ServerPod.Labels = map[string]string{"tier": "web"}
	})
	require.NoError(t, f.run(t, AdminPodStep(nil), f.packet("", "")))

	actions := f.cs.Actions()
	require.Len(t, actions, 1)
	patch := actions[0].(k8stesting.PatchAction)
	assert.Equal(t, k8stypes.MergePatchType, patch.GetPatchType())
	assert.JSONEq(t, `{"metadata":{"labels":{"tier":"web"}}}`, string(patch.GetPatch()))

	current := f.info.ServerPod(admin)
	assert.Equal(t, "web", current.Labels["tier"])
	assert.Equal(t, hash, HashOf(current))
}

func TestAdminPodReplacedOnHashChange(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.run(t, AdminPodStep(nil), f.packet("", "")))
	old := HashOf(f.info.ServerPod(admin))
	f.verbs()

	f.updateDomain(func(d *types.Domain) { d.Image = "app:2.0" })
	require.NoError(t, f.run(t, AdminPodStep(nil), f.packet("", "")))

	assert.Equal(t, []string{"delete", "get", "create"}, f.verbs())
	current := f.info.ServerPod(admin)
	require.NotNil(t, current)
	assert.NotEqual(t, old, HashOf(current))
	assert.Equal(t, "app:2.0", current.Spec.Containers[0].Image)
	assert.False(t, f.info.IsServerPodBeingDeleted(admin))
}

func TestAdminPodIntrospectionRerun(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.run(t, AdminPodStep(nil), f.packet("", "")))
	f.verbs()
	f.updateDomain(func(d *types.Domain) { d.Image = "app:2.0" })

	var rerun atomic.Bool
	p := f.packet("", "")
	p.Put(keys.IntrospectionRequired, true)
	p.Put(keys.IntrospectionRerun, reached(&rerun))

	require.NoError(t, f.run(t, AdminPodStep(nil), p))
	assert.True(t, rerun.Load())
	assert.Empty(t, f.verbs())
}

func TestManagedPodRollIsDeferred(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.run(t, ManagedPodStep(nil), f.packet(managed, "cluster-1")))
	f.verbs()

	f.updateDomain(func(d *types.Domain) { d.Image = "app:2.0" })

	var continued atomic.Bool
	require.NoError(t, f.run(t, ManagedPodStep(reached(&continued)), f.packet(managed, "cluster-1")))
	assert.False(t, continued.Load(), "the chain ends once the roll is registered")

	actions := f.cs.Actions()
	require.Len(t, actions, 1)
	patch := actions[0].(k8stesting.PatchAction)
	assert.Equal(t, k8stypes.JSONPatchType, patch.GetPatchType())
	f.cs.ClearActions()

	assert.Equal(t, "true", f.info.ServerPod(managed).Labels[keys.LabelToBeRolled])
	assert.Equal(t, []string{managed}, f.info.Rolls().Names())

	require.NoError(t, f.run(t, ManagedPodStep(nil), f.packet(managed, "cluster-1")))
	assert.Empty(t, f.verbs(), "a labeled pod is not patched again")
	assert.Equal(t, 1, f.info.Rolls().Len())

	deferred, ok := f.info.Rolls().Get(managed)
	require.True(t, ok)
	require.NoError(t, f.run(t, deferred.Step, deferred.Packet))

	assert.Equal(t, []string{"delete", "get", "create"}, f.verbs())
	assert.Equal(t, 0, f.info.Rolls().Len())
	current := f.info.ServerPod(managed)
	require.NotNil(t, current)
	assert.Equal(t, "app:2.0", current.Spec.Containers[0].Image)
	assert.NotContains(t, current.Labels, keys.LabelToBeRolled)
}

func TestFailedRollRemovesEntry(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.run(t, ManagedPodStep(nil), f.packet(managed, "cluster-1")))
	f.updateDomain(func(d *types.Domain) { d.Image = "app:2.0" })
	require.NoError(t, f.run(t, ManagedPodStep(nil), f.packet(managed, "cluster-1")))
	require.Equal(t, 1, f.info.Rolls().Len())

	f.cs.PrependReactor("delete", "pods", func(action k8stesting.Action) (bool, runtime.Object, error) {
		return true, nil, kerrors.NewInternalError(errors.New("etcd unavailable"))
	})

	deferred, _ := f.info.Rolls().Get(managed)
	err := f.run(t, deferred.Step, deferred.Packet)
	require.Error(t, err)
	assert.Equal(t, 0, f.info.Rolls().Len(), "the guard removes the entry when the roll fails")
}

func TestRevertedManagedPodDropsPendingRoll(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.run(t, ManagedPodStep(nil), f.packet(managed, "cluster-1")))
	f.updateDomain(func(d *types.Domain) { d.Image = "app:2.0" })
	require.NoError(t, f.run(t, ManagedPodStep(nil), f.packet(managed, "cluster-1")))
	require.Equal(t, 1, f.info.Rolls().Len())
	f.verbs()

	// Going back to the running image makes the pending roll stale
	f.updateDomain(func(d *types.Domain) { d.Image = "app:1.0" })

	var continued atomic.Bool
	require.NoError(t, f.run(t, ManagedPodStep(reached(&continued)), f.packet(managed, "cluster-1")))
	assert.True(t, continued.Load())
	assert.Equal(t, 0, f.info.Rolls().Len())

	actions := f.cs.Actions()
	require.Len(t, actions, 1)
	patch := actions[0].(k8stesting.PatchAction)
	assert.Equal(t, k8stypes.MergePatchType, patch.GetPatchType())
	assert.JSONEq(t, `{"metadata":{"labels":{"`+keys.LabelToBeRolled+`":null}}}`, string(patch.GetPatch()))
	f.cs.ClearActions()

	assert.NotContains(t, f.info.ServerPod(managed).Labels, keys.LabelToBeRolled)

	require.NoError(t, f.run(t, ManagedPodStep(nil), f.packet(managed, "cluster-1")))
	assert.Empty(t, f.verbs())
}

func TestUnknownManagedServerTerminates(t *testing.T) {
	f := newFixture(t)
	err := f.run(t, ManagedPodStep(nil), f.packet("cluster-9-server1", "cluster-9"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not defined")
}

func TestVerifyWithoutDomainIsNoop(t *testing.T) {
	f := newFixture(t)
	f.info.SetDomain(nil)

	var done atomic.Bool
	require.NoError(t, f.run(t, AdminPodStep(reached(&done)), f.packet("", "")))
	assert.True(t, done.Load())
	assert.Empty(t, f.verbs())
}

func TestVerifyWaitsWhilePodBeingDeleted(t *testing.T) {
	f := newFixture(t)
	f.info.SetServerPodBeingDeleted(admin, true)

	fiber := f.engine.NewFiber()
	fiber.Start(AdminPodStep(nil), f.packet("", ""), nil)

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, f.verbs(), "no pod is created while the old one is being deleted")

	f.info.SetServerPodBeingDeleted(admin, false)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, fiber.Wait(ctx))
	assert.Equal(t, []string{"create"}, f.verbs())
}

func TestEvictedPodIsReplaced(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.run(t, ManagedPodStep(nil), f.packet(managed, "cluster-1")))
	f.verbs()

	evicted := f.info.ServerPod(managed).DeepCopy()
	evicted.Status.Phase = corev1.PodFailed
	evicted.Status.Reason = "Evicted"
	f.info.SetServerPod(managed, evicted)

	require.NoError(t, f.run(t, ManagedPodStep(nil), f.packet(managed, "cluster-1")))
	assert.Equal(t, []string{"delete", "get", "create"}, f.verbs())
	assert.Equal(t, 0, f.info.Rolls().Len(), "evicted pods are replaced without waiting for a roll")
}

func TestCreateFailureTerminates(t *testing.T) {
	f := newFixture(t)
	f.cs.PrependReactor("create", "pods", func(action k8stesting.Action) (bool, runtime.Object, error) {
		return true, nil, kerrors.NewForbidden(schema.GroupResource{Resource: "pods"}, "sample-admin-server", errors.New("quota"))
	})

	var done atomic.Bool
	err := f.run(t, AdminPodStep(reached(&done)), f.packet("", ""))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 403")
	assert.False(t, done.Load())
	assert.Nil(t, f.info.ServerPod(admin))
}

func TestAdminPodReadyStep(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.run(t, AdminPodStep(nil), f.packet("", "")))
	f.verbs()

	var gets atomic.Int32
	f.cs.PrependReactor("get", "pods", func(action k8stesting.Action) (bool, runtime.Object, error) {
		pod := f.info.ServerPod(admin).DeepCopy()
		pod.Status.Phase = corev1.PodRunning
		if gets.Add(1) >= 3 {
			pod.Status.Conditions = []corev1.PodCondition{{Type: corev1.PodReady, Status: corev1.ConditionTrue}}
		}
		return true, pod, nil
	})

	var done atomic.Bool
	require.NoError(t, f.run(t, AdminPodReadyStep(reached(&done)), f.packet("", "")))
	assert.True(t, done.Load())
	assert.Equal(t, int32(3), gets.Load())
	assert.Equal(t, types.StateRunning, f.info.ServerState(admin))
}

func runningPod(name, cluster string) *corev1.Pod {
	labels := map[string]string{keys.LabelServerName: name}
	if cluster != "" {
		labels[keys.LabelClusterName] = cluster
	}
	return &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{Name: Name("sample", name), Namespace: "apps", Labels: labels},
		Status:     corev1.PodStatus{Phase: corev1.PodRunning},
	}
}

func TestGracePeriod(t *testing.T) {
	timeout := int64(60)

	tests := []struct {
		name     string
		lastKnow string
		recorded string
		spec     *int64
		want     time.Duration
	}{
		{name: "running", lastKnow: types.StateRunning, want: 40 * time.Second},
		{name: "no state", want: 40 * time.Second},
		{name: "shutdown", lastKnow: types.StateShutdown, want: 0},
		{name: "unknown", lastKnow: types.StateUnknown, want: 0},
		{name: "recorded shutdown", recorded: types.StateShutdown, want: 0},
		{name: "configured timeout", lastKnow: types.StateRunning, spec: &timeout, want: 70 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := testDomain()
			d.ServerPod.ShutdownTimeoutSeconds = tt.spec
			if tt.recorded != "" {
				d.Status = &types.DomainStatus{Servers: []*types.ServerStatus{{ServerName: managed, State: tt.recorded}}}
			}
			info := presence.NewInfo(d)
			if tt.lastKnow != "" {
				info.SetLastKnownStatus(managed, tt.lastKnow)
			}

			assert.Equal(t, tt.want, GracePeriod(info, managed, runningPod(managed, "cluster-1"), config.DefaultTuning()))
		})
	}
}

func TestDeletePodStepUsesGracePeriod(t *testing.T) {
	tests := []struct {
		name  string
		state string
		want  int64
	}{
		{name: "running server", state: types.StateRunning, want: 40},
		{name: "stopped server", state: types.StateShutdown, want: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pod := runningPod(managed, "cluster-1")
			f := newFixture(t, pod)
			f.info.SetServerPod(managed, pod)
			f.info.SetLastKnownStatus(managed, tt.state)

			grace := int64(-1)
			f.cs.PrependReactor("delete", "pods", func(action k8stesting.Action) (bool, runtime.Object, error) {
				grace = *action.(k8stesting.DeleteActionImpl).DeleteOptions.GracePeriodSeconds
				return false, nil, nil
			})

			var done atomic.Bool
			require.NoError(t, f.run(t, DeletePodStep(managed, false, reached(&done)), f.packet("", "")))
			assert.True(t, done.Load())
			assert.Equal(t, tt.want, grace)
			assert.Equal(t, []string{"delete"}, f.verbs(), "without mustWait there is no recheck")
		})
	}
}

func TestDeletePodStepWaitsUntilGone(t *testing.T) {
	pod := runningPod(managed, "cluster-1")
	f := newFixture(t, pod)
	f.info.SetServerPod(managed, pod)

	var gets atomic.Int32
	f.cs.PrependReactor("get", "pods", func(action k8stesting.Action) (bool, runtime.Object, error) {
		if gets.Add(1) <= 2 {
			terminating := pod.DeepCopy()
			now := metav1.Now()
			terminating.DeletionTimestamp = &now
			return true, terminating, nil
		}
		return false, nil, nil
	})

	var done atomic.Bool
	require.NoError(t, f.run(t, DeletePodStep(managed, true, reached(&done)), f.packet("", "")))

	assert.True(t, done.Load())
	assert.Equal(t, int32(3), gets.Load(), "the recheck repeats until the pod is gone")
	assert.Nil(t, f.info.ServerPod(managed))
	assert.False(t, f.info.IsServerPodBeingDeleted(managed))
}

func TestDeletePodStepNotFound(t *testing.T) {
	f := newFixture(t)
	f.info.SetServerPod(managed, runningPod(managed, "cluster-1"))

	var done atomic.Bool
	require.NoError(t, f.run(t, DeletePodStep(managed, true, reached(&done)), f.packet("", "")))
	assert.True(t, done.Load())
	assert.Equal(t, []string{"delete"}, f.verbs())
	assert.Nil(t, f.info.ServerPod(managed))
}

func TestDeletePodStepSkips(t *testing.T) {
	tests := []struct {
		name  string
		setup func(info *presence.Info)
	}{
		{name: "no pod", setup: func(info *presence.Info) {}},
		{name: "domain gone", setup: func(info *presence.Info) {
			info.SetServerPod(managed, runningPod(managed, "cluster-1"))
			info.SetDomain(nil)
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			tt.setup(f.info)

			var done atomic.Bool
			require.NoError(t, f.run(t, DeletePodStep(managed, true, reached(&done)), f.packet("", "")))
			assert.True(t, done.Load())
			assert.Empty(t, f.verbs())
		})
	}
}

func TestPresenceUpdateStep(t *testing.T) {
	f := newFixture(t)
	f.info.SetServerPod(managed, runningPod(managed, "cluster-1"))

	require.NoError(t, f.run(t, PresenceUpdateStep(managed, nil), f.packet("", "")))
	assert.Nil(t, f.info.ServerPod(managed))
}
