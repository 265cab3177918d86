package websocket

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/datasharingframework/dsf-sub004/internal/auth"
	"github.com/datasharingframework/dsf-sub004/internal/authz"
	"github.com/datasharingframework/dsf-sub004/internal/directory"
	"github.com/datasharingframework/dsf-sub004/internal/platform/event"
	"github.com/datasharingframework/dsf-sub004/internal/platform/fhir"
	"github.com/datasharingframework/dsf-sub004/internal/platform/store"
	"github.com/datasharingframework/dsf-sub004/internal/readaccess"
)

const (
	hostOrg   = "foo.com"
	remoteOrg = "bar.com"
)

func newClient(identity auth.Identity, subscription string) *Client {
	return &Client{
		ID:           "client-" + identity.Organization,
		Identity:     identity,
		Subscription: subscription,
		Send:         make(chan []byte, 16),
	}
}

func TestHubRegisterUnregister(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	client := newClient(auth.NewLocalIdentity(hostOrg), "sub-1")

	hub.Register(client)
	if hub.ClientCount() != 1 || hub.BoundCount("sub-1") != 1 {
		t.Fatalf("after register: clients %d, bound %d", hub.ClientCount(), hub.BoundCount("sub-1"))
	}

	hub.Unregister(client)
	if hub.ClientCount() != 0 || hub.BoundCount("sub-1") != 0 {
		t.Fatalf("after unregister: clients %d, bound %d", hub.ClientCount(), hub.BoundCount("sub-1"))
	}
	if _, open := <-client.Send; open {
		t.Fatal("send channel still open")
	}

	// teardown paths may unregister twice
	hub.Unregister(client)
}

func TestHubBroadcastFiltersByIdentity(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	allowed := newClient(auth.NewLocalIdentity(hostOrg), "sub-1")
	denied := newClient(auth.NewRemoteIdentity(remoteOrg), "sub-1")
	otherSub := newClient(auth.NewLocalIdentity(hostOrg), "sub-2")

	hub.Register(allowed)
	hub.Register(denied)
	hub.Register(otherSub)

	hub.Broadcast("sub-1", Notification{Type: "created"}, func(id auth.Identity) bool {
		return id.Local
	})

	if len(allowed.Send) != 1 {
		t.Fatalf("allowed client got %d messages, want 1", len(allowed.Send))
	}
	if len(denied.Send) != 0 {
		t.Fatal("denied client received a notification")
	}
	if len(otherSub.Send) != 0 {
		t.Fatal("client of another subscription received a notification")
	}
}

func TestCriteriaMatches(t *testing.T) {
	task := fhir.NewResource("Task")
	task["status"] = "requested"

	cases := []struct {
		name     string
		criteria string
		want     bool
	}{
		{"type only", "Task", true},
		{"type and matching param", "Task?status=requested", true},
		{"type and mismatched param", "Task?status=completed", false},
		{"other type", "Organization", false},
		{"empty criteria", "", false},
		{"unknown element", "Task?priority=urgent", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			sub := fhir.NewResource("Subscription")
			if tc.criteria != "" {
				sub["criteria"] = tc.criteria
			}
			if got := criteriaMatches(sub, task); got != tc.want {
				t.Fatalf("criteriaMatches(%q) = %v, want %v", tc.criteria, got, tc.want)
			}
		})
	}
}

type managerFixture struct {
	manager *Manager
	hub     *Hub
	store   *store.Mem
}

func newManagerFixture(t *testing.T) *managerFixture {
	t.Helper()
	dir := directory.NewStatic().AddOrganization(hostOrg).AddOrganization(remoteOrg)
	engine := authz.NewEngine(dir, zerolog.Nop())
	mem := store.NewMem()
	hub := NewHub(zerolog.Nop())
	return &managerFixture{
		manager: NewManager(hub, mem, engine, zerolog.Nop()),
		hub:     hub,
		store:   mem,
	}
}

func (f *managerFixture) seed(t *testing.T, id string, r fhir.Resource) {
	t.Helper()
	ctx := context.Background()
	tx, err := f.store.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if _, err := tx.CreateWithID(ctx, r, id); err != nil {
		t.Fatalf("seed %s: %v", id, err)
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}
}

func activeSubscription(criteria string) fhir.Resource {
	sub := fhir.NewResource("Subscription")
	readaccess.SetLocal(sub)
	_ = readaccess.AddOrganization(sub, remoteOrg)
	sub["status"] = "active"
	sub["criteria"] = criteria
	sub["channel"] = map[string]interface{}{"type": "websocket"}
	return sub
}

func TestManagerDeliversReadFiltered(t *testing.T) {
	f := newManagerFixture(t)
	f.seed(t, "sub-1", activeSubscription("Task?status=requested"))

	local := newClient(auth.NewLocalIdentity(hostOrg), "sub-1")
	remote := newClient(auth.NewRemoteIdentity(remoteOrg), "sub-1")
	f.hub.Register(local)
	f.hub.Register(remote)

	task := fhir.NewResource("Task")
	readaccess.SetLocal(task)
	task["status"] = "requested"
	task.SetID("task-1")

	f.manager.OnEvent(event.Event{
		Type:         event.TypeCreated,
		ResourceType: "Task",
		ResourceID:   "task-1",
		Resource:     task,
		At:           time.Now(),
	})

	if len(local.Send) != 1 {
		t.Fatalf("local client got %d notifications, want 1", len(local.Send))
	}
	if len(remote.Send) != 0 {
		t.Fatal("remote client received a notification it may not read")
	}
}

func TestManagerSkipsNonMatchingAndDeletes(t *testing.T) {
	f := newManagerFixture(t)
	f.seed(t, "sub-1", activeSubscription("Task?status=requested"))

	local := newClient(auth.NewLocalIdentity(hostOrg), "sub-1")
	f.hub.Register(local)

	completed := fhir.NewResource("Task")
	readaccess.SetLocal(completed)
	completed["status"] = "completed"
	completed.SetID("task-2")

	f.manager.OnEvent(event.Event{Type: event.TypeCreated, ResourceType: "Task", ResourceID: "task-2", Resource: completed})
	f.manager.OnEvent(event.Event{Type: event.TypeDeleted, ResourceType: "Task", ResourceID: "task-2", Resource: completed})

	if len(local.Send) != 0 {
		t.Fatalf("client got %d notifications, want 0", len(local.Send))
	}
}

func TestManagerBind(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()
	f.seed(t, "sub-1", activeSubscription("Task"))

	localOnly := fhir.NewResource("Subscription")
	readaccess.SetLocal(localOnly)
	localOnly["status"] = "active"
	localOnly["criteria"] = "Task"
	localOnly["channel"] = map[string]interface{}{"type": "websocket"}
	f.seed(t, "sub-local", localOnly)

	inactive := activeSubscription("Task")
	inactive["status"] = "off"
	f.seed(t, "sub-off", inactive)

	rest := activeSubscription("Task")
	rest["channel"] = map[string]interface{}{"type": "rest-hook"}
	f.seed(t, "sub-rest", rest)

	local := auth.NewLocalIdentity(hostOrg)
	remote := auth.NewRemoteIdentity(remoteOrg)

	if err := f.manager.Bind(ctx, remote, "sub-1"); err != nil {
		t.Fatalf("bind shared subscription: %v", err)
	}
	if err := f.manager.Bind(ctx, remote, "sub-local"); err == nil {
		t.Fatal("remote bound a subscription it may not read")
	}
	if err := f.manager.Bind(ctx, local, "sub-off"); err == nil {
		t.Fatal("bound an inactive subscription")
	}
	if err := f.manager.Bind(ctx, local, "sub-rest"); err == nil {
		t.Fatal("bound a non-websocket subscription")
	}
	if err := f.manager.Bind(ctx, local, "missing"); err == nil {
		t.Fatal("bound a missing subscription")
	}
}
