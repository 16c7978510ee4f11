package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/gitgate/gitgate"
)

func newTestMemoryService(t *testing.T) gitgate.Service {
	t.Helper()
	svc, err := NewMemoryService(gitgate.Settings{})
	if err != nil {
		t.Fatalf("new memory service: %v", err)
	}
	return svc
}

func TestMemoryServiceContract(t *testing.T) {
	testServiceContract(t, newTestMemoryService)
}

func TestNewMemoryServiceBadCost(t *testing.T) {
	_, err := NewMemoryService(gitgate.Settings{BcryptCost: 99})
	if err == nil {
		t.Fatal("want configuration error")
	}
	var cfgErr *gitgate.ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("got %T, want *gitgate.ConfigError", err)
	}
}

func TestMemoryServiceString(t *testing.T) {
	svc, _ := NewMemoryService(gitgate.Settings{})
	if svc.String() != "memory" {
		t.Errorf("String() = %q", svc.String())
	}
}

type failingPersister struct {
	mu    sync.Mutex
	fail  bool
	calls int
}

func (p *failingPersister) Persist(users []*gitgate.User, teams []*gitgate.Team) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.fail {
		return errors.New("disk full")
	}
	return nil
}

func (p *failingPersister) setFail(fail bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fail = fail
}

func TestMemoryRollbackOnPersistFailure(t *testing.T) {
	ctx := context.Background()
	svc, err := NewMemoryService(gitgate.Settings{})
	if err != nil {
		t.Fatalf("new memory service: %v", err)
	}
	p := &failingPersister{}
	svc.persist = p

	seedUser(t, svc, "Alice", "alicepw")
	seedUser(t, svc, "Bob", "bobpw")
	seedTeam(t, svc, "Core", []string{"alice", "bob"}, nil)

	p.setFail(true)

	if err := svc.UpdateUser(ctx, &gitgate.User{Username: "Carol", Credential: testHash(t, "pw")}); err == nil {
		t.Fatal("update succeeded despite persist failure")
	}
	if _, err := svc.User(ctx, "carol"); !errors.Is(err, gitgate.ErrNotFound) {
		t.Error("failed update left the user behind")
	}

	if err := svc.DeleteUser(ctx, "bob"); err == nil {
		t.Fatal("delete succeeded despite persist failure")
	}
	if _, err := svc.User(ctx, "bob"); err != nil {
		t.Error("failed delete removed the user")
	}

	if err := svc.RenameUser(ctx, "alice", &gitgate.User{Username: "Alicia", Credential: testHash(t, "pw")}); err == nil {
		t.Fatal("rename succeeded despite persist failure")
	}
	team, err := svc.Team(ctx, "core")
	if err != nil {
		t.Fatalf("get team: %v", err)
	}
	if team.HasUser("alicia") || !team.HasUser("alice") {
		t.Errorf("failed rename leaked into membership: %v", team.Users)
	}

	p.setFail(false)
	if err := svc.UpdateUser(ctx, &gitgate.User{Username: "Carol", Credential: testHash(t, "pw")}); err != nil {
		t.Fatalf("update after recovery: %v", err)
	}
	if p.calls == 0 {
		t.Error("persister never invoked")
	}
}

func TestMemoryConcurrentReadsAndWrites(t *testing.T) {
	ctx := context.Background()
	svc := newTestMemoryService(t)
	seedUser(t, svc, "Alice", "alicepw")
	seedTeam(t, svc, "Core", []string{"alice"}, nil)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 25; j++ {
				u := &gitgate.User{
					Username:   fmt.Sprintf("writer%d-%d", i, j),
					Credential: "static-hash",
				}
				if err := svc.UpdateUser(ctx, u); err != nil {
					t.Errorf("update: %v", err)
					return
				}
			}
		}(i)
	}
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 25; j++ {
				if _, err := svc.Users(ctx); err != nil {
					t.Errorf("list users: %v", err)
					return
				}
				u, err := svc.User(ctx, "alice")
				if err != nil {
					t.Errorf("get alice: %v", err)
					return
				}
				if len(u.Teams) != 1 {
					t.Errorf("alice lost her team mid-flight: %v", u.Teams)
					return
				}
			}
		}()
	}
	wg.Wait()

	names, err := svc.Usernames(ctx)
	if err != nil {
		t.Fatalf("usernames: %v", err)
	}
	if len(names) != 1+4*25 {
		t.Errorf("want %d users, got %d", 1+4*25, len(names))
	}
}
