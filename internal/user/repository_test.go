package user_test

import (
	"context"
	"testing"

	"github.com/rs/zerolog"

	"roomchat/internal/db/dbtest"
	"roomchat/internal/user"
)

func TestFindByIDs(t *testing.T) {
	database := dbtest.New(t)
	dbtest.SeedUser(t, database, "u1", "alice", "a.png")
	dbtest.SeedUser(t, database, "u2", "bob", "")
	repo := user.NewRepository(database, zerolog.Nop())

	got, err := repo.FindByIDs(context.Background(), []string{"u1", "u2", "ghost", "u1", ""})
	if err != nil {
		t.Fatalf("FindByIDs failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 profiles, got %d", len(got))
	}
	if got["u1"].Username != "alice" || got["u1"].Avatar != "a.png" || got["u2"].Username != "bob" {
		t.Fatalf("unexpected profiles %+v", got)
	}
}

func TestUpsertKeepsExistingFields(t *testing.T) {
	repo := user.NewRepository(dbtest.New(t), zerolog.Nop())
	ctx := context.Background()

	if err := repo.Upsert(ctx, user.Profile{ID: "u1", Username: "alice", Avatar: "a.png"}); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}
	if err := repo.Upsert(ctx, user.Profile{ID: "u1", Username: "alice2"}); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	got, err := repo.FindByIDs(ctx, []string{"u1"})
	if err != nil {
		t.Fatalf("FindByIDs failed: %v", err)
	}
	if got["u1"].Username != "alice2" || got["u1"].Avatar != "a.png" {
		t.Fatalf("unexpected profile after upsert %+v", got["u1"])
	}
}

func TestSearch(t *testing.T) {
	database := dbtest.New(t)
	dbtest.SeedUser(t, database, "u1", "Alice", "")
	dbtest.SeedUser(t, database, "u2", "malik", "")
	dbtest.SeedUser(t, database, "u3", "bob", "")
	repo := user.NewRepository(database, zerolog.Nop())

	got, err := repo.Search(context.Background(), "ALI", "u3")
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(got) != 2 || got[0].Username != "Alice" || got[1].Username != "malik" {
		t.Fatalf("unexpected results %+v", got)
	}

	self, _ := repo.Search(context.Background(), "ali", "u1")
	if len(self) != 1 || self[0].ID != "u2" {
		t.Fatalf("caller should be excluded, got %+v", self)
	}
}
