package postgres

import (
	"reflect"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/alanyoungcy/leverageguard/internal/domain"
)

func TestListQuery(t *testing.T) {
	since := time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)

	q, args := listQuery("", domain.ListOpts{})
	if strings.Contains(q, "$1") || len(args) != 0 {
		t.Fatalf("unfiltered query = %q %v", q, args)
	}

	q, args = listQuery("7", domain.ListOpts{Since: &since, Limit: 10, Offset: 20})
	for _, frag := range []string{"position_id = $1", "created_at >= $2", "LIMIT $3", "OFFSET $4"} {
		if !strings.Contains(q, frag) {
			t.Errorf("query %q missing %q", q, frag)
		}
	}
	if want := []any{"7", since, 10, 20}; !reflect.DeepEqual(args, want) {
		t.Fatalf("args = %v", args)
	}
}

func TestMigrationsEmbedded(t *testing.T) {
	names, err := pendingMigrations()
	if err != nil || len(names) == 0 {
		t.Fatalf("migrations: %v %v", names, err)
	}
	if !slices.IsSorted(names) {
		t.Fatalf("migrations out of order: %v", names)
	}
	data, _ := migrationsFS.ReadFile(names[0])
	if !strings.Contains(string(data), "audit_log") {
		t.Fatal("first migration does not create audit_log")
	}
}
