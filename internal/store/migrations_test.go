package store

import (
	"regexp"
	"sort"
	"testing"
)

func TestEmbeddedMigrationsAreWellFormed(t *testing.T) {
	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		t.Fatalf("read embedded migrations: %v", err)
	}
	if len(entries) == 0 {
		t.Fatal("no embedded migrations found")
	}

	pattern := regexp.MustCompile(`^(\d{4})_[a-z0-9_]+\.up\.sql$`)
	seen := map[string]string{}
	var names []string
	for _, entry := range entries {
		name := entry.Name()
		match := pattern.FindStringSubmatch(name)
		if match == nil {
			t.Errorf("migration %q does not match NNNN_name.up.sql", name)
			continue
		}
		if prior, ok := seen[match[1]]; ok {
			t.Errorf("duplicate migration version %s: %q and %q", match[1], prior, name)
		}
		seen[match[1]] = name
		names = append(names, name)
	}

	// Application order is lexicographic, so versions must sort correctly.
	if !sort.StringsAreSorted(names) {
		sorted := append([]string(nil), names...)
		sort.Strings(sorted)
		t.Errorf("ReadDir order %v differs from sorted %v", names, sorted)
	}
}

func TestMigrationsAreNonEmpty(t *testing.T) {
	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		t.Fatalf("read embedded migrations: %v", err)
	}
	for _, entry := range entries {
		contents, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			t.Fatalf("read %s: %v", entry.Name(), err)
		}
		if len(contents) == 0 {
			t.Errorf("migration %s is empty", entry.Name())
		}
	}
}
