package migrations

import (
	"regexp"
	"sort"
	"strings"
	"testing"
)

var (
	createRe = regexp.MustCompile(`(?m)^CREATE (TABLE|INDEX) (\w+)`)
	dropRe   = regexp.MustCompile(`(?m)^DROP (TABLE|INDEX) (\w+)`)
)

func objects(re *regexp.Regexp, sql string) []string {
	var names []string
	for _, m := range re.FindAllStringSubmatch(sql, -1) {
		names = append(names, m[1]+" "+m[2])
	}
	sort.Strings(names)
	return names
}

func TestInitialSchema_DownReversesUp(t *testing.T) {
	content, err := FS.ReadFile("001_initial_schema.sql")
	if err != nil {
		t.Fatalf("read embedded migration: %v", err)
	}

	up, down, ok := strings.Cut(string(content), "-- +goose Down")
	if !ok {
		t.Fatal("migration has no Down section")
	}
	if !strings.Contains(up, "-- +goose Up") {
		t.Fatal("migration has no Up section")
	}

	created := objects(createRe, up)
	dropped := objects(dropRe, down)
	if strings.Join(created, ",") != strings.Join(dropped, ",") {
		t.Errorf("Down drops %v, Up creates %v", dropped, created)
	}

	for _, table := range []string{"books", "chapters", "covers", "title_tokens", "change_log"} {
		found := false
		for _, c := range created {
			if c == "TABLE "+table {
				found = true
			}
		}
		if !found {
			t.Errorf("schema does not create table %s", table)
		}
	}
}
