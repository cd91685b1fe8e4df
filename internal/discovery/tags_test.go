package discovery

import "testing"

func TestMatchTags(t *testing.T) {
	tests := []struct {
		name    string
		actual  map[string]string
		desired map[string]string
		want    bool
	}{
		{"empty filter matches anything", map[string]string{"Name": "x", "Env": "prod"}, map[string]string{}, true},
		{"empty filter matches empty tags", nil, nil, true},
		{"name glob prefix match", map[string]string{"Name": "foo-cluster"}, map[string]string{"Name": "foo*"}, true},
		{"name glob prefix miss", map[string]string{"Name": "bar-cluster"}, map[string]string{"Name": "foo*"}, false},
		{"name glob is case sensitive", map[string]string{"Name": "Foo"}, map[string]string{"Name": "foo*"}, false},
		{"name glob question mark", map[string]string{"Name": "db1"}, map[string]string{"Name": "db?"}, true},
		{"name glob char class", map[string]string{"Name": "db2"}, map[string]string{"Name": "db[12]"}, true},
		{"name absent fails glob", map[string]string{"Env": "prod"}, map[string]string{"Name": "foo*"}, false},
		{"exact key match", map[string]string{"Env": "prod"}, map[string]string{"Env": "prod"}, true},
		{"exact key value mismatch", map[string]string{"Env": "staging"}, map[string]string{"Env": "prod"}, false},
		{"exact key case sensitive", map[string]string{"Env": "Prod"}, map[string]string{"Env": "prod"}, false},
		{"missing key fails", map[string]string{"Name": "x"}, map[string]string{"Env": "prod"}, false},
		{"name plus extra tags", map[string]string{"Name": "foo-1", "Env": "prod"}, map[string]string{"Name": "foo*", "Env": "prod"}, true},
		{"name ok but extra tag wrong", map[string]string{"Name": "foo-1", "Env": "dev"}, map[string]string{"Name": "foo*", "Env": "prod"}, false},
		{"malformed glob never matches", map[string]string{"Name": "foo"}, map[string]string{"Name": "fo[o"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := MatchTags(tt.actual, tt.desired); got != tt.want {
				t.Fatalf("MatchTags(%v, %v) = %v, want %v", tt.actual, tt.desired, got, tt.want)
			}
		})
	}
}

func TestMatchTagsDoesNotMutateFilter(t *testing.T) {
	desired := map[string]string{"Name": "foo*", "Env": "prod"}
	MatchTags(map[string]string{"Name": "foo-1", "Env": "prod"}, desired)
	if _, ok := desired["Name"]; !ok {
		t.Fatal("desired filter was mutated")
	}
}

func TestMatchTagList(t *testing.T) {
	actual := []TagPair{{Key: "Name", Value: "orders-db"}, {Key: "Team", Value: "payments"}}

	if !MatchTagList(actual, map[string]string{"Name": "orders*", "Team": "payments"}) {
		t.Fatal("expected match")
	}
	if MatchTagList(actual, map[string]string{"Team": "billing"}) {
		t.Fatal("expected mismatch on Team")
	}
	if !MatchTagList(nil, map[string]string{}) {
		t.Fatal("empty filter must match empty list")
	}
}
