package tunnel

import "testing"

func TestStablePortDeterministic(t *testing.T) {
	endpoints := []string{
		"https://ABC123.gr7.us-east-1.eks.amazonaws.com",
		"orders-db.cluster-abc.us-east-1.rds.amazonaws.com",
		"",
		"x",
	}
	for _, ep := range endpoints {
		first := StablePort(ep)
		for i := 0; i < 10; i++ {
			if got := StablePort(ep); got != first {
				t.Fatalf("StablePort(%q) not stable: %d then %d", ep, first, got)
			}
		}
		if first < 16384 || first > 17407 {
			t.Fatalf("StablePort(%q) = %d, outside [16384, 17407]", ep, first)
		}
	}
}

func TestStablePortDependsOnEndpoint(t *testing.T) {
	if StablePort("a") == StablePort("b") {
		t.Fatal("adjacent endpoints must map to different ports")
	}
}
