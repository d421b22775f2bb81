package snapshot

import (
	"sync"
	"testing"

	"github.com/cdde/ddengine/core"
	"github.com/cdde/ddengine/routing"
)

func baseSnapshot(gen uint64) *Snapshot {
	return &Snapshot{
		Generation: gen,
		OriginHost: "router.example.net",
		Dictionary: core.BuiltinDictionary(),
		Routes: []routing.RouteEntry{
			{Priority: 10, Condition: routing.RouteCondition{Kind: routing.DestinationRealm, Value: "example.com"}, Pool: "P1"},
		},
		Pools: map[string][]string{"P1": {"peer1.example.net"}},
	}
}

func TestValidateRejectsUnknownPool(t *testing.T) {
	snap := baseSnapshot(1)
	snap.Routes = append(snap.Routes, routing.RouteEntry{
		Priority: 20, Condition: routing.RouteCondition{Kind: routing.DestinationHost, Value: "x"}, Pool: "NOPE",
	})
	if _, err := Validate(snap); err == nil {
		t.Fatal("expected validation error for unknown pool")
	}
}

func TestValidateRejectsBadRegex(t *testing.T) {
	snap := baseSnapshot(1)
	snap.Rules = []routing.Rule{
		{Priority: 1, Conditions: []routing.Condition{{Kind: routing.AvpMatches, Code: core.AVPOriginRealm, Pattern: "(["}}},
	}
	if _, err := Validate(snap); err == nil {
		t.Fatal("expected validation error for bad regex")
	}
}

func TestValidateCompilesRegexOnce(t *testing.T) {
	snap := baseSnapshot(1)
	snap.Rules = []routing.Rule{
		{Priority: 1, Conditions: []routing.Condition{{Kind: routing.AvpMatches, Code: core.AVPOriginRealm, Pattern: "^a"}}},
	}
	validated, err := Validate(snap)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if validated.Rules[0].Conditions[0].Regex == nil {
		t.Fatal("expected compiled regex to be cached on the validated snapshot")
	}
}

func TestPublisherRejectsNonIncreasingGeneration(t *testing.T) {
	p := NewPublisher(mustValidate(t, baseSnapshot(5)))
	if err := p.Publish(baseSnapshot(5)); err == nil {
		t.Fatal("expected rejection of equal generation")
	}
	if err := p.Publish(baseSnapshot(4)); err == nil {
		t.Fatal("expected rejection of lower generation")
	}
}

func TestPublisherLeavesActiveSnapshotOnInvalidPublish(t *testing.T) {
	p := NewPublisher(mustValidate(t, baseSnapshot(1)))

	bad := baseSnapshot(2)
	bad.Dictionary = nil
	if err := p.Publish(bad); err == nil {
		t.Fatal("expected validation failure")
	}

	if g := p.Load().Generation; g != 1 {
		t.Fatalf("active generation = %d, want 1 (unchanged)", g)
	}
}

// TestConfigurationAtomicity: a reader that loads generation g before
// g+1 is published must observe only g's rules for the remainder of its
// work, never a mixed view.
func TestConfigurationAtomicity(t *testing.T) {
	p := NewPublisher(mustValidate(t, baseSnapshot(1)))

	var wg sync.WaitGroup
	readerSeenGeneration := make(chan uint64, 1)
	loaded := make(chan struct{})

	wg.Add(1)
	go func() {
		defer wg.Done()
		snap := p.Load()
		gen := snap.Generation
		close(loaded)
		// Simulate doing work with the loaded reference while a publish
		// races in concurrently; snap must never change underneath us.
		for i := 0; i < 1000; i++ {
			if snap.Generation != gen {
				t.Errorf("snapshot mutated in place: got generation %d, want %d", snap.Generation, gen)
			}
		}
		readerSeenGeneration <- snap.Generation
	}()

	<-loaded
	if err := p.Publish(mustValidate(t, baseSnapshot(2))); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	wg.Wait()
	close(readerSeenGeneration)
	if got := <-readerSeenGeneration; got != 1 {
		t.Fatalf("reader observed generation %d, want 1", got)
	}
	if got := p.Load().Generation; got != 2 {
		t.Fatalf("active generation = %d, want 2", got)
	}
}

func mustValidate(t *testing.T, snap *Snapshot) *Snapshot {
	t.Helper()
	v, err := Validate(snap)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	return v
}
