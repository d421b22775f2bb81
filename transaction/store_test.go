package transaction

import (
	"testing"
	"time"
)

func TestInsertDuplicateRejected(t *testing.T) {
	s := NewStore()
	key := Key{ConnectionId: 1, HopByHopId: 42}

	if err := s.Insert(key, &Context{CommandCode: 272}, time.Now().Add(time.Minute)); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	if err := s.Insert(key, &Context{CommandCode: 272}, time.Now().Add(time.Minute)); err != ErrDuplicate {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}
}

func TestTakeRemovesEntry(t *testing.T) {
	s := NewStore()
	key := Key{ConnectionId: 1, HopByHopId: 42}
	s.Insert(key, &Context{CommandCode: 272}, time.Now().Add(time.Minute))

	ctx, ok := s.Take(key)
	if !ok || ctx.CommandCode != 272 {
		t.Fatalf("unexpected take result: %+v ok=%v", ctx, ok)
	}

	if _, ok := s.Take(key); ok {
		t.Fatal("expected second take to fail")
	}
}

// TestScenarioTimeoutSynthesis covers an expired request producing a
// synthesized timeout answer with the correct correlation fields.
func TestScenarioTimeoutSynthesis(t *testing.T) {
	s := NewStore()
	key := Key{ConnectionId: 7, HopByHopId: 42}
	ctx := &Context{CommandCode: 272, EndToEndId: 0xDEADBEEF}

	now := time.Now()
	if err := s.Insert(key, ctx, now.Add(50*time.Millisecond)); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	expired := s.PollExpired(now.Add(60 * time.Millisecond))
	if len(expired) != 1 {
		t.Fatalf("expected exactly one expired entry, got %d", len(expired))
	}
	if expired[0].Key != key {
		t.Fatalf("unexpected key %+v", expired[0].Key)
	}

	answer := TimeoutAnswer(expired[0])
	if answer.CommandCode != 272 {
		t.Fatalf("answer command code = %d, want 272", answer.CommandCode)
	}
	if answer.IsRequest() {
		t.Fatal("answer must not have the Request flag set")
	}
	if answer.EndToEndId != 0xDEADBEEF {
		t.Fatalf("answer end-to-end id = %x, want deadbeef", answer.EndToEndId)
	}
	avp, ok := answer.GetAVP(268, 0)
	if !ok || string(avp.Data) != string([]byte{0, 0, 0x0B, 0xBA}) {
		t.Fatalf("expected Result-Code 3002, got %v ok=%v", avp.Data, ok)
	}
}

func TestPollExpiredSkipsAlreadyTaken(t *testing.T) {
	s := NewStore()
	key := Key{ConnectionId: 1, HopByHopId: 1}
	s.Insert(key, &Context{}, time.Now().Add(-time.Second))

	if _, ok := s.Take(key); !ok {
		t.Fatal("expected take to succeed before poll")
	}

	if expired := s.PollExpired(time.Now()); len(expired) != 0 {
		t.Fatalf("expected no expired entries for an already-taken key, got %d", len(expired))
	}
}

// TestTransactionCorrelationProperty exercises the correlation property
// directly: every insert not followed by take is eventually reported by
// PollExpired exactly once, and no insert followed by a timely take is
// ever reported.
func TestTransactionCorrelationProperty(t *testing.T) {
	s := NewStore()
	now := time.Now()

	takenKey := Key{ConnectionId: 1, HopByHopId: 1}
	expiredKey := Key{ConnectionId: 1, HopByHopId: 2}

	s.Insert(takenKey, &Context{}, now.Add(10*time.Millisecond))
	s.Insert(expiredKey, &Context{}, now.Add(10*time.Millisecond))

	if _, ok := s.Take(takenKey); !ok {
		t.Fatal("expected take to succeed")
	}

	expired := s.PollExpired(now.Add(time.Second))
	if len(expired) != 1 || expired[0].Key != expiredKey {
		t.Fatalf("expected only expiredKey to be reported, got %+v", expired)
	}

	// A second poll must never report either key again.
	if more := s.PollExpired(now.Add(time.Second)); len(more) != 0 {
		t.Fatalf("expected no further expirations, got %+v", more)
	}
}
