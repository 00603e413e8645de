package status

import "testing"

func TestAdvance(t *testing.T) {
	tests := []struct {
		current Delivery
		next    Delivery
		want    Delivery
		changed bool
	}{
		{Sent, Delivered, Delivered, true},
		{Sent, Read, Read, true},
		{Delivered, Read, Read, true},
		{Delivered, Sent, Delivered, false},
		{Read, Sent, Read, false},
		{Read, Delivered, Read, false},
		{Read, Read, Read, false},
		{Sent, "bogus", Sent, false},
		{"", Delivered, Delivered, true},
	}
	for _, tt := range tests {
		t.Run(string(tt.current)+"->"+string(tt.next), func(t *testing.T) {
			got, changed := Advance(tt.current, tt.next)
			if got != tt.want || changed != tt.changed {
				t.Errorf("Advance(%s, %s) = %s, %v; want %s, %v", tt.current, tt.next, got, changed, tt.want, tt.changed)
			}
		})
	}
}

// TestAdvanceNeverRegresses folds arbitrary sequences of updates and checks
// the observed state never moves backwards.
func TestAdvanceNeverRegresses(t *testing.T) {
	sequences := [][]Delivery{
		{Read, Sent, Delivered},
		{Delivered, Sent, Read, Delivered},
		{Sent, Sent, Read, Sent},
	}
	for _, seq := range sequences {
		cur := Sent
		for _, next := range seq {
			prev := cur
			cur, _ = Advance(cur, next)
			if deliveryRank[cur] < deliveryRank[prev] {
				t.Fatalf("status regressed from %s to %s in %v", prev, cur, seq)
			}
		}
	}
}

func TestSyncTransitions(t *testing.T) {
	valid := [][2]Sync{
		{Pending, Synced},
		{Pending, Failed},
		{Failed, Pending},
		{Synced, Pending},
	}
	for _, tr := range valid {
		if err := Transition(tr[0], tr[1]); err != nil {
			t.Errorf("Transition(%s -> %s) error = %v", tr[0], tr[1], err)
		}
	}

	// A failed record is never marked synced without going through a retry.
	if err := Transition(Failed, Synced); err == nil {
		t.Error("Transition(failed -> synced) should fail")
	}
	if err := Transition(Synced, Failed); err == nil {
		t.Error("Transition(synced -> failed) should fail")
	}
}
