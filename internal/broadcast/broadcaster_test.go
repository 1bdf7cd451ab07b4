package broadcast

import (
	"strings"
	"testing"
	"time"
)

func event(n int) Event {
	return Event{Type: EventVehicleUpdated, DeviceID: "DEV001", Vehicle: &VehicleUpdate{Speed: float64(n)}}
}

func drain(s *Subscription) []float64 {
	var got []float64
	for {
		select {
		case e := <-s.C():
			got = append(got, e.Vehicle.Speed)
		default:
			return got
		}
	}
}

func TestDropOldest(t *testing.T) {
	t.Parallel()

	b := New(DropOldest, 3)
	s := b.Subscribe("slow", 0)
	for i := 1; i <= 5; i++ {
		b.Publish(event(i))
	}

	got := drain(s)
	want := []float64{3, 4, 5}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
	if s.Dropped() != 2 {
		t.Errorf("dropped = %d, want 2", s.Dropped())
	}
}

func TestRejectNewest(t *testing.T) {
	t.Parallel()

	b := New(RejectNewest, 3)
	s := b.Subscribe("slow", 0)
	for i := 1; i <= 5; i++ {
		b.Publish(event(i))
	}

	got := drain(s)
	if len(got) != 3 || got[0] != 1 || got[2] != 3 {
		t.Fatalf("got %v, want [1 2 3]", got)
	}
	if s.Dropped() != 2 {
		t.Errorf("dropped = %d, want 2", s.Dropped())
	}
}

func TestStatsAccountForEveryEvent(t *testing.T) {
	t.Parallel()

	for _, policy := range []Policy{DropOldest, RejectNewest} {
		b := New(policy, 3)
		b.Subscribe("ws", 0)
		b.Subscribe("amqp", 0)
		b.Subscribe("kafka", 10)
		for i := 1; i <= 5; i++ {
			b.Publish(event(i))
		}

		stats := b.Stats()
		names := make([]string, len(stats))
		for i, st := range stats {
			names[i] = st.Name
			if st.Accepted+st.Dropped != b.Published() {
				t.Errorf("%s %s: accepted %d + dropped %d, want %d", policy, st.Name, st.Accepted, st.Dropped, b.Published())
			}
			if st.Accepted != uint64(st.Buffered) {
				t.Errorf("%s %s: accepted = %d, want %d buffered", policy, st.Name, st.Accepted, st.Buffered)
			}
		}
		if got := strings.Join(names, ","); got != "amqp,kafka,ws" {
			t.Errorf("%s: order = %s, want amqp,kafka,ws", policy, got)
		}
	}
}

func TestSlowSubscriberDoesNotBlockOthers(t *testing.T) {
	t.Parallel()

	b := New(DropOldest, 1)
	slow := b.Subscribe("slow", 1)
	fast := b.Subscribe("fast", 100)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			b.Publish(event(i))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a full subscriber")
	}
	if got := len(drain(fast)); got != 100 {
		t.Errorf("fast received %d, want 100", got)
	}
	if slow.Dropped() != 99 {
		t.Errorf("slow dropped = %d, want 99", slow.Dropped())
	}
}

func TestUnsubscribeAndClose(t *testing.T) {
	t.Parallel()

	b := New("", 0)
	s := b.Subscribe("ws", 0)
	b.Unsubscribe(s)
	if _, ok := <-s.C(); ok {
		t.Error("channel open after Unsubscribe")
	}
	b.Publish(event(1))

	other := b.Subscribe("nats", 0)
	b.Close()
	b.Close()
	if _, ok := <-other.C(); ok {
		t.Error("channel open after Close")
	}
	if late := b.Subscribe("late", 0); late == nil {
		t.Error("Subscribe after Close returned nil")
	}
	if b.Published() != 1 {
		t.Errorf("published = %d, want 1", b.Published())
	}
}

func TestParsePolicy(t *testing.T) {
	t.Parallel()

	for in, want := range map[string]Policy{"": DropOldest, "drop_oldest": DropOldest, "REJECT_NEWEST": RejectNewest} {
		got, err := ParsePolicy(in)
		if err != nil || got != want {
			t.Errorf("ParsePolicy(%q) = %q, %v, want %q", in, got, err, want)
		}
	}
	if _, err := ParsePolicy("block"); err == nil {
		t.Error("ParsePolicy(block) succeeded")
	}
}
