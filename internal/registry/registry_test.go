package registry

import (
	"testing"
	"time"
)

func TestRegisterAndByID(t *testing.T) {
	r := New(time.Minute, 3)
	r.Register("weather-agent", []string{"weather"})

	rec, ok := r.ByID("weather-agent")
	if !ok {
		t.Fatal("expected agent to be registered")
	}
	if rec.Health != HealthHealthy {
		t.Errorf("health = %s, want healthy", rec.Health)
	}
}

func TestHeartbeatRestoresHealth(t *testing.T) {
	r := New(10*time.Millisecond, 3)
	r.Register("weather-agent", nil)

	time.Sleep(20 * time.Millisecond)
	r.Sweep()

	rec, _ := r.ByID("weather-agent")
	if rec.Health != HealthUnhealthy {
		t.Fatalf("expected unhealthy after timeout, got %s", rec.Health)
	}

	r.Heartbeat("weather-agent")
	rec, _ = r.ByID("weather-agent")
	if rec.Health != HealthHealthy {
		t.Errorf("expected healthy after heartbeat, got %s", rec.Health)
	}
}

func TestRecordFailureTripsUnhealthyAtThreshold(t *testing.T) {
	r := New(time.Minute, 3)
	r.Register("weather-agent", nil)

	r.RecordFailure("weather-agent")
	r.RecordFailure("weather-agent")
	rec, _ := r.ByID("weather-agent")
	if rec.Health != HealthHealthy {
		t.Fatalf("expected still healthy before threshold, got %s", rec.Health)
	}

	r.RecordFailure("weather-agent")
	rec, _ = r.ByID("weather-agent")
	if rec.Health != HealthUnhealthy {
		t.Errorf("expected unhealthy at threshold, got %s", rec.Health)
	}
}

func TestRecordSuccessResetsFailures(t *testing.T) {
	r := New(time.Minute, 3)
	r.Register("weather-agent", nil)

	r.RecordFailure("weather-agent")
	r.RecordFailure("weather-agent")
	r.RecordSuccess("weather-agent")
	r.RecordFailure("weather-agent")

	rec, _ := r.ByID("weather-agent")
	if rec.Health != HealthHealthy {
		t.Errorf("expected healthy, failure count should have reset")
	}
}

func TestBidExcludedSeparateFromHealth(t *testing.T) {
	r := New(time.Minute, 3)
	r.Register("weather-agent", nil)
	r.SetBidExcluded("weather-agent", true)

	rec, _ := r.ByID("weather-agent")
	if rec.Health != HealthHealthy {
		t.Errorf("expected health unaffected by bid exclusion")
	}
	if !rec.BidExcluded {
		t.Errorf("expected bid excluded to be set")
	}

	healthy := r.Healthy()
	for _, h := range healthy {
		if h.ID == "weather-agent" {
			t.Errorf("excluded agent should not appear in Healthy()")
		}
	}
}

func TestFilterHonorsAgentFilter(t *testing.T) {
	r := New(time.Minute, 3)
	r.Register("weather-agent", nil)
	r.Register("calendar-agent", nil)

	filtered := r.Filter([]string{"calendar-agent"})
	if len(filtered) != 1 || filtered[0].ID != "calendar-agent" {
		t.Errorf("expected only calendar-agent, got %+v", filtered)
	}

	all := r.Filter(nil)
	if len(all) != 2 {
		t.Errorf("expected both agents with empty filter, got %d", len(all))
	}
}

func TestBiddableIncludesUnhealthyAgents(t *testing.T) {
	r := New(10*time.Millisecond, 3)
	r.Register("weather-agent", nil)
	r.Register("error-agent", nil)
	r.SetBidExcluded("error-agent", true)

	time.Sleep(20 * time.Millisecond)
	r.Sweep()

	// A missed heartbeat drops the agent from Healthy but not from the
	// solicitation pool.
	if len(r.Healthy()) != 0 {
		t.Errorf("expected no healthy agents after timeout, got %d", len(r.Healthy()))
	}
	biddable := r.Biddable()
	if len(biddable) != 1 || biddable[0].ID != "weather-agent" {
		t.Errorf("expected unhealthy-but-biddable weather-agent only, got %+v", biddable)
	}
}

func TestRemoveDropsRegistration(t *testing.T) {
	r := New(time.Minute, 3)
	r.Register("weather-agent", nil)

	if !r.Remove("weather-agent") {
		t.Fatal("expected Remove to report the agent was present")
	}
	if _, ok := r.ByID("weather-agent"); ok {
		t.Error("expected agent gone after Remove")
	}
	if r.Remove("weather-agent") {
		t.Error("expected second Remove to report absence")
	}
}

func TestRegisterResetsOnReconnect(t *testing.T) {
	r := New(time.Minute, 3)
	r.Register("weather-agent", nil)
	r.RecordFailure("weather-agent")
	r.RecordFailure("weather-agent")
	r.RecordFailure("weather-agent")

	rec, _ := r.ByID("weather-agent")
	if rec.Health != HealthUnhealthy {
		t.Fatalf("setup: expected unhealthy")
	}

	r.Register("weather-agent", []string{"weather"})
	rec, _ = r.ByID("weather-agent")
	if rec.Health != HealthHealthy {
		t.Errorf("expected reconnect to reset health, got %s", rec.Health)
	}
}
