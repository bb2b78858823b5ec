package discovery

import (
	"context"
	"reflect"
	"testing"
	"time"
)

func TestNewAdvertiserDefaults(t *testing.T) {
	a := NewAdvertiser(Info{Port: 7080, Version: "99"})
	if a.info.Name == "" {
		t.Error("Name should default to the hostname")
	}
	if a.info.Version != ProtocolVersion {
		t.Errorf("Version = %q, want %q", a.info.Version, ProtocolVersion)
	}
	if a.IsRunning() {
		t.Error("advertiser should not be running before Start()")
	}
}

func TestAdvertiserStopBeforeStart(t *testing.T) {
	a := NewAdvertiser(Info{Name: "gw", Port: 7080})

	a.Stop()
	a.Stop()

	if a.IsRunning() {
		t.Error("advertiser should not be running after Stop()")
	}
}

func TestTXTRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		info Info
		want []string
	}{
		{
			name: "plain",
			info: Info{Name: "gw", Version: "1"},
			want: []string{"version=1", "name=gw"},
		},
		{
			name: "tls with fingerprint",
			info: Info{Name: "gw", Version: "1", TLS: true, Fingerprint: "AA:BB"},
			want: []string{"version=1", "name=gw", "tls=1", "fp=AA:BB"},
		},
		{
			name: "fingerprint without tls is not advertised",
			info: Info{Name: "gw", Version: "1", Fingerprint: "AA:BB"},
			want: []string{"version=1", "name=gw"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			records := txtRecords(tt.info)
			if !reflect.DeepEqual(records, tt.want) {
				t.Fatalf("txtRecords = %v, want %v", records, tt.want)
			}

			var got Info
			parseTXT(&got, append(records, "garbage", "other=x"))
			want := tt.info
			if !want.TLS {
				want.Fingerprint = ""
			}
			if got != want {
				t.Errorf("parseTXT = %+v, want %+v", got, want)
			}
		})
	}
}

// TestAdvertiseAndBrowse needs multicast on the test host.
func TestAdvertiseAndBrowse(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping network test in short mode")
	}

	a := NewAdvertiser(Info{Name: "chatgate-discovery-test", Port: 7181, TLS: true, Fingerprint: "AA:BB"})
	if err := a.Start(); err != nil {
		t.Skipf("mDNS unavailable: %v", err)
	}
	defer a.Stop()

	if err := a.Start(); err != nil {
		t.Fatalf("second Start() should be a no-op, got %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	found, err := Browse(ctx)
	if err != nil {
		t.Skipf("mDNS browse unavailable: %v", err)
	}
	for _, info := range found {
		if info.Name == "chatgate-discovery-test" {
			if info.Port != 7181 || !info.TLS || info.Fingerprint != "AA:BB" {
				t.Errorf("discovered %+v", info)
			}
			return
		}
	}
	// Multicast is often filtered in CI.
	t.Log("test gateway not discovered")
}
