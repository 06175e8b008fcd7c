package directory

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"reflect"
	"sort"
	"sync/atomic"
	"testing"
	"time"

	"github.com/spf13/viper"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testGroupPorts() map[Group][]int {
	return map[Group][]int{
		GroupAmericas: {10101, 10102},
		GroupEurope:   {10201},
	}
}

func newTestDirectory(url string) *Directory {
	client := NewClient(url, "proxy", 2*time.Second)
	return New(client, builtinRegionGroups, testGroupPorts(), testLogger())
}

func TestRefreshClassification(t *testing.T) {
	body := `[
		{"ip": "198.51.100.1", "category": "proxy", "region": "USA"},
		{"ip": "198.51.100.2", "category": "proxy", "region": "canada"},
		{"ip": "198.51.100.1", "category": "proxy", "region": "Mexico"},
		{"ip": "198.51.100.3", "category": "proxy", "region": "Germany"},
		{"ip": "198.51.100.4", "category": "proxy", "region": "Atlantis"},
		{"ip": "198.51.100.5", "category": "proxy", "region": "Japan"},
		{"ip": "198.51.100.6", "category": "cdn", "region": "USA"}
	]`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, body)
	}))
	defer srv.Close()

	d := newTestDirectory(srv.URL)
	if err := d.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}

	// USA, canada, and Mexico all land in americas; the duplicate address
	// dedupes, so both americas ports carry the same two targets.
	want := []string{"198.51.100.1", "198.51.100.2"}
	for _, port := range []int{10101, 10102} {
		got := d.TargetsForPort(port)
		sort.Strings(got)
		if !reflect.DeepEqual(got, want) {
			t.Errorf("TargetsForPort(%d) = %v, want %v", port, got, want)
		}
	}

	if got := d.TargetsForPort(10201); !reflect.DeepEqual(got, []string{"198.51.100.3"}) {
		t.Errorf("TargetsForPort(10201) = %v, want [198.51.100.3]", got)
	}

	// Atlantis is unmapped, Japan's group has no configured ports, and the
	// cdn entry is a different category; none may land anywhere.
	if got := d.TargetCount(); got != 3 {
		t.Errorf("TargetCount() = %d, want 3", got)
	}
	if d.Live("198.51.100.4") || d.Live("198.51.100.5") || d.Live("198.51.100.6") {
		t.Error("dropped nodes must not be live")
	}

	if got := d.TargetsForPort(9999); len(got) != 0 {
		t.Errorf("TargetsForPort(9999) = %v, want empty", got)
	}

	wantPorts := []int{10101, 10102, 10201}
	if got := d.Ports(); !reflect.DeepEqual(got, wantPorts) {
		t.Errorf("Ports() = %v, want %v", got, wantPorts)
	}
}

func TestRefreshFallback(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch calls.Add(1) {
		case 1:
			io.WriteString(w, `[{"ip": "198.51.100.1", "category": "proxy", "region": "usa"}]`)
		case 2:
			w.WriteHeader(http.StatusInternalServerError)
		default:
			io.WriteString(w, `[]`)
		}
	}))
	defer srv.Close()

	d := newTestDirectory(srv.URL)

	if err := d.Refresh(context.Background()); err != nil {
		t.Fatalf("first Refresh() error = %v", err)
	}
	if got := d.TargetCount(); got != 1 {
		t.Fatalf("TargetCount() = %d, want 1", got)
	}

	// Server error: keep the stale list, no error surfaced.
	if err := d.Refresh(context.Background()); err != nil {
		t.Errorf("Refresh() after server error = %v, want nil", err)
	}
	if got := d.TargetsForPort(10101); len(got) != 1 {
		t.Errorf("stale list lost after failed refresh, targets = %v", got)
	}

	// Empty response counts as a failure too.
	if err := d.Refresh(context.Background()); err != nil {
		t.Errorf("Refresh() after empty response = %v, want nil", err)
	}
	if got := d.TargetCount(); got != 1 {
		t.Errorf("TargetCount() = %d, want 1 after empty response", got)
	}
}

func TestRefreshUnavailableWithoutPriorList(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	d := newTestDirectory(srv.URL)
	err := d.Refresh(context.Background())
	if !errors.Is(err, ErrDirectoryUnavailable) {
		t.Errorf("Refresh() error = %v, want ErrDirectoryUnavailable", err)
	}
}

func TestRefreshRebuildsWholesale(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			io.WriteString(w, `[{"ip": "198.51.100.1", "category": "proxy", "region": "usa"}]`)
		} else {
			io.WriteString(w, `[{"ip": "198.51.100.9", "category": "proxy", "region": "usa"}]`)
		}
	}))
	defer srv.Close()

	d := newTestDirectory(srv.URL)
	if err := d.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if err := d.Refresh(context.Background()); err != nil {
		t.Fatalf("second Refresh() error = %v", err)
	}

	if d.Live("198.51.100.1") {
		t.Error("old target still live after rebuild")
	}
	if !d.Live("198.51.100.9") {
		t.Error("new target not live after rebuild")
	}
	if got := d.TargetsForPort(10101); !reflect.DeepEqual(got, []string{"198.51.100.9"}) {
		t.Errorf("TargetsForPort(10101) = %v, want [198.51.100.9]", got)
	}
}

func TestFromViper(t *testing.T) {
	viper.Reset()
	defer viper.Reset()

	viper.Set("directory.url", "http://directory.example.net/nodes")
	viper.Set("directory.category", "proxy")
	viper.Set("groups.ports.americas", []int{10101, 10102})
	viper.Set("groups.ports.europe", []int{10201})
	viper.Set("groups.regions.atlantis", "europe")

	d, err := FromViper(testLogger())
	if err != nil {
		t.Fatalf("FromViper() error = %v", err)
	}

	if got := d.groupPorts[GroupAmericas]; !reflect.DeepEqual(got, []int{10101, 10102}) {
		t.Errorf("americas ports = %v, want [10101 10102]", got)
	}
	if got := d.groupPorts[GroupEurope]; !reflect.DeepEqual(got, []int{10201}) {
		t.Errorf("europe ports = %v, want [10201]", got)
	}
	if d.regionGroups["atlantis"] != GroupEurope {
		t.Errorf("configured region mapping lost, atlantis = %v", d.regionGroups["atlantis"])
	}
	if d.regionGroups["usa"] != GroupAmericas {
		t.Error("built-in region table lost after merging configured regions")
	}
}

func TestFromViperRejectsBadConfig(t *testing.T) {
	tests := []struct {
		name string
		set  func()
	}{
		{
			name: "missing url",
			set: func() {
				viper.Set("groups.ports.americas", []int{10101})
			},
		},
		{
			name: "missing ports",
			set: func() {
				viper.Set("directory.url", "http://directory.example.net/nodes")
			},
		},
		{
			name: "unknown group",
			set: func() {
				viper.Set("directory.url", "http://directory.example.net/nodes")
				viper.Set("groups.ports.oceania", []int{10101})
			},
		},
		{
			name: "port out of range",
			set: func() {
				viper.Set("directory.url", "http://directory.example.net/nodes")
				viper.Set("groups.ports.americas", []int{70000})
			},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			viper.Reset()
			defer viper.Reset()
			tc.set()
			if _, err := FromViper(testLogger()); err == nil {
				t.Error("FromViper() error = nil, want error")
			}
		})
	}
}

func TestParseGroup(t *testing.T) {
	tests := []struct {
		in      string
		want    Group
		wantErr bool
	}{
		{"americas", GroupAmericas, false},
		{"Europe", GroupEurope, false},
		{" ASIA ", GroupAsia, false},
		{"oceania", "", true},
		{"", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseGroup(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseGroup(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseGroup(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}
