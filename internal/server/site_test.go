package server

import "testing"

func TestSiteResolve(t *testing.T) {
	site, err := NewSite(testConfig(5000, true))
	if err != nil {
		t.Fatalf("new site: %v", err)
	}

	cases := []struct {
		name       string
		host       string
		uri        string
		wantURL    string
		sameOrigin bool
	}{
		{name: "domain", host: "app.local", uri: "/index.html", wantURL: "https://app.local/index.html", sameOrigin: true},
		{name: "domain with port", host: "APP.local:5000", uri: "/?a=1", wantURL: "https://app.local/?a=1", sameOrigin: true},
		{name: "absolute same origin", host: "", uri: "https://app.local/x.js", wantURL: "https://app.local/x.js", sameOrigin: true},
		{name: "foreign host", host: "cdn.example", uri: "/lib.js", wantURL: "http://cdn.example/lib.js"},
		{name: "absolute foreign", host: "app.local", uri: "https://cdn.example/lib.js", wantURL: "https://cdn.example/lib.js"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			target, ok := site.Resolve("http", tc.host, tc.uri)
			if !ok {
				t.Fatalf("expected target")
			}
			if target.URL.String() != tc.wantURL {
				t.Fatalf("url = %s, want %s", target.URL, tc.wantURL)
			}
			if target.SameOrigin != tc.sameOrigin {
				t.Fatalf("sameOrigin = %v, want %v", target.SameOrigin, tc.sameOrigin)
			}
		})
	}
}

func TestSiteRejectsForeignHostsWithoutPassthrough(t *testing.T) {
	site, err := NewSite(testConfig(5000, false))
	if err != nil {
		t.Fatalf("new site: %v", err)
	}
	if _, ok := site.Resolve("http", "cdn.example", "/lib.js"); ok {
		t.Fatalf("expected foreign host to be rejected")
	}
	if _, ok := site.Resolve("http", "", "/"); ok {
		t.Fatalf("expected empty host to be rejected")
	}
}

func TestSiteRejectsHostsOutsideAllowList(t *testing.T) {
	site, err := NewSite(testConfig(5000, true))
	if err != nil {
		t.Fatalf("new site: %v", err)
	}
	cases := []struct {
		host string
		uri  string
	}{
		{host: "127.0.0.1:8080", uri: "/admin"},
		{host: "app.local", uri: "http://10.0.0.1/admin"},
		{host: "app.local", uri: "http://localhost:9000/metrics"},
		{host: "cdn.example.evil", uri: "/lib.js"},
	}
	for _, tc := range cases {
		if target, ok := site.Resolve("http", tc.host, tc.uri); ok {
			t.Fatalf("%s %s: expected rejection, got %s", tc.host, tc.uri, target.URL)
		}
	}
}

func TestSiteExposesDomainAndOrigin(t *testing.T) {
	cfg := testConfig(5000, false)
	cfg.Agent.Domain = "App.Local."
	cfg.Agent.Origin = "https://app.local/ignored?x=1"
	site, err := NewSite(cfg)
	if err != nil {
		t.Fatalf("new site: %v", err)
	}
	if site.Domain() != "app.local" {
		t.Fatalf("unexpected domain %s", site.Domain())
	}
	origin := site.Origin()
	if origin.String() != "https://app.local" {
		t.Fatalf("unexpected origin %s", origin)
	}
	origin.Host = "mutated"
	if site.Origin().Host != "app.local" {
		t.Fatalf("Origin must return a copy")
	}
}

func TestNewSiteValidatesOrigin(t *testing.T) {
	cfg := testConfig(5000, true)
	cfg.Agent.Origin = "app.local"
	if _, err := NewSite(cfg); err == nil {
		t.Fatalf("expected origin without scheme to be rejected")
	}
}
