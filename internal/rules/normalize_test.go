package rules

import "testing"

func TestNormalizeDomain(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"Example.com", "example.com"},
		{"https://www.Example.com/path?q=1", "example.com"},
		{"http://sub.example.com/", "sub.example.com"},
		{"  www.example.com  ", "example.com"},
		{"example.com///", "example.com"},
		{"https://http://www.www.example.com", "example.com"},
		{"http:// www.example.com", "example.com"},
		{"/just/a/path", ""},
		{"   ", ""},
	}
	for _, tt := range tests {
		got := NormalizeDomain(tt.in)
		if got != tt.want {
			t.Errorf("NormalizeDomain(%q) = %q, want %q", tt.in, got, tt.want)
		}
		if again := NormalizeDomain(got); again != got {
			t.Errorf("NormalizeDomain not idempotent for %q: %q -> %q", tt.in, got, again)
		}
	}
}

func TestValidSubnet(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"192.168.0.0/16", true},
		{"10.0.0.0/8", true},
		{"0.0.0.0/0", true},
		{"255.255.255.255/32", true},
		{"192.168.1.1/24", true},
		{"256.0.0.0/8", false},
		{"10.0.0.0/33", false},
		{"10.0.0.0", false},
		{"10.0.0/8", false},
		{"10.0.0.0.0/8", false},
		{"a.b.c.d/8", false},
		{"10.0.0.0/", false},
		{"10.0.0.0/-1", false},
		{"fd00::/8", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := ValidSubnet(tt.in); got != tt.want {
			t.Errorf("ValidSubnet(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestValidDNSServer(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"8.8.8.8", true},
		{"1.1.1.1", true},
		{"2001:4860:4860::8888", true},
		{"::1", true},
		{"fe80::", true},
		{"1:2:3:4:5:6:7:8", true},
		{"1:2:3:4:5:6:7:8:9", false},
		{"12345::1", false},
		{"gggg::1", false},
		{"dns.google", false},
		{"8.8.8", false},
		{"300.1.1.1", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := ValidDNSServer(tt.in); got != tt.want {
			t.Errorf("ValidDNSServer(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
