// Package scan extracts structured facts from raw terminal output.
//
// Provisioning scripts print what they created (container IDs, service URLs)
// in a handful of loosely standardized formats, usually wrapped in ANSI color
// codes. The scanners here are pure functions: given the same chunk of text
// they always return the same answer, and a miss is not an error.
package scan

import (
	"regexp"
	"strconv"
)

// ansiEscape matches CSI and OSC escape sequences emitted by color-enabled
// scripts. Output is scanned both raw and stripped so a label split by a
// color reset is still found.
var ansiEscape = regexp.MustCompile(`\x1b(?:\[[0-9;?]*[0-9A-Za-z]|\][^\x07\x1b]*(?:\x07|\x1b\\))`)

// StripANSI removes terminal escape sequences from s.
func StripANSI(s string) string {
	return ansiEscape.ReplaceAllString(s, "")
}

// guestIDPatterns is ordered from most to least specific. The bare-number
// fallback must stay last or any 3-4 digit number in the stream (ports,
// package counts) would win over an explicit label.
var guestIDPatterns = []*regexp.Regexp{
	regexp.MustCompile(`🆔\s*(?:Container|VM)\s*ID:\s*(\d+)`),
	regexp.MustCompile(`Container ID:\s*(\d+)`),
	regexp.MustCompile(`CT ID:\s*(\d+)`),
	regexp.MustCompile(`Container (\d+)`),
	regexp.MustCompile(`\b(\d+)\b`),
}

// GuestID scans text for a newly created guest identifier. Proxmox VMIDs in
// practice are 3 or 4 digits; candidates of any other length are rejected so
// that years, ports and percentages do not match. Returns ok=false when no
// qualifying candidate is found.
func GuestID(text string) (string, bool) {
	variants := [2]string{text, StripANSI(text)}
	for _, re := range guestIDPatterns {
		for _, v := range variants {
			for _, m := range re.FindAllStringSubmatch(v, -1) {
				id := m[1]
				if len(id) == 3 || len(id) == 4 {
					return id, true
				}
			}
		}
	}
	return "", false
}

// Endpoint is a service address discovered in script output.
type Endpoint struct {
	IP   string
	Port int
}

const ipv4 = `(\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3})`

// endpointPatterns is ordered so explicit ip:port forms win over scheme-only
// and bare-address forms, which need a defaulted port.
var endpointPatterns = []struct {
	re          *regexp.Regexp
	defaultPort func(scheme string) int
}{
	{re: regexp.MustCompile(`https?://` + ipv4 + `:(\d{1,5})`)},
	{re: regexp.MustCompile(ipv4 + `:(\d{1,5})`)},
	{
		re: regexp.MustCompile(`(https?)://` + ipv4),
		defaultPort: func(scheme string) int {
			if scheme == "https" {
				return 443
			}
			return 80
		},
	},
	{
		re:          regexp.MustCompile(ipv4),
		defaultPort: func(string) int { return 80 },
	},
}

// ServiceEndpoint scans text for an IPv4 service endpoint. Addresses without
// an explicit port default to 443 for https URLs and 80 otherwise. Matches
// whose octets exceed 255 or whose port is out of range are skipped, so a
// later, valid match can still win.
func ServiceEndpoint(text string) (Endpoint, bool) {
	variants := [2]string{text, StripANSI(text)}
	for _, p := range endpointPatterns {
		for _, v := range variants {
			for _, m := range p.re.FindAllStringSubmatch(v, -1) {
				ep, ok := buildEndpoint(p.defaultPort, m)
				if ok {
					return ep, true
				}
			}
		}
	}
	return Endpoint{}, false
}

func buildEndpoint(defaultPort func(string) int, m []string) (Endpoint, bool) {
	var ip, portStr, scheme string
	if defaultPort == nil {
		ip, portStr = m[1], m[2]
	} else if len(m) == 3 {
		scheme, ip = m[1], m[2]
	} else {
		ip = m[1]
	}

	if !validOctets(ip) {
		return Endpoint{}, false
	}

	port := 0
	if portStr != "" {
		n, err := strconv.Atoi(portStr)
		if err != nil || n < 1 || n > 65535 {
			return Endpoint{}, false
		}
		port = n
	} else {
		port = defaultPort(scheme)
	}
	return Endpoint{IP: ip, Port: port}, true
}

func validOctets(ip string) bool {
	start := 0
	for i := 0; i <= len(ip); i++ {
		if i == len(ip) || ip[i] == '.' {
			n, err := strconv.Atoi(ip[start:i])
			if err != nil || n > 255 {
				return false
			}
			start = i + 1
		}
	}
	return true
}
